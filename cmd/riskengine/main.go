// riskengine - exposure risk determination engine
package main

import (
	"github.com/exposurekit/riskengine/internal/cli"
	"github.com/exposurekit/riskengine/internal/logging"
)

const version = "0.2.0"

func main() {
	defer logging.Sync()

	cli.SetVersion(version)
	cli.Execute()
}
