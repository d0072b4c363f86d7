// Package model holds the data types shared between the distribution
// client, the package cache and the provider.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PackageIdentity uniquely identifies one signed distribution artifact:
// a calendar day, an optional hour for fine-grained packages, and the
// region it covers. Two identities are equal iff all fields match.
type PackageIdentity struct {
	Date   time.Time `json:"date"`
	Hour   *int      `json:"hour,omitempty"` // nil for daily packages
	Region string    `json:"region"`
}

// Daily builds a coarse (daily) package identity.
func Daily(region string, date time.Time) PackageIdentity {
	return PackageIdentity{Region: region, Date: date.Truncate(24 * time.Hour)}
}

// Hourly builds a fine (hourly) package identity.
func Hourly(region string, date time.Time, hour int) PackageIdentity {
	h := hour
	return PackageIdentity{Region: region, Date: date.Truncate(24 * time.Hour), Hour: &h}
}

// IsHourly reports whether this is a fine-grained package.
func (id PackageIdentity) IsHourly() bool {
	return id.Hour != nil
}

// Key returns the canonical string form used as a map and database key:
// "<region>/<yyyy-mm-dd>" or "<region>/<yyyy-mm-dd>/<hh>".
func (id PackageIdentity) Key() string {
	if id.Hour != nil {
		return fmt.Sprintf("%s/%s/%02d", id.Region, id.Date.Format("2006-01-02"), *id.Hour)
	}
	return fmt.Sprintf("%s/%s", id.Region, id.Date.Format("2006-01-02"))
}

// Path returns the request path on the distribution service.
func (id PackageIdentity) Path() string {
	return "/packages/" + id.Key()
}

// String implements fmt.Stringer.
func (id PackageIdentity) String() string {
	return id.Key()
}

// Equal reports field-wise equality.
func (id PackageIdentity) Equal(other PackageIdentity) bool {
	if id.Region != other.Region || !id.Date.Equal(other.Date) {
		return false
	}
	if (id.Hour == nil) != (other.Hour == nil) {
		return false
	}
	return id.Hour == nil || *id.Hour == *other.Hour
}

// ParseKey parses the canonical string form back into an identity.
func ParseKey(key string) (PackageIdentity, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 && len(parts) != 3 {
		return PackageIdentity{}, fmt.Errorf("invalid package key %q", key)
	}
	date, err := time.Parse("2006-01-02", parts[1])
	if err != nil {
		return PackageIdentity{}, fmt.Errorf("invalid package key %q: %w", key, err)
	}
	id := PackageIdentity{Region: parts[0], Date: date}
	if len(parts) == 3 {
		hour, err := strconv.Atoi(parts[2])
		if err != nil || hour < 0 || hour > 23 {
			return PackageIdentity{}, fmt.Errorf("invalid hour in package key %q", key)
		}
		id.Hour = &hour
	}
	return id, nil
}

// SignedPackage pairs a payload with its signature set. The payload is
// never trusted until verification succeeds; a package that fails
// verification is discarded, never cached.
type SignedPackage struct {
	Payload   []byte
	Signature []byte
}
