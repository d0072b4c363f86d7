// Package testutil provides shared test fixtures for the risk engine:
// signing key pairs, signed package archives, a fake distribution server
// and a controllable fake detector.
package testutil

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/exposurekit/riskengine/internal/detector"
	"github.com/exposurekit/riskengine/internal/scoring"
	"github.com/exposurekit/riskengine/internal/signature"
)

// SigningKeyFixture is a test ECDSA signing key with its trust-root form.
type SigningKeyFixture struct {
	KeyID      string
	PrivateKey *ecdsa.PrivateKey
	Trusted    signature.TrustedKey
	PubHex     string
}

// NewSigningKeyFixture generates a P-256 signing key fixture.
func NewSigningKeyFixture(keyID string) (*SigningKeyFixture, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	pubHex, err := signature.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SigningKeyFixture{
		KeyID:      keyID,
		PrivateKey: priv,
		Trusted:    signature.TrustedKey{ID: keyID, PublicKey: &priv.PublicKey},
		PubHex:     pubHex,
	}, nil
}

// MustNewSigningKeyFixture generates a key fixture or panics.
func MustNewSigningKeyFixture(keyID string) *SigningKeyFixture {
	f, err := NewSigningKeyFixture(keyID)
	if err != nil {
		panic(fmt.Sprintf("failed to create signing key fixture: %v", err))
	}
	return f
}

// SignPayload produces a signature set for payload signed by this key.
func (f *SigningKeyFixture) SignPayload(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, f.PrivateKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return signature.EncodeSignatureSet(map[string][]byte{f.KeyID: sig}, []string{f.KeyID})
}

// BuildArchive builds a package archive with the given members. Pass a nil
// value to omit a member (for malformed-package tests).
func BuildArchive(members map[string][]byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range members {
		if data == nil {
			continue
		}
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(data); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// SignedArchive builds a well-formed archive for payload signed by key.
func SignedArchive(key *SigningKeyFixture, payload []byte) []byte {
	sigSet, err := key.SignPayload(payload)
	if err != nil {
		panic(err)
	}
	return BuildArchive(map[string][]byte{
		"export.bin": payload,
		"export.sig": sigSet,
	})
}

// DistributionServer is a fake distribution service. Register archives by
// request path; unregistered paths answer 404.
type DistributionServer struct {
	mu       sync.Mutex
	archives map[string][]byte // path -> archive body
	etags    map[string]string
	statuses map[string]int // forced status per path
	Requests []string

	Server *httptest.Server
}

// NewDistributionServer starts the fake service.
func NewDistributionServer() *DistributionServer {
	ds := &DistributionServer{
		archives: make(map[string][]byte),
		etags:    make(map[string]string),
		statuses: make(map[string]int),
	}
	ds.Server = httptest.NewServer(http.HandlerFunc(ds.handle))
	return ds
}

// Close shuts the fake service down.
func (ds *DistributionServer) Close() { ds.Server.Close() }

// URL returns the service base URL.
func (ds *DistributionServer) URL() string { return ds.Server.URL }

// AddArchive registers an archive under path with the given ETag.
func (ds *DistributionServer) AddArchive(path string, body []byte, etag string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.archives[path] = body
	ds.etags[path] = etag
}

// ForceStatus makes a path answer with a fixed status code. A status of 0
// clears the override.
func (ds *DistributionServer) ForceStatus(path string, status int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if status == 0 {
		delete(ds.statuses, path)
		return
	}
	ds.statuses[path] = status
}

// RequestCount returns how many requests hit the service.
func (ds *DistributionServer) RequestCount() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.Requests)
}

func (ds *DistributionServer) handle(w http.ResponseWriter, r *http.Request) {
	ds.mu.Lock()
	ds.Requests = append(ds.Requests, r.URL.Path)
	body, ok := ds.archives[r.URL.Path]
	etag := ds.etags[r.URL.Path]
	status, forced := ds.statuses[r.URL.Path]
	ds.mu.Unlock()

	if forced {
		w.WriteHeader(status)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if etag != "" && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Write(body)
}

// FakeDetector is a controllable detector.Detector.
type FakeDetector struct {
	mu sync.Mutex

	Pre     detector.Preconditions
	PreErr  error
	Summary *scoring.Summary
	Windows []scoring.EncounterWindow
	Err     error

	// Block, when set, makes Detect wait until the channel is closed.
	Block chan struct{}

	DetectCalls  int
	LastPackages [][]byte
}

// NewFakeDetector returns a detector with satisfied preconditions.
func NewFakeDetector() *FakeDetector {
	return &FakeDetector{
		Pre: detector.Preconditions{Authorized: true, Enabled: true, Status: "active"},
	}
}

// Preconditions implements detector.Detector.
func (f *FakeDetector) Preconditions(ctx context.Context) (detector.Preconditions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Pre, f.PreErr
}

// Detect implements detector.Detector.
func (f *FakeDetector) Detect(ctx context.Context, packages [][]byte) (*scoring.Summary, []scoring.EncounterWindow, error) {
	f.mu.Lock()
	f.DetectCalls++
	f.LastPackages = packages
	block, err := f.Block, f.Err
	summary, windows := f.Summary, f.Windows
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, nil, err
	}
	return summary, windows, nil
}

// Calls returns how many times Detect ran.
func (f *FakeDetector) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DetectCalls
}
