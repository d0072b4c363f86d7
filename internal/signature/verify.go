// Package signature verifies server-signed distribution packages against
// the configured trust roots.
package signature

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/exposurekit/riskengine/internal/logging"
)

// TrustedKey is one configured trust root, keyed by the identifier the
// distribution service puts in its signature sets.
type TrustedKey struct {
	ID        string
	PublicKey *ecdsa.PublicKey
}

// signatureSet is the wire form of export.sig: an ordered list of
// (key id, signature) pairs. Signatures are ASN.1 DER over SHA-256.
type signatureSet struct {
	Signatures []signatureEntry `json:"signatures"`
}

type signatureEntry struct {
	KeyID     string `json:"key_id"`
	Signature []byte `json:"signature"` // base64 in JSON
}

// Verify reports whether payload carries a valid signature from any of the
// trusted keys. The first entry that verifies wins. Malformed signature
// sets, unknown key ids and bad signatures all come back as false; the
// caller only needs the trust decision, the reason is logged here.
//
// Verify has no shared state and is safe for concurrent use.
func Verify(payload, sigSet []byte, keys []TrustedKey) bool {
	if len(keys) == 0 {
		logging.Warn("signature verification with no trusted keys, failing closed")
		return false
	}

	var set signatureSet
	if err := json.Unmarshal(sigSet, &set); err != nil {
		logging.S().Debugw("malformed signature set", "error", err)
		return false
	}
	if len(set.Signatures) == 0 {
		logging.Debug("signature set holds no entries")
		return false
	}

	digest := sha256.Sum256(payload)

	for _, entry := range set.Signatures {
		key, ok := lookupKey(keys, entry.KeyID)
		if !ok {
			logging.S().Debugw("signature from unknown key", "key_id", entry.KeyID)
			continue
		}
		if ecdsa.VerifyASN1(key.PublicKey, digest[:], entry.Signature) {
			return true
		}
		logging.S().Debugw("signature did not verify", "key_id", entry.KeyID)
	}

	return false
}

func lookupKey(keys []TrustedKey, id string) (TrustedKey, bool) {
	for _, k := range keys {
		if k.ID == id {
			return k, true
		}
	}
	return TrustedKey{}, false
}

// EncodeSignatureSet serializes (keyID, signature) pairs into the wire
// form. Used by tests and tooling that stand in for the server.
func EncodeSignatureSet(entries map[string][]byte, order []string) ([]byte, error) {
	set := signatureSet{}
	for _, id := range order {
		set.Signatures = append(set.Signatures, signatureEntry{KeyID: id, Signature: entries[id]})
	}
	return json.Marshal(set)
}

// ParseTrustedKey decodes a hex-encoded PKIX (SubjectPublicKeyInfo) ECDSA
// public key.
func ParseTrustedKey(id, hexKey string) (TrustedKey, error) {
	der, err := hex.DecodeString(hexKey)
	if err != nil {
		return TrustedKey{}, fmt.Errorf("invalid hex encoding: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return TrustedKey{}, fmt.Errorf("invalid public key: %w", err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return TrustedKey{}, fmt.Errorf("public key is %T, want ECDSA", pub)
	}
	return TrustedKey{ID: id, PublicKey: ecdsaPub}, nil
}

// EncodePublicKey encodes an ECDSA public key as hex PKIX bytes, the form
// config files carry.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return hex.EncodeToString(der), nil
}

// KeyID generates a deterministic identifier from a public key.
// Returns the first 16 hex characters of SHA256(PKIX(publicKey)).
func KeyID(pub *ecdsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(der)
	return hex.EncodeToString(hash[:8])
}
