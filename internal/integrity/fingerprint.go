package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// FingerprintLength is the length of every device identifier.
const FingerprintLength = 16

// FingerprintScheme selects how the canonical device record is encoded.
type FingerprintScheme string

const (
	// SchemeSHA256 keeps the first 8 bytes of a SHA-256 digest, hex encoded.
	SchemeSHA256 FingerprintScheme = "sha256"
	// SchemeLegacy truncates a base64 encoding of the record. It is reversible
	// and the first 16 characters barely vary between devices; only use it to
	// stay compatible with identifiers that were already stored.
	SchemeLegacy FingerprintScheme = "legacy"
)

// ParseFingerprintScheme validates a configured scheme name.
func ParseFingerprintScheme(s string) (FingerprintScheme, error) {
	switch FingerprintScheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeSHA256:
		return SchemeSHA256, nil
	case SchemeLegacy:
		return SchemeLegacy, nil
	default:
		return "", fmt.Errorf("unknown fingerprint scheme %q", s)
	}
}

// deviceRecord fixes the field order of the serialized environment.
type deviceRecord struct {
	UserAgent string `json:"userAgent"`
	Language  string `json:"language"`
	Timezone  string `json:"timezone"`
	Platform  string `json:"platform"`
	Cores     int    `json:"cores"`
	Screen    string `json:"screen"`
}

// Fingerprint derives the default (sha256) device identifier.
func Fingerprint(env Environment) string {
	return SchemeSHA256.Fingerprint(env)
}

// Fingerprint derives a stable 16-character identifier for env. Identical
// configurations produce identical identifiers.
func (s FingerprintScheme) Fingerprint(env Environment) string {
	cores := env.Cores
	if cores < 0 {
		cores = 0
	}
	raw := canonicalJSON(deviceRecord{
		UserAgent: env.UserAgent,
		Language:  env.Language,
		Timezone:  env.Timezone,
		Platform:  env.Platform,
		Cores:     cores,
		Screen:    env.Screen,
	})

	if s == SchemeLegacy {
		encoded := base64.StdEncoding.EncodeToString(raw)
		return encoded[:FingerprintLength]
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:FingerprintLength/2])
}

// canonicalJSON encodes v without HTML escaping and without the trailing
// newline json.Encoder adds. Only called with plain structs of strings and
// ints, which always encode.
func canonicalJSON(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
	return bytes.TrimRight(buf.Bytes(), "\n")
}
