// Package identity owns the constitutional identifier: a fixed 16-hex-char
// tag stamped on every record and message and verified at every boundary.
// It is a compatibility/integrity tag, not a secret; rotating it is a
// coordinated redeploy.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/covenant/governor/internal/core"
)

// IdentifierLength is the required length of the constitutional identifier.
const IdentifierLength = 16

var hexPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Stamper stamps payloads with the configured constitutional identifier and
// verifies them on ingress. Constructed once at startup and shared.
type Stamper struct {
	identifier string
}

// NewStamper validates the identifier format and returns the singleton.
func NewStamper(identifier string) (*Stamper, error) {
	if !hexPattern.MatchString(identifier) {
		return nil, fmt.Errorf("constitutional identifier must be %d lowercase hex chars, got %q", IdentifierLength, identifier)
	}
	return &Stamper{identifier: identifier}, nil
}

// Identifier returns the configured constitutional identifier.
func (s *Stamper) Identifier() string { return s.identifier }

// Tagged is a payload wrapped with the constitutional identifier and an
// integrity digest over both.
type Tagged struct {
	Identifier string          `json:"constitutional_identifier"`
	Payload    json.RawMessage `json:"payload"`
	Digest     string          `json:"digest"`
	StampedAt  time.Time       `json:"stamped_at"`
}

// Stamp wraps the payload with the identifier and a digest over
// identifier+payload.
func (s *Stamper) Stamp(payload []byte) Tagged {
	return Tagged{
		Identifier: s.identifier,
		Payload:    append([]byte(nil), payload...),
		Digest:     DigestPayload(s.identifier, payload),
		StampedAt:  time.Now().UTC(),
	}
}

// Verify checks the identifier and the integrity digest of a tagged payload.
func (s *Stamper) Verify(t Tagged) bool {
	if t.Identifier != s.identifier {
		return false
	}
	return t.Digest == DigestPayload(s.identifier, t.Payload)
}

// Check fails with ConstitutionalMismatch unless the given identifier equals
// the configured one. Every component calls this at its boundary.
func (s *Stamper) Check(identifier string) error {
	if identifier != s.identifier {
		return core.NewError(core.ErrConstitutionalMismatch,
			"identifier %q does not match configured tag", identifier)
	}
	return nil
}

// DigestPayload computes the SHA-256 hex digest over identifier ‖ payload.
func DigestPayload(identifier string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(identifier))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
