// Package auth implements shared-secret token verification for gateway
// peers. A configured token may be stored plain, as a sha256 digest, or
// as an Argon2id PHC hash; comparisons never short-circuit on content.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// Sentinel errors for token verification.
var (
	// ErrInvalidToken is returned when a presented token does not match.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoToken is returned when verification runs without a configured secret.
	ErrNoToken = errors.New("no token configured")
	// ErrUnknownScheme is returned when a stored secret has an unrecognized format.
	ErrUnknownScheme = errors.New("unknown token scheme")
)

// Scheme identifies how a configured token is stored.
type Scheme string

const (
	// SchemePlain is a literal shared secret.
	SchemePlain Scheme = "plain"
	// SchemeSHA256 is "sha256:" followed by a hex digest.
	SchemeSHA256 Scheme = "sha256"
	// SchemeArgon2id is a PHC-format Argon2id hash.
	SchemeArgon2id Scheme = "argon2id"
)

// argon2idParams follows the OWASP minimum recommendation:
// m=47104 (46 MiB), t=1, p=1.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// DetectScheme classifies a stored secret by format.
func DetectScheme(stored string) Scheme {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		return SchemeArgon2id
	case strings.HasPrefix(stored, "sha256:"):
		return SchemeSHA256
	default:
		return SchemePlain
	}
}

// Verifier checks presented tokens against one configured secret.
type Verifier struct {
	scheme Scheme
	stored string
}

// NewVerifier builds a Verifier for the configured secret. An empty
// secret yields a Verifier that rejects everything with ErrNoToken.
func NewVerifier(stored string) *Verifier {
	return &Verifier{scheme: DetectScheme(stored), stored: stored}
}

// Scheme reports how the configured secret is stored.
func (v *Verifier) Scheme() Scheme {
	return v.scheme
}

// Verify compares a presented token against the configured secret.
// It returns nil on match and ErrInvalidToken on mismatch. Plain and
// sha256 comparisons are constant-time over fixed-length digests, so
// neither content nor length differences shape the timing.
func (v *Verifier) Verify(presented string) error {
	if v.stored == "" {
		return ErrNoToken
	}
	switch v.scheme {
	case SchemePlain:
		want := sha256.Sum256([]byte(v.stored))
		got := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(want[:], got[:]) == 1 {
			return nil
		}
		return ErrInvalidToken
	case SchemeSHA256:
		want, err := hex.DecodeString(strings.TrimPrefix(v.stored, "sha256:"))
		if err != nil || len(want) != sha256.Size {
			return fmt.Errorf("%w: malformed sha256 secret", ErrUnknownScheme)
		}
		got := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(want, got[:]) == 1 {
			return nil
		}
		return ErrInvalidToken
	case SchemeArgon2id:
		if safeArgon2idCompare(presented, v.stored) {
			return nil
		}
		return ErrInvalidToken
	default:
		return ErrUnknownScheme
	}
}

// safeArgon2idCompare wraps the argon2id comparison so a malformed PHC
// string can never panic the caller; malformed hashes simply never match.
func safeArgon2idCompare(presented, hash string) (match bool) {
	defer func() {
		if r := recover(); r != nil {
			match = false
		}
	}()
	match, err := argon2id.ComparePasswordAndHash(presented, hash)
	if err != nil {
		return false
	}
	return match
}

// HashTokenSHA256 returns the storable sha256 form of a token.
func HashTokenSHA256(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashTokenArgon2id returns the storable Argon2id PHC form of a token.
func HashTokenArgon2id(token string) (string, error) {
	return argon2id.CreateHash(token, argon2idParams)
}
