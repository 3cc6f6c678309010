package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// TokenPrefix marks medgate bearer tokens.
	TokenPrefix = "mgt_"
	tokenBytes  = 32

	tokenHashContext = "medgate-token-hash-v1"
)

// ErrMalformedHash is returned when a stored secret hash cannot be parsed.
var ErrMalformedHash = errors.New("malformed secret hash")

// DeriveKey derives a 32-byte key from a high-entropy pepper using HKDF-SHA256.
func DeriveKey(pepper []byte, context string) ([]byte, error) {
	if len(pepper) == 0 {
		return nil, errors.New("deriving key: empty pepper")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, pepper, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// GenerateToken returns a fresh opaque bearer token carrying 256 bits of entropy.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// TokenHasher computes the keyed hash under which tokens are stored.
type TokenHasher struct {
	key []byte
}

// NewTokenHasher derives the hashing key from pepper.
func NewTokenHasher(pepper []byte) (*TokenHasher, error) {
	key, err := DeriveKey(pepper, tokenHashContext)
	if err != nil {
		return nil, err
	}
	return &TokenHasher{key: key}, nil
}

// Hash returns the BLAKE3 keyed hash of token.
func (h *TokenHasher) Hash(token string) []byte {
	hasher, err := blake3.NewKeyed(h.key)
	if err != nil {
		// key length is fixed at construction
		panic(err)
	}
	_, _ = hasher.Write([]byte(token))
	return hasher.Sum(nil)
}

// Equal compares two token hashes in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Argon2Params tunes the secret key-derivation function.
type Argon2Params struct {
	Memory      uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
	KeyLength   uint32 `yaml:"key_length"`
	SaltLength  uint32 `yaml:"salt_length"`
}

// DefaultArgon2 matches OWASP's argon2id baseline.
var DefaultArgon2 = Argon2Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 1, KeyLength: 32, SaltLength: 16}

// SecretHasher hashes and verifies principal secrets. Both operations run
// under the caller's deadline.
type SecretHasher struct {
	params Argon2Params
}

// NewSecretHasher returns a hasher using params.
func NewSecretHasher(params Argon2Params) *SecretHasher {
	return &SecretHasher{params: params}
}

// Hash returns a PHC string: $argon2id$v=19$m=..,t=..,p=..$<salt>$<key>.
func (h *SecretHasher) Hash(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("empty secret")
	}
	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	p := h.params
	key, err := runBounded(ctx, func() []byte {
		return argon2.IDKey([]byte(secret), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches the PHC-encoded hash.
func (h *SecretHasher) Verify(ctx context.Context, secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, ErrMalformedHash
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, ErrMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedHash
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(stored) == 0 {
		return false, ErrMalformedHash
	}
	key, err := runBounded(ctx, func() []byte {
		return argon2.IDKey([]byte(secret), salt, iterations, memory, parallelism, uint32(len(stored)))
	})
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(key, stored) == 1, nil
}

// runBounded runs the CPU-bound fn and returns early with ctx.Err() on deadline.
func runBounded(ctx context.Context, fn func() []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := make(chan []byte, 1)
	go func() { done <- fn() }()
	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
