// Package cryptox derives and checks password verifiers for the local
// credential table. Verifiers are argon2id hashes encoded in the usual
// modular format:
//
//	argon2id$v=19$m=65536,t=1,p=4$<salt b64>$<hash b64>
package cryptox

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nhy497/rs-system-sub000/internal/common"
	"golang.org/x/crypto/argon2"
)

const verifierScheme = "argon2id"

var ErrMalformedVerifier = errors.New("malformed password verifier")

// Bounds on the cost read back from a stored verifier.
const (
	maxMemKiB = 1 << 20 // 1 GiB
	maxTime   = 16
	maxKeyLen = 1024
)

// Params are the argon2id cost parameters.
type Params struct {
	Time    uint32
	MemKiB  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultParams matches the cost the client has always used for key derivation.
var DefaultParams = Params{Time: 1, MemKiB: 64 * 1024, Threads: 4, KeyLen: 32, SaltLen: 16}

// DeriveKey runs argon2id over password and salt.
func DeriveKey(password, salt []byte, p Params) []byte {
	return argon2.IDKey(password, salt, p.Time, p.MemKiB, p.Threads, p.KeyLen)
}

// NewVerifier hashes password with a fresh random salt.
func NewVerifier(password []byte, p Params) string {
	salt := common.GenerateRandByteArray(p.SaltLen)
	key := DeriveKey(password, salt, p)
	return encodeVerifier(p, salt, key)
}

func encodeVerifier(p Params, salt, key []byte) string {
	enc := base64.RawStdEncoding
	return fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		verifierScheme, argon2.Version, p.MemKiB, p.Time, p.Threads,
		enc.EncodeToString(salt), enc.EncodeToString(key))
}

func decodeVerifier(verifier string) (Params, []byte, []byte, error) {
	parts := strings.Split(verifier, "$")
	if len(parts) != 5 || parts[0] != verifierScheme {
		return Params{}, nil, nil, ErrMalformedVerifier
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, ErrMalformedVerifier
	}

	var p Params
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.MemKiB, &p.Time, &p.Threads); err != nil {
		return Params{}, nil, nil, ErrMalformedVerifier
	}
	if p.Time < 1 || p.Time > maxTime || p.Threads < 1 || p.MemKiB > maxMemKiB {
		return Params{}, nil, nil, fmt.Errorf("%w: cost m=%d,t=%d,p=%d out of range",
			ErrMalformedVerifier, p.MemKiB, p.Time, p.Threads)
	}

	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[3])
	if err != nil {
		return Params{}, nil, nil, ErrMalformedVerifier
	}
	key, err := enc.DecodeString(parts[4])
	if err != nil || len(key) == 0 || len(key) > maxKeyLen || len(salt) > maxKeyLen {
		return Params{}, nil, nil, ErrMalformedVerifier
	}
	p.KeyLen = uint32(len(key))
	p.SaltLen = len(salt)
	return p, salt, key, nil
}

// CheckVerifier reports whether password matches verifier. The comparison
// always walks the full length of both hashes.
func CheckVerifier(verifier string, password []byte) (bool, error) {
	p, salt, want, err := decodeVerifier(verifier)
	if err != nil {
		return false, err
	}
	got := DeriveKey(password, salt, p)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
