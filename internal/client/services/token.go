package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nhy497/rs-system-sub000/internal/client/models"
	"github.com/nhy497/rs-system-sub000/internal/common"
)

// sessionClaims binds every persisted session field, so an edited session
// record no longer matches its token.
type sessionClaims struct {
	jwt.RegisteredClaims
	Username    string `json:"usr"`
	Role        string `json:"role"`
	Fingerprint string `json:"fph"`
	CreatedAtMs int64  `json:"iat_ms"`
	ExpiresAtMs int64  `json:"exp_ms"`
}

func signSession(s models.Session, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.PrincipalID,
			ID:        s.SessionID,
			ExpiresAt: jwt.NewNumericDate(time.UnixMilli(s.ExpiresAt)),
			IssuedAt:  jwt.NewNumericDate(time.UnixMilli(s.CreatedAt)),
		},
		Username:    s.Username,
		Role:        s.Role,
		Fingerprint: s.FingerprintHash,
		CreatedAtMs: s.CreatedAt,
		ExpiresAtMs: s.ExpiresAt,
	})
	return token.SignedString(secret)
}

// verifySession checks the signature and that the claims describe s.
// Expiry is left to the caller, which reports it separately.
func verifySession(s models.Session, secret []byte) error {
	if s.Token == "" {
		return fmt.Errorf("%w: missing", common.ErrInvalidToken)
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(s.Token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if !token.Valid {
		return common.ErrInvalidToken
	}

	if claims.Subject != s.PrincipalID || claims.ID != s.SessionID ||
		claims.Username != s.Username || claims.Role != s.Role ||
		claims.Fingerprint != s.FingerprintHash ||
		claims.CreatedAtMs != s.CreatedAt || claims.ExpiresAtMs != s.ExpiresAt {
		return fmt.Errorf("%w: claims do not match session", common.ErrInvalidToken)
	}
	return nil
}

// DeviceFingerprint hashes coarse facts about the machine. It is compared
// on session checks but a mismatch only produces a warning.
func DeviceFingerprint() string {
	host, _ := os.Hostname()
	parts := []string{host, runtime.GOOS, runtime.GOARCH, os.Getenv("USER")}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
