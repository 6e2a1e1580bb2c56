package auth

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenConfig describes tokens shared with the host application, which
// issues them with the same secret.
type TokenConfig struct {
	Secret string
	Expiry time.Duration
	// Issuer is stamped on minted tokens. With RequireIssuer set, tokens of
	// any other issuer are rejected.
	Issuer        string
	RequireIssuer bool
	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration
}

func DefaultTokenConfig(secret string, expiry time.Duration) TokenConfig {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return TokenConfig{
		Secret: secret,
		Expiry: expiry,
		Issuer: "whatsapp-bridge",
	}
}

func (cfg TokenConfig) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.RequireIssuer && cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return opts
}

// CreateToken signs an HS256 token for userID, for the token command and
// tests.
func CreateToken(userID string, cfg TokenConfig) (string, error) {
	switch {
	case cfg.Secret == "":
		return "", errors.New("missing secret")
	case userID == "":
		return "", errors.New("missing userID")
	case cfg.Expiry <= 0:
		return "", errors.New("invalid expiry")
	}

	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        hex.EncodeToString(jti),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// VerifyToken checks signature, expiry and, when configured, issuer, and
// returns claims naming a user.
func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, cfg.parserOptions()...)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if claims.UserID == "" {
		return nil, errors.Wrap(ErrInvalidToken, "token has no subject")
	}
	return claims, nil
}
