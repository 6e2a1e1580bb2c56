package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"whatsapp-bridge/internal/model"
	"whatsapp-bridge/internal/store"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	_, err = VerifyToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour, Issuer: "test"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func signed(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key any) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return tok
}

func TestVerifyToken_Rejects(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "flowise", RequireIssuer: true}
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "flowise",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	noExpiry := valid
	noExpiry.ExpiresAt = nil
	otherIssuer := valid
	otherIssuer.Issuer = "someone-else"
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	noSubject := valid
	noSubject.Subject = ""

	tests := map[string]string{
		"missing exp":  signed(t, noExpiry, jwt.SigningMethodHS256, []byte("secret")),
		"wrong issuer": signed(t, otherIssuer, jwt.SigningMethodHS256, []byte("secret")),
		"expired":      signed(t, expired, jwt.SigningMethodHS256, []byte("secret")),
		"no subject":   signed(t, noSubject, jwt.SigningMethodHS256, []byte("secret")),
		"wrong method": signed(t, valid, jwt.SigningMethodHS512, []byte("secret")),
		"not a token":  "abc.def.ghi",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := VerifyToken(tok, cfg)
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}

	claims, err := VerifyToken(signed(t, valid, jwt.SigningMethodHS256, []byte("secret")), cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID)
	}
}

func TestVerifyToken_IssuerIgnoredUnlessRequired(t *testing.T) {
	tok, err := CreateToken("user-1", TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "flowise"})
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := VerifyToken(tok, TokenConfig{Secret: "secret", Issuer: "whatsapp-bridge"}); err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
}

func TestVerifyToken_LeewayAcceptsSlightlyExpired(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-5 * time.Second)),
	}
	tok := signed(t, claims, jwt.SigningMethodHS256, []byte("secret"))

	if _, err := VerifyToken(tok, TokenConfig{Secret: "secret"}); err == nil {
		t.Fatalf("expected expired token to be rejected without leeway")
	}
	if _, err := VerifyToken(tok, TokenConfig{Secret: "secret", Leeway: time.Minute}); err != nil {
		t.Fatalf("VerifyToken with leeway: %v", err)
	}
}

func TestCreateToken_RejectsNonPositiveExpiry(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Second, Issuer: "test"}
	if _, err := CreateToken("user-1", cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDefaultTokenConfig(t *testing.T) {
	cfg := DefaultTokenConfig("s", 0)
	if cfg.Expiry != 24*time.Hour {
		t.Fatalf("expected 24h default, got %s", cfg.Expiry)
	}
	if cfg.Issuer != "whatsapp-bridge" {
		t.Fatalf("unexpected issuer %q", cfg.Issuer)
	}
}

func TestAuthorizer(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	mem := store.NewMemory()
	mem.PutUser(model.User{ID: "active", Status: model.UserStatusActive})
	mem.PutUser(model.User{ID: "disabled", Status: model.UserStatusDisabled})
	a := NewAuthorizer(cfg, mem.Users())

	tests := []struct {
		user    string
		wantErr error
	}{
		{user: "active"},
		{user: "disabled", wantErr: ErrUserDisabled},
		{user: "ghost", wantErr: ErrUnknownUser},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			tok, err := CreateToken(tt.user, cfg)
			if err != nil {
				t.Fatalf("CreateToken: %v", err)
			}
			u, err := a.Authorize(context.Background(), tok)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize: %v", err)
			}
			if u.ID != tt.user {
				t.Fatalf("expected %q, got %q", tt.user, u.ID)
			}
		})
	}
}

func TestAuthorizer_WithoutUserStoreTrustsSubject(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	tok, err := CreateToken("user-9", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	u, err := NewAuthorizer(cfg, nil).Authorize(context.Background(), tok)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if u.ID != "user-9" {
		t.Fatalf("expected user-9, got %q", u.ID)
	}
}

func TestAuthorizer_RejectsGarbage(t *testing.T) {
	a := NewAuthorizer(TokenConfig{Secret: "secret", Expiry: time.Hour}, nil)
	if _, err := a.Authorize(context.Background(), "not-a-token"); err == nil {
		t.Fatalf("expected error")
	}
}
