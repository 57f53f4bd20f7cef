package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatrelay/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var mentor = protocol.Identity{Role: protocol.RoleMentor, ID: 42}

func TestGenerateIdentityToken(t *testing.T) {
	tests := []struct {
		name    string
		id      protocol.Identity
		secret  string
		ttl     time.Duration
		wantErr bool
	}{
		{"valid token", mentor, "test-secret", 15 * time.Minute, false},
		{"empty secret", mentor, "", 15 * time.Minute, false},
		{"zero ttl", mentor, "test-secret", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := GenerateIdentityToken(tt.id, tt.secret, tt.ttl)
			if (err != nil) != tt.wantErr {
				t.Errorf("GenerateIdentityToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && token == "" {
				t.Error("GenerateIdentityToken() returned empty token")
			}
		})
	}
}

func TestParseIdentityToken(t *testing.T) {
	secret := "test-secret-key"

	token, err := GenerateIdentityToken(mentor, secret, 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateIdentityToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		want    protocol.Identity
		wantErr bool
	}{
		{"valid token", token, secret, mentor, false},
		{"wrong secret", token, "wrong-secret", protocol.Identity{}, true},
		{"invalid token", "invalid.token.here", secret, protocol.Identity{}, true},
		{"empty token", "", secret, protocol.Identity{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseIdentityToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseIdentityToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}
			got, err := claims.Identity()
			if err != nil {
				t.Fatalf("Identity() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Identity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseIdentityToken_Expired(t *testing.T) {
	secret := "test-secret"
	token, err := GenerateIdentityToken(mentor, secret, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateIdentityToken() error = %v", err)
	}

	claims, err := ParseIdentityToken(token, secret)
	if err == nil {
		t.Error("ParseIdentityToken() should return error for expired token")
	}
	if claims != nil {
		t.Error("ParseIdentityToken() should return nil claims for expired token")
	}
}

func TestParseIdentityToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{Role: "user", UserID: 1}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := ParseIdentityToken(s, "secret"); err == nil {
		t.Error("ParseIdentityToken() should reject unsigned tokens")
	}
}

func TestClaims_Identity(t *testing.T) {
	tests := []struct {
		name    string
		claims  Claims
		want    protocol.Identity
		wantErr bool
	}{
		{"role and uid", Claims{Role: "admin", UserID: 3}, protocol.Identity{Role: protocol.RoleAdmin, ID: 3}, false},
		{"subject only", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user:9"}}, protocol.Identity{Role: protocol.RoleUser, ID: 9}, false},
		{"unknown role", Claims{Role: "donor", UserID: 3}, protocol.Identity{}, true},
		{"zero uid", Claims{Role: "user"}, protocol.Identity{}, true},
		{"empty", Claims{}, protocol.Identity{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.claims.Identity()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Identity() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Identity() = %v, want %v", got, tt.want)
			}
		})
	}
}

type stubVerifier struct {
	active bool
	err    error
}

func (v stubVerifier) VerifyIdentity(context.Context, protocol.Identity) (bool, error) {
	return v.active, v.err
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := "mw-secret"
	token, err := GenerateIdentityToken(mentor, secret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateIdentityToken() error = %v", err)
	}

	tests := []struct {
		name     string
		header   string
		verifier stubVerifier
		want     int
	}{
		{"valid", "Bearer " + token, stubVerifier{active: true}, http.StatusOK},
		{"lowercase scheme", "bearer " + token, stubVerifier{active: true}, http.StatusOK},
		{"missing header", "", stubVerifier{active: true}, http.StatusUnauthorized},
		{"bad token", "Bearer nope", stubVerifier{active: true}, http.StatusUnauthorized},
		{"inactive identity", "Bearer " + token, stubVerifier{active: false}, http.StatusUnauthorized},
		{"store down", "Bearer " + token, stubVerifier{err: errors.New("down")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/me", Middleware(secret, tt.verifier), func(c *gin.Context) {
				id, ok := GetIdentity(c)
				if !ok || id != mentor {
					c.Status(http.StatusTeapot)
					return
				}
				c.Status(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
