package engineapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, secret []byte) *Server {
	t.Helper()
	return NewServer(nil, secret, zap.NewNop())
}

func signedRequest(t *testing.T, secret []byte, iat time.Time) *http.Request {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": iat.Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	return req
}

func TestCheckJWTAcceptsFreshToken(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	s := newTestServer(t, secret)
	req := signedRequest(t, secret, time.Now())
	if err := s.checkJWT(req); err != nil {
		t.Fatalf("expected fresh token to be accepted, got %v", err)
	}
}

func TestCheckJWTRejectsMissingBearer(t *testing.T) {
	s := newTestServer(t, []byte("secret-32-bytes-padding-padding!"))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if err := s.checkJWT(req); err != errMissingBearer {
		t.Fatalf("expected errMissingBearer, got %v", err)
	}
}

func TestCheckJWTRejectsStaleToken(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	s := newTestServer(t, secret)
	req := signedRequest(t, secret, time.Now().Add(-5*time.Minute))
	if err := s.checkJWT(req); err != errTokenExpired {
		t.Fatalf("expected errTokenExpired, got %v", err)
	}
}

func TestCheckJWTRejectsWrongSecret(t *testing.T) {
	signingSecret := []byte("0123456789abcdef0123456789abcdef")
	s := newTestServer(t, []byte("fedcba9876543210fedcba9876543210"))
	req := signedRequest(t, signingSecret, time.Now())
	if err := s.checkJWT(req); err != errInvalidToken {
		t.Fatalf("expected errInvalidToken, got %v", err)
	}
}
