package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func authRouter(t *testing.T, username, password string) *gin.Engine {
	t.Helper()
	t.Setenv("AUTH_USERNAME", username)
	t.Setenv("AUTH_PASSWORD", password)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", BasicAuth(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestBasicAuth(t *testing.T) {
	r := authRouter(t, "admin", "secret")

	tests := []struct {
		name       string
		user, pass string
		noAuth     bool
		wantStatus int
	}{
		{"valid credentials", "admin", "secret", false, http.StatusOK},
		{"wrong password", "admin", "nope", false, http.StatusUnauthorized},
		{"wrong username", "root", "secret", false, http.StatusUnauthorized},
		{"missing header", "", "", true, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if !tt.noAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate challenge")
			}
		})
	}
}

func TestBasicAuthSkippedWhenUnconfigured(t *testing.T) {
	r := authRouter(t, "", "")

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth is unconfigured", w.Code)
	}
}

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E", true},
		{"0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e", true},
		{"  0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E  ", true},
		{"0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982", false},
		{"4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E", false},
		{"0xZZZb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValidEthAddress(tt.addr); got != tt.want {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
