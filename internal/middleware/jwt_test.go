package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const testSecret = "test-secret"

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTAuth(testSecret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(UserIDKey))
	})
	return router
}

func TestJWTAuth(t *testing.T) {
	valid, err := IssueToken(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	expired, _ := IssueToken(testSecret, "alice", -time.Minute)
	foreign, _ := IssueToken("other-secret", "alice", time.Hour)

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{"bearer header", "Bearer " + valid, "", http.StatusOK, "alice"},
		{"query token", "", valid, http.StatusOK, "alice"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Token " + valid, "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + foreign, "", http.StatusUnauthorized, ""},
		{"garbage", "Bearer not-a-jwt", "", http.StatusUnauthorized, ""},
	}

	router := newAuthRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/me"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.body)
			}
		})
	}
}

func TestParseTokenRejectsEmptyUser(t *testing.T) {
	token, _ := IssueToken(testSecret, "", time.Hour)
	if _, err := ParseToken(testSecret, token); err == nil {
		t.Error("expected token without a user to be rejected")
	}
}
