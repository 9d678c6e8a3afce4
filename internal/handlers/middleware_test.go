package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBasicAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("success"))
	})

	tests := []struct {
		name       string
		username   string
		password   string
		user, pass string
		setAuth    bool
		wantStatus int
	}{
		{name: "valid credentials", username: "admin", password: "secret", user: "admin", pass: "secret", setAuth: true, wantStatus: http.StatusOK},
		{name: "invalid username", username: "admin", password: "secret", user: "wrong", pass: "secret", setAuth: true, wantStatus: http.StatusUnauthorized},
		{name: "invalid password", username: "admin", password: "secret", user: "admin", pass: "wrong", setAuth: true, wantStatus: http.StatusUnauthorized},
		{name: "no credentials", username: "admin", password: "secret", wantStatus: http.StatusUnauthorized},
		{name: "disabled when unconfigured", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := BasicAuth("metrics", tt.username, tt.password)(ok)

			req := httptest.NewRequest("GET", "/metrics", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, `Basic realm="metrics"`, w.Header().Get("WWW-Authenticate"))
			} else {
				assert.Equal(t, "success", w.Body.String())
			}
		})
	}
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := RequestIDMiddleware(AccessLog(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest("GET", "/api/quota", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "abc-123", fields["request_id"])
		assert.Equal(t, "/api/quota", fields["path"])
		assert.EqualValues(t, http.StatusTeapot, fields["status"])
	}
}
