package auth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"stokbro/internal/metrics"
)

func TestVerifier_Verify(t *testing.T) {
	secret := []byte("test-secret")
	m := metrics.New()
	future := strconv.FormatInt(time.Now().Add(1*time.Hour).Unix(), 10)
	past := strconv.FormatInt(time.Now().Add(-1*time.Hour).Unix(), 10)

	tests := []struct {
		name           string
		enforceSigning bool
		userID         string
		expiryStr      string
		signature      string
		wantErr        bool
		errContains    string
	}{
		{
			name:      "valid signature without expiry",
			userID:    "user-1",
			signature: Sign(secret, "user-1", ""),
		},
		{
			name:      "valid signature with future expiry",
			userID:    "user-1",
			expiryStr: future,
			signature: Sign(secret, "user-1", future),
		},
		{
			name:        "expired session",
			userID:      "user-1",
			expiryStr:   past,
			wantErr:     true,
			errContains: "expired",
		},
		{
			name:        "invalid expiry format",
			userID:      "user-1",
			expiryStr:   "not-a-number",
			wantErr:     true,
			errContains: "invalid expiry",
		},
		{
			name:           "enforce signing without signature",
			enforceSigning: true,
			userID:         "user-1",
			wantErr:        true,
			errContains:    "signature required",
		},
		{
			name:           "invalid signature",
			enforceSigning: true,
			userID:         "user-1",
			signature:      "invalid-signature",
			wantErr:        true,
			errContains:    "invalid signature",
		},
		{
			name:        "signature for another user",
			userID:      "user-2",
			signature:   Sign(secret, "user-1", ""),
			wantErr:     true,
			errContains: "invalid signature",
		},
		{
			name:   "no enforcement, no signature - allowed",
			userID: "user-1",
		},
		{
			name:        "missing user",
			userID:      "  ",
			wantErr:     true,
			errContains: "session required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(secret, tt.enforceSigning, m)

			s, err := v.Verify(tt.userID, tt.expiryStr, tt.signature)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Verify() error = nil, wantErr %v", tt.wantErr)
					return
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("Verify() error = %v, want error containing %v", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Errorf("Verify() unexpected error = %v", err)
			}
			if s.UserID != strings.TrimSpace(tt.userID) {
				t.Errorf("Verify() session user = %q, want %q", s.UserID, tt.userID)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier([]byte("s"), false, metrics.New())
	var seen string
	h := v.Middleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := FromContext(r.Context())
		if !ok {
			t.Error("session missing from context")
		}
		seen = s.UserID
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("with session", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/quota", nil)
		req.Header.Set(HeaderUserID, "user-9")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusNoContent)
		}
		if seen != "user-9" {
			t.Errorf("session user = %q, want user-9", seen)
		}
	})

	t.Run("without session", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/quota", nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
		}
	})
}
