package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"stokbro/internal/metrics"
	"stokbro/internal/models"
)

// Header names carrying the session
const (
	HeaderUserID    = "X-User-ID"
	HeaderExpires   = "X-Session-Expires"
	HeaderSignature = "X-Session-Signature"
)

// ErrNoSession is returned when the request carries no user id
var ErrNoSession = errors.New("session required")

// Verifier checks session signatures issued by the fronting auth service
type Verifier struct {
	secret         []byte
	enforceSigning bool
	metrics        *metrics.Metrics
	now            func() time.Time
}

// NewVerifier creates a new session verifier
func NewVerifier(secret []byte, enforceSigning bool, m *metrics.Metrics) *Verifier {
	return &Verifier{
		secret:         secret,
		enforceSigning: enforceSigning,
		metrics:        m,
		now:            time.Now,
	}
}

// Verify checks the signature and expiry of a session and returns it.
// Unsigned sessions are accepted unless signing is enforced.
func (v *Verifier) Verify(userID, expiryStr, signature string) (models.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Session{}, ErrNoSession
	}
	hasExpiry := expiryStr != ""

	if hasExpiry {
		expiry, err := strconv.ParseInt(expiryStr, 10, 64)
		if err != nil {
			return models.Session{}, fmt.Errorf("invalid expiry: %w", err)
		}
		if v.now().Unix() > expiry {
			v.metrics.SignatureFailuresTotal.Inc()
			return models.Session{}, fmt.Errorf("session has expired")
		}
	}

	if v.enforceSigning || signature != "" {
		if signature == "" {
			v.metrics.SignatureFailuresTotal.Inc()
			return models.Session{}, fmt.Errorf("signature required")
		}

		expected := Sign(v.secret, userID, expiryStr)
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			v.metrics.SignatureFailuresTotal.Inc()
			return models.Session{}, fmt.Errorf("invalid signature")
		}
	}

	return models.Session{UserID: userID}, nil
}

// Sign returns the hex HMAC-SHA256 of "userID" or "userID|expiry"
func Sign(secret []byte, userID, expiryStr string) string {
	payload := userID
	if expiryStr != "" {
		payload += "|" + expiryStr
	}
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
