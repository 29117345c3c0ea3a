package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderReplicate = "replicate"
	ProviderFal       = "fal"

	// DefaultTolerance bounds how old a signed callback may be
	DefaultTolerance = 5 * time.Minute

	secretPrefix = "whsec_"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
	ErrMalformed        = errors.New("malformed webhook payload")
	ErrUnknownProvider  = errors.New("unknown webhook provider")
)

// Callback is the part of a provider completion callback we act on. The
// status is informational only; the task is refreshed from the provider.
type Callback struct {
	Provider     string
	PredictionID string
	Status       string
}

// Verifier authenticates inbound provider callbacks
type Verifier struct {
	secret    []byte
	token     string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. secret is the Replicate signing secret
// ("whsec_" followed by base64); token is the shared value embedded in the
// fal callback URL.
func NewVerifier(secret, token string) (*Verifier, error) {
	v := &Verifier{token: token, tolerance: DefaultTolerance, now: time.Now}

	if secret != "" {
		key, err := decodeSecret(secret)
		if err != nil {
			return nil, err
		}
		v.secret = key
	}

	return v, nil
}

// WithClock replaces the verifier clock
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks the request against the scheme the provider signs with
func (v *Verifier) Verify(provider string, header http.Header, token string, body []byte) error {
	switch provider {
	case ProviderReplicate:
		return v.verifyReplicate(header, body)
	case ProviderFal:
		return v.verifyToken(token)
	default:
		return ErrUnknownProvider
	}
}

func (v *Verifier) verifyReplicate(header http.Header, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no signing secret configured", ErrInvalidSignature)
	}

	id := header.Get("webhook-id")
	ts := header.Get("webhook-timestamp")
	sigs := header.Get("webhook-signature")
	if id == "" || ts == "" || sigs == "" {
		return fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}

	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	sent := time.Unix(seconds, 0)
	if skew := v.now().Sub(sent); skew > v.tolerance || skew < -v.tolerance {
		return ErrStaleTimestamp
	}

	expected := sign(v.secret, id, seconds, body)
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}

	return ErrInvalidSignature
}

func (v *Verifier) verifyToken(token string) error {
	if v.token == "" {
		return fmt.Errorf("%w: no callback token configured", ErrInvalidSignature)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.token)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the webhook-signature header value Replicate would send for
// body, signed with secret at timestamp ts.
func Sign(secret, id string, ts time.Time, body []byte) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return "v1," + sign(key, id, ts.Unix(), body), nil
}

// sign computes base64(HMAC-SHA256(key, "id.timestamp.body"))
func sign(key []byte, id string, ts int64, body []byte) string {
	h := hmac.New(sha256.New, key)
	fmt.Fprintf(h, "%s.%d.", id, ts)
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func decodeSecret(secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode webhook secret: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("webhook secret is empty")
	}
	return key, nil
}

type replicatePayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type falPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// Parse extracts the prediction a callback refers to
func Parse(provider string, body []byte) (*Callback, error) {
	cb := &Callback{Provider: provider}

	switch provider {
	case ProviderReplicate:
		var p replicatePayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		cb.PredictionID, cb.Status = p.ID, p.Status
	case ProviderFal:
		var p falPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		cb.PredictionID, cb.Status = p.RequestID, p.Status
	default:
		return nil, ErrUnknownProvider
	}

	if cb.PredictionID == "" {
		return nil, fmt.Errorf("%w: missing prediction id", ErrMalformed)
	}

	return cb, nil
}

// CallbackURL builds the public callback address for a provider, or "" when
// no public base URL is configured.
func CallbackURL(base, provider, token string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}

	u := base + "/webhooks/" + provider
	if token != "" {
		u += "?" + url.Values{"token": {token}}.Encode()
	}
	return u
}
