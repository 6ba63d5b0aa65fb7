package topup

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds the age of a signed webhook.
const DefaultTolerance = 5 * time.Minute

// Verifier checks payment webhook signatures.
//
// The header has the form "t=<unix seconds>,v1=<hex hmac>" where the HMAC is
// SHA-256 over "<t>.<raw body>" keyed with the shared webhook secret. Several
// v1 entries may be present while secrets are rotated.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier for secret.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify returns nil if header carries a valid, fresh signature of payload.
// All failures wrap ErrUnauthorized.
func (v *Verifier) Verify(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", ErrUnauthorized)
	}
	if header == "" {
		return fmt.Errorf("%w: missing signature", ErrUnauthorized)
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed signature header", ErrUnauthorized)
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid signature timestamp", ErrUnauthorized)
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age > v.tolerance || age < -v.tolerance {
		return fmt.Errorf("%w: signature timestamp outside tolerance", ErrUnauthorized)
	}

	expected := v.mac(timestamp, payload)
	for _, sig := range signatures {
		given, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(given, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
}

// Sign returns the signature header for payload at ts.
func (v *Verifier) Sign(payload []byte, ts time.Time) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(v.mac(timestamp, payload))
}

func (v *Verifier) mac(timestamp string, payload []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return h.Sum(nil)
}
