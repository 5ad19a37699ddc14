package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the provider's timestamped HMAC over the raw body:
// "t=<unix seconds>,v1=<hex hmac-sha256 of "<t>.<body>">". Multiple v1
// entries may appear during secret rotation.
const SignatureHeader = "X-Marketplace-Signature"

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrInvalidSignature = errors.New("signature verification failed")
	ErrEventTooOld      = errors.New("event timestamp outside replay window")
	ErrEventFromFuture  = errors.New("event timestamp beyond clock-skew tolerance")
)

// ComputeSignature produces the v1 signature for a payload at a timestamp.
// Exposed for tests and for the provider simulator.
func ComputeSignature(secret []byte, t time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", t.Unix())
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type parsedSignature struct {
	timestamp  time.Time
	signatures []string
}

func parseSignatureHeader(header string) (parsedSignature, error) {
	if header == "" {
		return parsedSignature{}, ErrMissingSignature
	}

	var parsed parsedSignature
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return parsedSignature{}, ErrInvalidSignature
		}
		switch key {
		case "t":
			unix, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return parsedSignature{}, ErrInvalidSignature
			}
			parsed.timestamp = time.Unix(unix, 0)
		case "v1":
			parsed.signatures = append(parsed.signatures, value)
		}
	}

	if parsed.timestamp.IsZero() || len(parsed.signatures) == 0 {
		return parsedSignature{}, ErrInvalidSignature
	}
	return parsed, nil
}

// VerifySignature authenticates the payload and enforces the replay window
// on the signed timestamp: events older than maxAge or more than skew in the
// future are rejected even with a valid signature. Comparison is
// constant-time.
func VerifySignature(secret []byte, header string, payload []byte, now time.Time, maxAge, skew time.Duration) error {
	parsed, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	expected := ComputeSignature(secret, parsed.timestamp, payload)
	valid := false
	for _, sig := range parsed.signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			valid = true
		}
	}
	if !valid {
		return ErrInvalidSignature
	}

	if now.Sub(parsed.timestamp) > maxAge {
		return ErrEventTooOld
	}
	if parsed.timestamp.Sub(now) > skew {
		return ErrEventFromFuture
	}
	return nil
}
