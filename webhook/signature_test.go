package webhook

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestVerifySignature_RoundTrip(t *testing.T) {
	secret := []byte("whsec_test")
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), ComputeSignature(secret, now, payload))
	if err := VerifySignature(secret, header, payload, now, 5*time.Minute, 30*time.Second); err != nil {
		t.Fatalf("Expected valid signature, got %v", err)
	}
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	secret := []byte("whsec_test")
	now := time.Now()

	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), ComputeSignature(secret, now, []byte(`{"id":"evt_1"}`)))
	err := VerifySignature(secret, header, []byte(`{"id":"evt_2"}`), now, 5*time.Minute, 30*time.Second)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), ComputeSignature([]byte("whsec_other"), now, payload))
	err := VerifySignature([]byte("whsec_test"), header, payload, now, 5*time.Minute, 30*time.Second)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifySignature_MissingHeader(t *testing.T) {
	err := VerifySignature([]byte("whsec_test"), "", []byte(`{}`), time.Now(), 5*time.Minute, 30*time.Second)
	if !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("Expected ErrMissingSignature, got %v", err)
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	secret := []byte("whsec_test")
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	signedAt := now.Add(-10 * time.Minute)

	header := fmt.Sprintf("t=%d,v1=%s", signedAt.Unix(), ComputeSignature(secret, signedAt, payload))
	err := VerifySignature(secret, header, payload, now, 5*time.Minute, 30*time.Second)
	if !errors.Is(err, ErrEventTooOld) {
		t.Fatalf("Expected ErrEventTooOld, got %v", err)
	}
}

func TestVerifySignature_FutureTimestamp(t *testing.T) {
	secret := []byte("whsec_test")
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	signedAt := now.Add(2 * time.Minute)

	header := fmt.Sprintf("t=%d,v1=%s", signedAt.Unix(), ComputeSignature(secret, signedAt, payload))
	err := VerifySignature(secret, header, payload, now, 5*time.Minute, 30*time.Second)
	if !errors.Is(err, ErrEventFromFuture) {
		t.Fatalf("Expected ErrEventFromFuture, got %v", err)
	}
}

func TestVerifySignature_SecondRotatedSignatureAccepted(t *testing.T) {
	secret := []byte("whsec_new")
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	stale := ComputeSignature([]byte("whsec_old"), now, payload)
	fresh := ComputeSignature(secret, now, payload)
	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", now.Unix(), stale, fresh)
	if err := VerifySignature(secret, header, payload, now, 5*time.Minute, 30*time.Second); err != nil {
		t.Fatalf("Expected rotation header to verify, got %v", err)
	}
}

func TestParseSignatureHeader_Garbage(t *testing.T) {
	if _, err := parseSignatureHeader("not-a-header"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature, got %v", err)
	}
	if _, err := parseSignatureHeader("t=abc,v1=deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature for bad timestamp, got %v", err)
	}
	if _, err := parseSignatureHeader("v1=deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Expected ErrInvalidSignature for missing timestamp, got %v", err)
	}
}
