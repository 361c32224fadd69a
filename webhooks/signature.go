package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	HeaderEvent       = "x-edulure-event"
	HeaderDelivery    = "x-edulure-delivery"
	HeaderCorrelation = "x-edulure-correlation"
	HeaderSentAt      = "x-edulure-sent-at"
	HeaderAttempt     = "x-edulure-attempt"
	HeaderSignature   = "x-edulure-signature"
)

// SentAtLayout formats the x-edulure-sent-at header and the signed timestamp.
const SentAtLayout = "2006-01-02T15:04:05.000Z07:00"

// Sign returns hex(HMAC-SHA256(secret, timestamp.deliveryUUID.body)).
func Sign(secret string, timestamp string, deliveryUUID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(deliveryUUID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureVerifier checks deliveries on the receiving side.
type SignatureVerifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v SignatureVerifier) Verify(_ context.Context, headers http.Header, body []byte) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := strings.TrimSpace(headers.Get(HeaderSignature))
	if signature == "" {
		return fmt.Errorf("webhooks: %s header is required", HeaderSignature)
	}
	timestamp := strings.TrimSpace(headers.Get(HeaderSentAt))
	deliveryUUID := strings.TrimSpace(headers.Get(HeaderDelivery))
	if timestamp == "" || deliveryUUID == "" {
		return fmt.Errorf("webhooks: %s and %s headers are required", HeaderSentAt, HeaderDelivery)
	}

	if v.Tolerance > 0 {
		sentAt, err := time.Parse(time.RFC3339Nano, timestamp)
		if err != nil {
			return fmt.Errorf("webhooks: invalid %s header: %w", HeaderSentAt, err)
		}
		now := time.Now().UTC()
		if v.Now != nil {
			now = v.Now()
		}
		skew := now.Sub(sentAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.Tolerance {
			return fmt.Errorf("webhooks: signature timestamp outside tolerance")
		}
	}

	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("webhooks: decode hex signature: %w", err)
	}
	expected, _ := hex.DecodeString(Sign(secret, timestamp, deliveryUUID, body))
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}
