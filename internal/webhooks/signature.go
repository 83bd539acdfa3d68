// Package webhooks implements webhook signature schemes, inbound event
// processing and outbound delivery with retries.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds how old a signed timestamp may be before the
// request is rejected as a replay.
const DefaultTolerance = 5 * time.Minute

func hmacSHA256(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignHMACHex returns the lowercase hex HMAC-SHA256 of payload.
func SignHMACHex(payload []byte, secret string) string {
	return hex.EncodeToString(hmacSHA256(payload, secret))
}

// SignHMACBase64 returns the standard-base64 HMAC-SHA256 of payload.
func SignHMACBase64(payload []byte, secret string) string {
	return base64.StdEncoding.EncodeToString(hmacSHA256(payload, secret))
}

// VerifyHMACHex checks a hex signature in constant time. An optional
// "sha256=" prefix on the signature is accepted.
func VerifyHMACHex(payload []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, hmacSHA256(payload, secret))
}

// VerifyHMACBase64 checks a base64 signature in constant time.
func VerifyHMACBase64(payload []byte, signature, secret string) bool {
	want, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(want, hmacSHA256(payload, secret))
}

// SlackSignature computes Slack's v0 scheme: the HMAC of
// "v0:<timestamp>:<body>", prefixed with "v0=".
func SlackSignature(timestamp string, payload []byte, secret string) string {
	base := fmt.Sprintf("v0:%s:%s", timestamp, payload)
	return "v0=" + SignHMACHex([]byte(base), secret)
}

// VerifySlackSignature checks Slack's v0 scheme including timestamp
// staleness: requests older than tolerance (or from the future beyond
// it) are rejected regardless of the MAC.
func VerifySlackSignature(timestamp string, payload []byte, signature, secret string, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return false
	}
	want := SlackSignature(timestamp, payload, secret)
	return hmac.Equal([]byte(want), []byte(strings.TrimSpace(signature)))
}

// StripeSignatureHeader is the parsed form of a Stripe-Signature header:
// a timestamp and one or more v1 signatures.
type StripeSignatureHeader struct {
	Timestamp int64
	V1        []string
}

// ParseStripeSignatureHeader splits "t=...,v1=...,v1=..." pairs. Unknown
// schemes are ignored; a missing timestamp or missing v1 entries is an
// error.
func ParseStripeSignatureHeader(header string) (StripeSignatureHeader, error) {
	var out StripeSignatureHeader
	sawTimestamp := false
	for _, pair := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return StripeSignatureHeader{}, fmt.Errorf("invalid timestamp %q", value)
			}
			out.Timestamp = ts
			sawTimestamp = true
		case "v1":
			out.V1 = append(out.V1, value)
		}
	}
	if !sawTimestamp {
		return StripeSignatureHeader{}, fmt.Errorf("signature header has no timestamp")
	}
	if len(out.V1) == 0 {
		return StripeSignatureHeader{}, fmt.Errorf("signature header has no v1 signature")
	}
	return out, nil
}

// VerifyStripeSignature checks Stripe's scheme: the hex HMAC of
// "<timestamp>.<body>" must match at least one v1 entry and the
// timestamp must be within tolerance of now.
func VerifyStripeSignature(header string, payload []byte, secret string, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	parsed, err := ParseStripeSignatureHeader(header)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(parsed.Timestamp, 0))
	if age > tolerance || age < -tolerance {
		return false
	}
	signedPayload := fmt.Sprintf("%d.%s", parsed.Timestamp, payload)
	want := hmacSHA256([]byte(signedPayload), secret)
	for _, candidate := range parsed.V1 {
		got, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(want, got) {
			return true
		}
	}
	return false
}
