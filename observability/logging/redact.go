package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secret attribute values in every record.
const RedactedValue = "[REDACTED]"

// secretKeys are attribute keys whose values never reach the log sink: API
// credentials, the mint authority keypair and datastore credentials.
var secretKeys = map[string]struct{}{
	"api_key":          {},
	"x-api-key":        {},
	"authority_secret": {},
	"secret_key":       {},
	"private_key":      {},
	"password":         {},
	"redis_password":   {},
	"dsn":              {},
}

// fingerprintKeys are shortened with KeyFingerprint instead of being dropped.
var fingerprintKeys = map[string]struct{}{
	"idempotency_key": {},
	"key":             {},
}

func normaliseKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsSecret reports whether values logged under key are redacted.
func IsSecret(key string) bool {
	_, ok := secretKeys[normaliseKey(key)]
	return ok
}

// redactAttr masks secret attributes. Empty values pass through so a missing
// credential stays visible as such.
func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString {
		return attr
	}
	value := attr.Value.String()
	if strings.TrimSpace(value) == "" {
		return attr
	}
	if IsSecret(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	if _, ok := fingerprintKeys[normaliseKey(attr.Key)]; ok && !strings.HasSuffix(value, "…") && value != RedactedValue {
		return slog.String(attr.Key, KeyFingerprint(value))
	}
	return attr
}

// KeyFingerprint keeps a short prefix of an idempotency key so operators can
// correlate retries without the full value reaching the log sink.
func KeyFingerprint(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return trimmed
	}
	if len(trimmed) <= 4 {
		return RedactedValue
	}
	return trimmed[:4] + "…"
}
