package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder written in place of sensitive values.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are log keys whose values never reach the log stream in
// clear text: bearer credentials, key material and passphrases.
var sensitiveKeys = map[string]struct{}{
	"auth_token":    {},
	"authorization": {},
	"bearer":        {},
	"token":         {},
	"jwt":           {},
	"admin_secret":  {},
	"passphrase":    {},
	"private_key":   {},
	"reserve_priv":  {},
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue returns the redaction placeholder for non-empty values. Empty
// values pass through so absent fields stay recognisable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// redactAttr runs inside the JSON handler's ReplaceAttr hook so every log
// site is masked the same way, whatever package it lives in.
func redactAttr(attr slog.Attr) slog.Attr {
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}
