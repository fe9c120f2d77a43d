package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupRedactsSensitiveFields(t *testing.T) {
	file := filepath.Join(t.TempDir(), "merchantd.log")
	logger := Setup("merchantd", "test", file)

	logger.Info("instance token rotated",
		"instance", "default",
		"auth_token", "secret-token:hunter2")

	raw, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(raw)
	if strings.Contains(line, "hunter2") {
		t.Fatalf("secret leaked: %s", line)
	}
	if !strings.Contains(line, RedactedValue) {
		t.Fatalf("no redaction marker: %s", line)
	}
	if !strings.Contains(line, `"instance":"default"`) {
		t.Fatalf("benign field masked: %s", line)
	}
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"auth_token", "Authorization", " passphrase ", "private_key"} {
		if !IsSensitive(key) {
			t.Errorf("%q should be sensitive", key)
		}
	}
	for _, key := range []string{"instance", "order", "err", ""} {
		if IsSensitive(key) {
			t.Errorf("%q should not be sensitive", key)
		}
	}
}

func TestMaskValueKeepsEmpty(t *testing.T) {
	if got := MaskValue(""); got != "" {
		t.Fatalf("empty masked to %q", got)
	}
	if got := MaskValue("tok"); got != RedactedValue {
		t.Fatalf("value not masked: %q", got)
	}
}
