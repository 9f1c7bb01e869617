package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	if got := Redact(input); got != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", got)
	}
}

func TestRedact_SecretAssignments(t *testing.T) {
	for _, input := range []string{
		`STOWAGE_SIGNING_KEY=0123456789abcdef`,
		`auth_token: "s3cr3t-t0ken-value"`,
		`api_key=abcdef1234567890abcdef`,
	} {
		got := Redact(input)
		if got == input || !strings.Contains(got, redactedPlaceholder) {
			t.Fatalf("expected redaction of %q, got %q", input, got)
		}
	}
}

func TestRedact_SignedURLInError(t *testing.T) {
	input := `get content: Get "http://127.0.0.1:9000/stowage/f1/content/a.pdf?expires=1700000000&signature=9f86d081884c7d65": connection refused`
	got := Redact(input)
	if strings.Contains(got, "9f86d081884c7d65") {
		t.Fatalf("signature leaked: %q", got)
	}
	if !strings.Contains(got, "expires=1700000000&signature=[REDACTED]") || !strings.HasSuffix(got, `": connection refused`) {
		t.Fatalf("unexpected redaction %q", got)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "task claimed"
	if got := Redact(input); got != input {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("http://127.0.0.1:9000/stowage/f1/content/a.pdf?expires=17&signature=abc")
	if strings.Contains(got, "abc") || !strings.Contains(got, "expires=17") {
		t.Fatalf("RedactURL = %q", got)
	}
	plain := "http://127.0.0.1:9000/stowage/f1/content/a.pdf?expires=17"
	if got := RedactURL(plain); got != plain {
		t.Fatalf("RedactURL changed a url without secrets: %q", got)
	}
	if got := RedactURL("/ws?folder=f1&token=tok123"); strings.Contains(got, "tok123") {
		t.Fatalf("gateway token leaked: %q", got)
	}
}

func TestRedactEnv(t *testing.T) {
	got := RedactEnv(map[string]string{"STORAGE_SECRET": "x", "LOG_LEVEL": "debug", "OCR_API_KEY": "k"})
	if got["STORAGE_SECRET"] != redactedPlaceholder || got["OCR_API_KEY"] != redactedPlaceholder {
		t.Fatalf("secrets not masked: %v", got)
	}
	if got["LOG_LEVEL"] != "debug" {
		t.Fatalf("plain value changed: %v", got)
	}
	if RedactEnv(nil) != nil {
		t.Fatal("nil env should stay nil")
	}
}
