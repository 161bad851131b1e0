package redact

import (
	"strings"
	"testing"
)

func TestStringMasksCommonPatterns(t *testing.T) {
	input := "query for ana@example.com failed, call +55 11 99999-0000, card 4111 1111 1111 1234, auth Bearer abc.def-ghi"
	masked := String(input)

	for _, leaked := range []string{"ana@example.com", "99999-0000", "4111 1111", "abc.def-ghi"} {
		if strings.Contains(masked, leaked) {
			t.Fatalf("expected %q to be masked, got %q", leaked, masked)
		}
	}
	if !strings.Contains(masked, "**** **** **** 1234") {
		t.Fatalf("expected card suffix to survive, got %q", masked)
	}
}

func TestStringLeavesPlainErrorsAlone(t *testing.T) {
	for _, input := range []string{"DB timeout", "generation timed out: context deadline exceeded", "month 2024-01-31 10:00:00 missing"} {
		if got := String(input); got != input {
			t.Fatalf("String(%q) = %q", input, got)
		}
	}
}

func TestValueMasksNestedStrings(t *testing.T) {
	masked := Value(map[string]any{
		"owner":  "ana@example.com",
		"emails": []any{"bob@example.com", 42},
	}).(map[string]any)

	if masked["owner"] != "[email_redacted]" {
		t.Fatalf("unexpected owner %v", masked["owner"])
	}
	list := masked["emails"].([]any)
	if list[0] != "[email_redacted]" || list[1] != 42 {
		t.Fatalf("unexpected list %v", list)
	}
}
