package dax

import (
	"errors"
	"testing"
)

func TestSanitizeStripsMarkdownFence(t *testing.T) {
	got, err := Sanitize("```dax\nEVALUATE TOPN(1, Sales)\n```")
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if got != "EVALUATE TOPN(1, Sales)" {
		t.Fatalf("Sanitize() = %q", got)
	}
}

func TestSanitizeStripsBareFenceAndTags(t *testing.T) {
	got, err := Sanitize("```\n<oii>EVALUATE   Sales</oii>\n```")
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if got != "EVALUATE Sales" {
		t.Fatalf("Sanitize() = %q", got)
	}
}

func TestSanitizePreservesLineBreaks(t *testing.T) {
	got, err := Sanitize("DEFINE\n  MEASURE   Sales[T] = SUM(Sales[Amount])\nEVALUATE ROW(\"t\", [T])")
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	want := "DEFINE\nMEASURE Sales[T] = SUM(Sales[Amount])\nEVALUATE ROW(\"t\", [T])"
	if got != want {
		t.Fatalf("Sanitize() = %q, want %q", got, want)
	}
}

func TestSanitizeAcceptsDMVSelect(t *testing.T) {
	got, err := Sanitize("  SELECT [Name] FROM $SYSTEM.TMSCHEMA_TABLES ")
	if err != nil {
		t.Fatalf("Sanitize() error = %v", err)
	}
	if got != "SELECT [Name] FROM $SYSTEM.TMSCHEMA_TABLES" {
		t.Fatalf("Sanitize() = %q", got)
	}
}

func TestSanitizeRejectsEmpty(t *testing.T) {
	cases := []string{"", "   ", "``` ```", "<b></b>"}
	for _, raw := range cases {
		if _, err := Sanitize(raw); err == nil {
			t.Fatalf("Sanitize(%q) expected error", raw)
		}
	}
}

func TestSanitizeRejectsNonQueryText(t *testing.T) {
	_, err := Sanitize("Here is your query: please run it")
	var invalid *InvalidQueryError
	if !errors.As(err, &invalid) {
		t.Fatalf("Sanitize() error = %v, want InvalidQueryError", err)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"```dax\nEVALUATE TOPN(10, 'Sales')\n```",
		"EVALUATE\n  SUMMARIZE(Sales, Product[Category])",
		"var x = 1 return x",
	}
	for _, raw := range inputs {
		once, err := Sanitize(raw)
		if err != nil {
			t.Fatalf("Sanitize(%q) error = %v", raw, err)
		}
		twice, err := Sanitize(once)
		if err != nil {
			t.Fatalf("re-Sanitize(%q) error = %v", once, err)
		}
		if once != twice {
			t.Fatalf("Sanitize not idempotent: %q != %q", once, twice)
		}
	}
}
