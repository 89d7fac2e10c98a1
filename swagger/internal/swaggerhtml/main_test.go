package main

import (
	"strings"
	"testing"
)

func TestRenderEmbedsCompactSpec(t *testing.T) {
	out, err := render([]byte("{\n  \"swagger\": \"2.0\"\n}\n"), "Lucid <API>")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	page := string(out)
	if !strings.Contains(page, `const spec = {"swagger":"2.0"};`) {
		t.Fatalf("compacted spec missing from page")
	}
	if !strings.Contains(page, "<title>Lucid &lt;API&gt;</title>") {
		t.Fatalf("title not escaped")
	}
}

func TestRenderRejectsInvalidJSON(t *testing.T) {
	if _, err := render([]byte("{"), "x"); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}
