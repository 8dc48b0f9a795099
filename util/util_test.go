package util

import (
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	if version == "" {
		t.Error("GetVersion returned empty string")
	}
	if strings.ContainsAny(version, "\n ") {
		t.Errorf("GetVersion should be trimmed, got %q", version)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent("local.example")
	if !strings.HasPrefix(ua, "stegofed/") {
		t.Errorf("Expected user agent to start with stegofed/, got %s", ua)
	}
	if !strings.Contains(ua, "https://local.example") {
		t.Errorf("Expected user agent to contain domain, got %s", ua)
	}
}

func TestPrettyPrint(t *testing.T) {
	out := PrettyPrint(map[string]int{"a": 1})
	if !strings.Contains(out, "\"a\": 1") {
		t.Errorf("Unexpected output: %s", out)
	}
}

func TestIsURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com", true},
		{"http://example.com/path?q=1", true},
		{"  https://example.com  ", true},
		{"ftp://example.com", false},
		{"example.com", false},
		{"https://exa mple.com", false},
	}
	for _, tt := range tests {
		if got := IsURL(tt.in); got != tt.want {
			t.Errorf("IsURL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Expected unchanged string, got %q", got)
	}
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Errorf("Expected 'hello...', got %q", got)
	}
	if got := Truncate("äöü", 2); got != "äö" {
		t.Errorf("Expected rune-safe cut, got %q", got)
	}
}

func TestRenderMarkdown(t *testing.T) {
	out, err := RenderMarkdown("# Title\n\nSome **bold** text")
	if err != nil {
		t.Fatalf("RenderMarkdown failed: %v", err)
	}
	if !strings.Contains(out, "<h1>Title</h1>") {
		t.Errorf("Expected heading, got %s", out)
	}
	if !strings.Contains(out, "<strong>bold</strong>") {
		t.Errorf("Expected bold, got %s", out)
	}
}

func TestRenderMarkdown_EscapesRawHTML(t *testing.T) {
	out, err := RenderMarkdown("<script>alert(1)</script>")
	if err != nil {
		t.Fatalf("RenderMarkdown failed: %v", err)
	}
	if strings.Contains(out, "<script>") {
		t.Errorf("Raw HTML should not pass through, got %s", out)
	}
}
