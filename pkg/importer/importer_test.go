package importer

import (
	"testing"
)

func TestGetParser(t *testing.T) {
	for _, name := range ValidSources() {
		p, err := GetParser(Source(name))
		if err != nil {
			t.Errorf("GetParser(%s) failed: %v", name, err)
			continue
		}
		if string(p.Source()) != name {
			t.Errorf("parser for %s reports source %s", name, p.Source())
		}
	}

	if _, err := GetParser("keepassx"); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestFallbackTitle(t *testing.T) {
	tests := []struct {
		url     string
		counter int
		want    string
	}{
		{"https://www.example.com/login", 1, "example.com"},
		{"http://vault.internal:8443", 1, "vault.internal"},
		{"", 3, "Imported item 3"},
	}
	for _, tt := range tests {
		if got := FallbackTitle(tt.url, tt.counter); got != tt.want {
			t.Errorf("FallbackTitle(%q, %d) = %q, want %q", tt.url, tt.counter, got, tt.want)
		}
	}
}

func TestDecodeHTMLEntities(t *testing.T) {
	got := DecodeHTMLEntities("Tom &amp; Jerry &lt;dev&gt; &quot;prod&quot; it&#39;s")
	want := `Tom & Jerry <dev> "prod" it's`
	if got != want {
		t.Errorf("DecodeHTMLEntities = %q, want %q", got, want)
	}
}

func TestNormalizeValue(t *testing.T) {
	// NFD "é" (e + combining accent) must normalize to the NFC form.
	nfd := "café"
	if got := NormalizeValue("  " + nfd + "  "); got != "café" {
		t.Errorf("NormalizeValue = %q, want café in NFC", got)
	}
}

func TestIsEmptyOrWhitespace(t *testing.T) {
	if !IsEmptyOrWhitespace(" \t\n") {
		t.Error("whitespace string not detected")
	}
	if IsEmptyOrWhitespace(" x ") {
		t.Error("non-empty string misdetected")
	}
}
