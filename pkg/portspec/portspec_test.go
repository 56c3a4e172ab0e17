package portspec

import "testing"

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []string{
		"7000",
		"8088:7000",
		"127.0.0.1:8088:7000",
	}
	for _, raw := range cases {
		spec, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", raw, err)
		}
		if got := spec.Format(); got != raw {
			t.Errorf("Parse(%q).Format() = %q, want %q", raw, got, raw)
		}
	}
}

func TestParseRejectsWhitespace(t *testing.T) {
	if _, err := Parse("80 88:7000"); err == nil {
		t.Fatal("expected error for whitespace in port spec")
	}
}

func TestParseRejectsOutOfRange(t *testing.T) {
	for _, raw := range []string{"0", "65536", "-1"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) expected error", raw)
		}
	}
}

func TestParseRejectsTooManyFields(t *testing.T) {
	if _, err := Parse("a:b:c:d"); err == nil {
		t.Fatal("expected error for too many fields")
	}
}
