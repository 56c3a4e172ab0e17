package monitor

import "testing"

func TestValidateProbeScriptRejectsSeparators(t *testing.T) {
	cases := []string{"../escape.sh", "sub/dir.sh", "..", "a/../b"}
	for _, name := range cases {
		if _, err := validateProbeScript(name); err == nil {
			t.Errorf("validateProbeScript(%q) = nil error, want rejection", name)
		}
	}
}

func TestValidateProbeScriptAcceptsPlainName(t *testing.T) {
	got, err := validateProbeScript("healthcheck.sh")
	if err != nil {
		t.Fatalf("validateProbeScript: %v", err)
	}
	if got != "healthcheck.sh" {
		t.Errorf("got %q, want healthcheck.sh", got)
	}
}

func TestPow2(t *testing.T) {
	cases := map[int]float64{0: 1, 1: 2, 2: 4, 3: 8}
	for n, want := range cases {
		if got := pow2(n); got != want {
			t.Errorf("pow2(%d) = %v, want %v", n, got, want)
		}
	}
}
