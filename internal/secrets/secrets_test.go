package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestAliasCycleTerminates(t *testing.T) {
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets")
	writeFile(t, secretsPath, "A=$B\nB=$A\n")

	r, err := NewResolver(secretsPath, dir)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if got := r.Get("A"); got != "" {
		t.Errorf("Get(A) = %q, want empty string on cycle", got)
	}
	if got := r.Get("A"); got != "" {
		t.Errorf("second Get(A) = %q, want empty string (idempotent)", got)
	}
}

func TestAliasDanglingReferenceResolvesEmpty(t *testing.T) {
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets")
	writeFile(t, secretsPath, "A=$NOWHERE\n")

	r, err := NewResolver(secretsPath, dir)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if got := r.Get("A"); got != "" {
		t.Errorf("Get(A) = %q, want empty string for dangling alias", got)
	}
}

func TestWildcardSafetyExcludesAPIKeyNames(t *testing.T) {
	t.Setenv("DEMO_SERVICE_API_KEY", "super-secret")
	t.Setenv("DEMO_SERVICE_URL", "https://example.com")

	r, err := NewResolver(filepath.Join(t.TempDir(), "secrets"), t.TempDir())
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	matches := r.WildcardMatches("*")
	for _, m := range matches {
		if m.Name == "DEMO_SERVICE_API_KEY" {
			t.Errorf("bare wildcard must never match a name containing API_KEY, got %s", m.Name)
		}
	}

	var sawURL bool
	for _, m := range matches {
		if m.Name == "DEMO_SERVICE_URL" {
			sawURL = true
		}
	}
	if !sawURL {
		t.Errorf("expected bare wildcard to still forward non-sensitive names")
	}
}

func TestWildcardPrefixPattern(t *testing.T) {
	t.Setenv("FOO_ONE", "1")
	t.Setenv("FOO_TWO", "2")
	t.Setenv("BAR_THREE", "3")

	r, err := NewResolver(filepath.Join(t.TempDir(), "secrets"), t.TempDir())
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	matches := r.WildcardMatches("FOO_*")
	if len(matches) != 2 {
		t.Fatalf("FOO_* matched %d vars, want 2", len(matches))
	}
}

func TestValidateRequiredReportsAllMissing(t *testing.T) {
	r, err := NewResolver(filepath.Join(t.TempDir(), "secrets"), t.TempDir())
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	err = r.ValidateRequired([]string{"PROD_API_KEY", "OTHER_SECRET"})
	if err == nil {
		t.Fatalf("expected error for missing required secrets")
	}
}

func TestEnvPriorityOrder(t *testing.T) {
	dir := t.TempDir()
	secretsPath := filepath.Join(dir, "secrets")
	writeFile(t, secretsPath, "SHARED=from-secrets-file\n")
	writeFile(t, filepath.Join(dir, ".env"), "SHARED=from-dotenv\nONLY_DOTENV=yes\n")
	t.Setenv("SHARED", "from-environment")

	r, err := NewResolver(secretsPath, dir)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if got := r.Get("SHARED"); got != "from-environment" {
		t.Errorf("SHARED = %q, want process environment to win", got)
	}
	if got := r.Get("ONLY_DOTENV"); got != "yes" {
		t.Errorf("ONLY_DOTENV = %q, want yes", got)
	}
}
