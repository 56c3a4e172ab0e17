// Package secrets implements the orchestrator's multi-source secret and
// environment resolver (spec.md §4.3): process environment, secrets file,
// and an optional .env file, with $-alias resolution and manifest env
// normalization, grounded on the teacher's credentials.EnvProvider.
package secrets

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/kandev/orchestrator/internal/apperr"
)

// knownAPIKeyPatterns mirrors the teacher's exact-match credential list;
// any of these names is always eligible for explicit (non-wildcard)
// forwarding regardless of the wildcard safety carve-out.
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"COHERE_API_KEY",
	"HUGGINGFACE_API_KEY",
	"MISTRAL_API_KEY",
	"TOGETHER_API_KEY",
	"REPLICATE_API_TOKEN",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"GCP_SERVICE_ACCOUNT_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"BITBUCKET_TOKEN",
	"NPM_TOKEN",
	"DOCKER_PASSWORD",
	"DOCKER_TOKEN",
}

// sensitiveNameFragments are substrings that make a host env var name
// ineligible for the bare "*" wildcard (spec.md §3.3, §9 wildcard safety).
var sensitiveNameFragments = []string{"API_KEY", "APIKEY"}

// isSensitiveName reports whether name contains one of the carve-out
// fragments, case-sensitively per spec.md's literal "API_KEY"/"APIKEY".
func isSensitiveName(name string) bool {
	for _, frag := range sensitiveNameFragments {
		if strings.Contains(name, frag) {
			return true
		}
	}
	return false
}

// Resolver resolves env/secret values from process environment, a
// secrets file, and an optional .env file, highest priority first.
type Resolver struct {
	secretsFile string
	dotEnvFile  string

	fileValues map[string]string // raw values from secrets file (may be $alias)
	dotEnv     map[string]string
	hostEnv    map[string]string
}

// NewResolver loads the secrets file and an optional cwd-relative .env
// file. Both are optional; a missing file yields an empty source.
func NewResolver(secretsFile, cwd string) (*Resolver, error) {
	fileValues, err := parseKeyValueFile(secretsFile)
	if err != nil {
		return nil, err
	}
	dotEnvPath := filepath.Join(cwd, ".env")
	dotEnv, err := parseKeyValueFile(dotEnvPath)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		secretsFile: secretsFile,
		dotEnvFile:  dotEnvPath,
		fileValues:  fileValues,
		dotEnv:      dotEnv,
		hostEnv:     hostEnvMap(),
	}, nil
}

func hostEnvMap() map[string]string {
	m := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}

// parseKeyValueFile reads a line-oriented KEY=VALUE file, skipping blank
// lines and lines starting with '#'. A missing file returns an empty map.
func parseKeyValueFile(path string) (map[string]string, error) {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, apperr.Wrap(apperr.KindConfigError, "open "+path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = strings.Trim(val, `"'`)
		if key != "" {
			out[key] = val
		}
	}
	if err := sc.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindConfigError, "scan "+path, err)
	}
	return out, nil
}

// rawLookup returns the unresolved value for name and which source
// supplied it, in priority order: environment, secrets file, .env.
func (r *Resolver) rawLookup(name string) (value string, found bool) {
	if v, ok := r.hostEnv[name]; ok {
		return v, true
	}
	if v, ok := r.fileValues[name]; ok {
		return v, true
	}
	if v, ok := r.dotEnv[name]; ok {
		return v, true
	}
	return "", false
}

// Get resolves name, following $alias chains with cycle detection. A
// cyclic or dangling alias resolves to "" rather than erroring, per
// spec.md's S6 scenario ("getSecret(A) returns empty string; no stack
// overflow; subsequent calls return same").
func (r *Resolver) Get(name string) string {
	return r.resolve(name, map[string]bool{})
}

func (r *Resolver) resolve(name string, seen map[string]bool) string {
	if seen[name] {
		return ""
	}
	seen[name] = true

	raw, found := r.rawLookup(name)
	if !found {
		return ""
	}
	if strings.HasPrefix(raw, "$") {
		return r.resolve(strings.TrimPrefix(raw, "$"), seen)
	}
	return raw
}

// Has reports whether name resolves to a non-empty value.
func (r *Resolver) Has(name string) bool {
	return r.Get(name) != ""
}

// SourceList is the human-readable source ordering used in
// MissingRequiredEnv error text (spec.md §6.6 S3).
const SourceList = "environment, secrets file, .env file"

// ValidateRequired checks that every name in required resolves to a
// non-empty value, returning a single aggregated MissingSecret error
// naming every missing secret (spec.md §4.6 "secret validation precedes
// any container hook execution").
func (r *Resolver) ValidateRequired(required []string) error {
	var missing []string
	for _, name := range required {
		if !r.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return apperr.New(apperr.KindMissingSecret,
		"missing required secret(s): "+strings.Join(missing, ", ")+" (checked "+SourceList+")")
}

// WildcardMatches expands a host-forwarding wildcard pattern (spec.md
// §4.3) against the process environment, returning (name, value) pairs.
// Supported forms: "PREFIX_*", "PREFIX_*_SUFFIX", and bare "*".
func (r *Resolver) WildcardMatches(pattern string) []EnvPair {
	var out []EnvPair
	switch {
	case pattern == "*":
		for name, val := range r.hostEnv {
			if isSensitiveName(name) {
				continue
			}
			out = append(out, EnvPair{Name: name, Value: val})
		}
	case strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		for name, val := range r.hostEnv {
			if strings.HasPrefix(name, prefix) {
				out = append(out, EnvPair{Name: name, Value: val})
			}
		}
	case strings.Contains(pattern, "*"):
		idx := strings.Index(pattern, "*")
		prefix, suffix := pattern[:idx], pattern[idx+1:]
		for name, val := range r.hostEnv {
			if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) && len(name) >= len(prefix)+len(suffix) {
				out = append(out, EnvPair{Name: name, Value: val})
			}
		}
	}
	return out
}

// EnvPair is a resolved (insideName, value) pair ready to forward as
// -e NAME=value into a container (spec.md §4.3 "Value building").
type EnvPair struct {
	Name  string
	Value string
}

// KnownAPIKeyNames returns the built-in list of well-known credential
// env var names, for discovery/listing UX.
func KnownAPIKeyNames() []string {
	out := make([]string, len(knownAPIKeyPatterns))
	copy(out, knownAPIKeyPatterns)
	return out
}
