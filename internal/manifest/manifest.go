// Package manifest parses, validates, and resolves agent manifests and
// their profile overlays (spec.md §3.2, §4.4), grounded on the teacher's
// agent/registry configuration shapes.
package manifest

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/pkg/portspec"
)

// ProbeSpec is a liveness or readiness probe declaration.
type ProbeSpec struct {
	Script           string `json:"script"`
	IntervalSec      int    `json:"interval"`
	TimeoutSec       int    `json:"timeout"`
	FailureThreshold int    `json:"failureThreshold"`
	SuccessThreshold int    `json:"successThreshold"`
}

func (p *ProbeSpec) applyDefaults() {
	if p.IntervalSec == 0 {
		p.IntervalSec = 1
	}
	if p.TimeoutSec == 0 {
		p.TimeoutSec = 5
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = 5
	}
	if p.SuccessThreshold == 0 {
		p.SuccessThreshold = 1
	}
}

// Health groups the two probe kinds an agent may declare.
type Health struct {
	Liveness  *ProbeSpec `json:"liveness,omitempty"`
	Readiness *ProbeSpec `json:"readiness,omitempty"`
}

// Overlay is a partial manifest applied on top of the top-level manifest
// when a profile is active (spec.md §4.4 profile resolution).
type Overlay struct {
	Image       string            `json:"image,omitempty"`
	Container   string            `json:"container,omitempty"`
	Env         EnvSpec           `json:"env,omitempty"`
	Ports       []string          `json:"ports,omitempty"`
	Volumes     map[string]string `json:"volumes,omitempty"`
	Mounts      *MountOverlay     `json:"mounts,omitempty"`
	Preinstall  StringOrList      `json:"preinstall,omitempty"`
	Install     StringOrList      `json:"install,omitempty"`
	Postinstall StringOrList      `json:"postinstall,omitempty"`
}

// MountOverlay lets a profile override the default rw/ro mode of the
// code and skills mounts (spec.md §4.4).
type MountOverlay struct {
	Code   string `json:"code,omitempty"`   // "rw" | "ro"
	Skills string `json:"skills,omitempty"` // "rw" | "ro"
}

// allowedOverlayKeys is the set of keys a profiles[*] overlay may use
// (spec.md §4.4 "Each profile overlay references only allowed keys").
var allowedOverlayKeys = map[string]bool{
	"image": true, "container": true, "env": true, "ports": true,
	"volumes": true, "mounts": true,
	"preinstall": true, "install": true, "postinstall": true,
}

// Manifest is the read-only declarative input describing one agent
// (spec.md §3.2).
type Manifest struct {
	Container string `json:"container,omitempty"`
	Image     string `json:"image,omitempty"`

	About string `json:"about,omitempty"`
	Type  string `json:"type,omitempty"` // agent|service|tool

	Preinstall  StringOrList `json:"preinstall,omitempty"`
	Install     StringOrList `json:"install,omitempty"`
	Postinstall StringOrList `json:"postinstall,omitempty"`
	Update      StringOrList `json:"update,omitempty"`
	Start       StringOrList `json:"start,omitempty"`
	Agent       StringOrList `json:"agent,omitempty"`
	CLI         StringOrList `json:"cli,omitempty"`
	Run         StringOrList `json:"run,omitempty"`

	HostHookAfterCreation string `json:"hosthook_aftercreation,omitempty"`
	HostHookPostinstall   string `json:"hosthook_postinstall,omitempty"`

	Env     EnvSpec           `json:"env,omitempty"`
	Expose  EnvSpec           `json:"expose,omitempty"`
	Ports   []string          `json:"ports,omitempty"`
	Volumes map[string]string `json:"volumes,omitempty"`

	Enable []string `json:"enable,omitempty"`
	Repos  []string `json:"repos,omitempty"`

	Health *Health `json:"health,omitempty"`

	Profiles       map[string]Overlay `json:"profiles,omitempty"`
	DefaultProfile string             `json:"defaultProfile,omitempty"`

	// RequiredSecrets lists names the active profile must resolve before
	// step 8 of the lifecycle may run (spec.md §4.6).
	RequiredSecrets []string `json:"secrets,omitempty"`

	rawProfiles map[string]json.RawMessage `json:"-"`
}

// Parse decodes manifest.json bytes into a Manifest, also retaining the
// raw per-profile payloads so Validate can check key restrictions.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperr.Wrap(apperr.KindConfigError, "parse manifest", err)
	}
	var wrapper struct {
		Profiles map[string]json.RawMessage `json:"profiles"`
	}
	_ = json.Unmarshal(data, &wrapper)
	m.rawProfiles = wrapper.Profiles
	return &m, nil
}

// Validate runs every schema check spec.md §4.4 names, aggregating all
// failures into a single ConfigError rather than failing on the first.
func (m *Manifest) Validate() error {
	var errs []string

	if (m.Container == "") == (m.Image == "") {
		errs = append(errs, "exactly one of container or image must be set")
	}
	if m.Image != "" && strings.TrimSpace(m.Image) == "" {
		errs = append(errs, "image must be non-empty")
	}

	for _, p := range m.Ports {
		if _, err := portspec.Parse(p); err != nil {
			errs = append(errs, fmt.Sprintf("invalid port spec %q: %v", p, err))
		}
	}

	if _, err := m.Env.Normalize(); err != nil {
		errs = append(errs, "env: "+err.Error())
	}
	if _, err := m.Expose.Normalize(); err != nil {
		errs = append(errs, "expose: "+err.Error())
	}

	for name, raw := range m.rawProfiles {
		var generic map[string]json.RawMessage
		if err := json.Unmarshal(raw, &generic); err != nil {
			errs = append(errs, "profile "+name+": not an object")
			continue
		}
		for key := range generic {
			if !allowedOverlayKeys[key] {
				errs = append(errs, fmt.Sprintf("profile %s: key %q not allowed in overlay", name, key))
			}
		}
	}

	for hookField, script := range map[string]string{
		"hosthook_aftercreation": m.HostHookAfterCreation,
		"hosthook_postinstall":   m.HostHookPostinstall,
	} {
		if script == "" {
			continue
		}
		if err := validateHookScriptPath(script); err != nil {
			errs = append(errs, hookField+": "+err.Error())
		}
	}

	if len(errs) > 0 {
		return apperr.New(apperr.KindConfigError, strings.Join(errs, "; "))
	}
	return nil
}

// validateHookScriptPath rejects absolute paths and any path-traversal
// component, per spec.md §4.4/§4.6.
func validateHookScriptPath(p string) error {
	if path.IsAbs(p) {
		return fmt.Errorf("script path must be relative: %q", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return fmt.Errorf("script path must not traverse outside the repository: %q", p)
	}
	return nil
}

// EffectiveConfig is the resolved {image/container, env, ports, volumes,
// mount modes} produced by profile resolution (spec.md §4.4).
type EffectiveConfig struct {
	Image         string
	Container     string
	Env           []EnvRecord
	Ports         []portspec.Spec
	Volumes       map[string]string
	CodeMountMode string // "rw" | "ro"
	SkillsMode    string
	Preinstall    []string
	Install       []string
	Postinstall   []string
}

// defaultMountModes returns the default code/skills mount mode for a
// profile (spec.md §4.4: dev -> rw, qa/prod -> ro).
func defaultMountModes(profile string) (code, skills string) {
	if profile == "dev" {
		return "rw", "rw"
	}
	return "ro", "ro"
}

// Resolve computes the effective configuration for the given profile
// name, applying: defaults ∘ manifest-top-level ∘ profiles[active],
// where env is merged (profile wins on collision) rather than replaced
// (spec.md §4.4).
func (m *Manifest) Resolve(profile string) (*EffectiveConfig, error) {
	if profile == "" {
		profile = m.DefaultProfile
	}
	if profile == "" {
		profile = "dev"
	}

	codeMode, skillsMode := defaultMountModes(profile)

	eff := &EffectiveConfig{
		Image:         m.Image,
		Container:     m.Container,
		Volumes:       map[string]string{},
		CodeMountMode: codeMode,
		SkillsMode:    skillsMode,
		Ports:         nil,
	}
	for k, v := range m.Volumes {
		eff.Volumes[k] = v
	}

	topEnv, err := m.Env.Normalize()
	if err != nil {
		return nil, err
	}
	envByName := map[string]EnvRecord{}
	order := []string{}
	addEnv := func(recs []EnvRecord) {
		for _, r := range recs {
			key := r.InsideName
			if key == "" {
				key = r.Wildcard
			}
			if _, ok := envByName[key]; !ok {
				order = append(order, key)
			}
			envByName[key] = r
		}
	}
	addEnv(topEnv)

	ports := append([]string{}, m.Ports...)
	preinstall, install, postinstall := m.Preinstall.List(), m.Install.List(), m.Postinstall.List()

	if overlay, ok := m.Profiles[profile]; ok {
		if overlay.Image != "" {
			eff.Image = overlay.Image
		}
		if overlay.Container != "" {
			eff.Container = overlay.Container
		}
		for k, v := range overlay.Volumes {
			eff.Volumes[k] = v
		}
		if overlay.Mounts != nil {
			if overlay.Mounts.Code != "" {
				eff.CodeMountMode = overlay.Mounts.Code
			}
			if overlay.Mounts.Skills != "" {
				eff.SkillsMode = overlay.Mounts.Skills
			}
		}
		if len(overlay.Ports) > 0 {
			ports = append([]string{}, overlay.Ports...)
		}
		overlayEnv, err := overlay.Env.Normalize()
		if err != nil {
			return nil, err
		}
		addEnv(overlayEnv)
		if !overlay.Preinstall.Empty() {
			preinstall = overlay.Preinstall.List()
		}
		if !overlay.Install.Empty() {
			install = overlay.Install.List()
		}
		if !overlay.Postinstall.Empty() {
			postinstall = overlay.Postinstall.List()
		}
	}

	for _, name := range order {
		eff.Env = append(eff.Env, envByName[name])
	}

	for _, p := range ports {
		spec, err := portspec.Parse(p)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfigError, "invalid resolved port spec", err)
		}
		eff.Ports = append(eff.Ports, spec)
	}
	eff.Preinstall, eff.Install, eff.Postinstall = preinstall, install, postinstall

	return eff, nil
}

// ProfileEnvName maps a profile short name to the ORCH_PROFILE_ENV value
// injected into hooks (spec.md §4.6).
func ProfileEnvName(profile string) string {
	switch profile {
	case "qa":
		return "qa"
	case "prod":
		return "production"
	default:
		return "development"
	}
}
