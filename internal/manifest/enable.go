package manifest

import (
	"fmt"
	"strings"

	"github.com/kandev/orchestrator/internal/apperr"
)

// RunMode mirrors the agent record's runMode (spec.md §3.2).
type RunMode string

const (
	RunModeIsolated RunMode = "isolated"
	RunModeGlobal   RunMode = "global"
	RunModeDevel    RunMode = "devel"
)

// EnableDirective is one parsed entry of a manifest's enable[] list
// (spec.md §4.4 "Enable directive parsing").
type EnableDirective struct {
	Name  string
	Mode  RunMode
	Repo  string
	Alias string
}

// ParseEnableDirective parses the grammar
// "NAME [MODE] [REPO] ['as' ALIAS]" where MODE is one of
// isolated|global|devel; devel requires a following REPO token.
func ParseEnableDirective(directive string) (*EnableDirective, error) {
	fields := strings.Fields(directive)
	if len(fields) == 0 {
		return nil, apperr.New(apperr.KindConfigError, "empty enable directive")
	}

	d := &EnableDirective{Name: fields[0]}
	rest := fields[1:]

	if len(rest) > 0 && isRunMode(rest[0]) {
		d.Mode = RunMode(rest[0])
		rest = rest[1:]
	}

	if len(rest) > 0 && rest[0] != "as" {
		d.Repo = rest[0]
		rest = rest[1:]
	}

	if d.Mode == RunModeDevel && d.Repo == "" {
		return nil, apperr.New(apperr.KindConfigError,
			"enable directive: devel mode requires a REPO token: "+directive)
	}

	if len(rest) > 0 {
		if rest[0] != "as" {
			return nil, apperr.New(apperr.KindConfigError,
				fmt.Sprintf("enable directive: unexpected token %q in %s", rest[0], directive))
		}
		if len(rest) != 2 {
			return nil, apperr.New(apperr.KindConfigError, "enable directive: 'as' must be followed by exactly one alias: "+directive)
		}
		d.Alias = rest[1]
	}

	return d, nil
}

func isRunMode(tok string) bool {
	switch RunMode(tok) {
	case RunModeIsolated, RunModeGlobal, RunModeDevel:
		return true
	default:
		return false
	}
}

// ResolvedName returns the effective agent-record key: the alias if
// present, else the agent name.
func (d *EnableDirective) ResolvedName() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Name
}
