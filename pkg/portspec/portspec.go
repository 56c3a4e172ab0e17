// Package portspec parses and formats the manifest port-specification
// grammar (spec.md §6.1): "PORT", "HOST:CONTAINER", "IP:HOST:CONTAINER".
package portspec

import (
	"fmt"
	"strconv"
	"strings"
)

// Spec is a single parsed port mapping. HostPort of 0 means "allocate a
// random host port" (the bare-PORT form).
type Spec struct {
	BindIP        string
	HostPort      int
	ContainerPort int
}

// Parse parses one port-spec token. Whitespace anywhere in the token is
// rejected, and each numeric component must fall in [1, 65535].
func Parse(raw string) (Spec, error) {
	if strings.ContainsAny(raw, " \t\n\r") {
		return Spec{}, fmt.Errorf("portspec: whitespace not allowed in %q", raw)
	}
	if raw == "" {
		return Spec{}, fmt.Errorf("portspec: empty spec")
	}

	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 1:
		cport, err := parsePort(parts[0])
		if err != nil {
			return Spec{}, err
		}
		return Spec{ContainerPort: cport}, nil
	case 2:
		hport, err := parsePort(parts[0])
		if err != nil {
			return Spec{}, err
		}
		cport, err := parsePort(parts[1])
		if err != nil {
			return Spec{}, err
		}
		return Spec{HostPort: hport, ContainerPort: cport}, nil
	case 3:
		if parts[0] == "" {
			return Spec{}, fmt.Errorf("portspec: empty bind IP in %q", raw)
		}
		hport, err := parsePort(parts[1])
		if err != nil {
			return Spec{}, err
		}
		cport, err := parsePort(parts[2])
		if err != nil {
			return Spec{}, err
		}
		return Spec{BindIP: parts[0], HostPort: hport, ContainerPort: cport}, nil
	default:
		return Spec{}, fmt.Errorf("portspec: too many ':' separated fields in %q", raw)
	}
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("portspec: %q is not a number", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("portspec: port %d out of range [1,65535]", n)
	}
	return n, nil
}

// Format renders a Spec back to its canonical string form. This is the
// inverse of Parse and round-trips for every form Parse accepts, though
// the bare-PORT form is only reproduced when HostPort is 0 and BindIP is
// empty.
func (s Spec) Format() string {
	switch {
	case s.BindIP != "":
		return fmt.Sprintf("%s:%d:%d", s.BindIP, s.HostPort, s.ContainerPort)
	case s.HostPort != 0:
		return fmt.Sprintf("%d:%d", s.HostPort, s.ContainerPort)
	default:
		return strconv.Itoa(s.ContainerPort)
	}
}
