package script

import "strings"

// archTags are the trailing architecture suffixes a family token may carry
// (e.g. "LPC43xx Cortex-M4"), tried both with and without the suffix.
var archTags = []string{"Cortex-M0+", "Cortex-M0", "Cortex-M3", "Cortex-M4", "Cortex-M7", "ARM7TDMI"}

// Table is an ordered set of scripts, as a host would load them from its
// built-in configuration.
type Table []*Script

// Find returns the first script named name whose MCU list matches mcu
// (optionally qualified by arch), per spec.md §4.4: exact match is
// case-insensitive against the comma-separated list; a family token may
// carry a trailing architecture suffix, also tried with the suffix
// stripped; "*" matches anything.
func (t Table) Find(name, mcu, arch string) (*Script, error) {
	for _, sc := range t {
		if sc.Name != name {
			continue
		}
		for _, tok := range sc.MCUs {
			if mcuMatches(tok, mcu, arch) {
				return sc, nil
			}
		}
	}
	return nil, &NotFoundError{Script: name, MCU: mcu}
}

// NotFoundError reports that no script/MCU combination matched.
type NotFoundError struct {
	Script string
	MCU    string
}

func (e *NotFoundError) Error() string {
	return "script: no \"" + e.Script + "\" script for MCU \"" + e.MCU + "\""
}

func mcuMatches(token, mcu, arch string) bool {
	token = strings.TrimSpace(token)
	if token == "*" {
		return true
	}
	if strings.EqualFold(token, mcu) {
		return true
	}
	family, tag, ok := splitTrailingArchTag(token)
	if !ok || !strings.EqualFold(family, mcu) {
		return false
	}
	// arch may be the full tag ("Cortex-M4") or the short "M4" form
	// probe.Session.Attach splits off swdp_scan's target line.
	return arch == "" || strings.EqualFold(tag, arch) || strings.EqualFold(tag, "Cortex-"+arch)
}

// splitTrailingArchTag splits "LPC43xx Cortex-M4" into ("LPC43xx",
// "Cortex-M4"), recognizing only the known architecture tags so an
// ordinary multi-word family name is never mistaken for one.
func splitTrailingArchTag(token string) (family, tag string, ok bool) {
	for _, t := range archTags {
		if strings.HasSuffix(token, t) {
			family = strings.TrimSpace(strings.TrimSuffix(token, t))
			if family == "" {
				continue
			}
			return family, t, true
		}
	}
	return "", "", false
}
