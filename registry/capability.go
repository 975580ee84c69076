package registry

import (
	"sort"
	"strings"
)

// HasCapability checks if an agent carries a capability label.
func HasCapability(r Registration, capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasAnyCapability checks if an agent carries at least one of the labels.
func HasAnyCapability(r Registration, capabilities []string) bool {
	for _, c := range capabilities {
		if HasCapability(r, c) {
			return true
		}
	}
	return false
}

// normalizeCapabilities trims, dedupes and sorts capability labels.
func normalizeCapabilities(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
