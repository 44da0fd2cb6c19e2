package routing

import (
	"net/netip"
	"slices"

	"github.com/codefionn/zoxy/zoxy-srv/config"
)

type accessEntry struct {
	network netip.Prefix
	ports   []portPattern
}

// AccessTable maps networks to port sets. It is immutable once built; the
// server swaps whole tables on reconfiguration.
type AccessTable struct {
	entries []accessEntry
}

// NewAccessTable builds a table from rules. Rules for the same network are
// merged into one entry that keeps the position of the first occurrence.
func NewAccessTable(rules []config.AccessEntry) (*AccessTable, error) {
	t := &AccessTable{}
	index := make(map[netip.Prefix]int)

	for i, rule := range rules {
		network, err := config.ParseNetwork(rule.Network)
		if err != nil {
			return nil, ruleError("access rule", i, err)
		}
		port, err := parsePortPattern(rule.Port)
		if err != nil {
			return nil, ruleError("access rule", i, err)
		}

		pos, exists := index[network]
		if !exists {
			pos = len(t.entries)
			index[network] = pos
			t.entries = append(t.entries, accessEntry{network: network})
		}
		if !slices.Contains(t.entries[pos].ports, port) {
			t.entries[pos].ports = append(t.entries[pos].ports, port)
		}
	}

	return t, nil
}

// Matches reports whether some entry's network contains addr and its port
// set holds the wildcard or port.
func (t *AccessTable) Matches(addr netip.Addr, port int) bool {
	if t == nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range t.entries {
		if !entry.network.Contains(addr) {
			continue
		}
		for _, p := range entry.ports {
			if p.matches(port) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of distinct networks.
func (t *AccessTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries flattens the table back into rules in canonical form.
func (t *AccessTable) Entries() []config.AccessEntry {
	if t == nil {
		return nil
	}
	var rules []config.AccessEntry
	for _, entry := range t.entries {
		for _, p := range entry.ports {
			rules = append(rules, config.AccessEntry{
				Network: entry.network.String(),
				Port:    p.String(),
			})
		}
	}
	return rules
}
