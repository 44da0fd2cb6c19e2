package routing

import (
	"net/netip"
	"strings"

	"github.com/codefionn/zoxy/zoxy-srv/config"
)

type forwardRule struct {
	source     netip.Prefix
	sourcePort portPattern
	destHost   string
	destPort   portPattern
}

// ForwardingTable is an ordered list of rewrite rules; the first match wins.
type ForwardingTable struct {
	rules []forwardRule
}

func NewForwardingTable(entries []config.ForwardEntry) (*ForwardingTable, error) {
	t := &ForwardingTable{rules: make([]forwardRule, 0, len(entries))}
	for i, entry := range entries {
		source, err := config.ParseNetwork(entry.SourceNetwork)
		if err != nil {
			return nil, ruleError("forwarding rule", i, err)
		}
		sourcePort, err := parsePortPattern(entry.SourcePort)
		if err != nil {
			return nil, ruleError("forwarding rule", i, err)
		}
		destPort, err := parsePortPattern(entry.DestPort)
		if err != nil {
			return nil, ruleError("forwarding rule", i, err)
		}
		t.rules = append(t.rules, forwardRule{
			source:     source,
			sourcePort: sourcePort,
			destHost:   strings.TrimSpace(entry.DestHost),
			destPort:   destPort,
		})
	}
	return t, nil
}

// Resolve returns the rewritten destination for a resolved address and port.
// Without a matching rule host and port are returned unchanged and ok is false.
func (t *ForwardingTable) Resolve(addr netip.Addr, host string, port int) (string, int, bool) {
	if t == nil {
		return host, port, false
	}
	addr = addr.Unmap()
	for _, rule := range t.rules {
		if rule.source.Contains(addr) && rule.sourcePort.matches(port) {
			return rule.destHost, rule.destPort.apply(port), true
		}
	}
	return host, port, false
}

func (t *ForwardingTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Entries returns the rules in canonical form.
func (t *ForwardingTable) Entries() []config.ForwardEntry {
	if t == nil {
		return nil
	}
	entries := make([]config.ForwardEntry, 0, len(t.rules))
	for _, rule := range t.rules {
		entries = append(entries, config.ForwardEntry{
			SourceNetwork: rule.source.String(),
			SourcePort:    rule.sourcePort.String(),
			DestHost:      rule.destHost,
			DestPort:      rule.destPort.String(),
		})
	}
	return entries
}
