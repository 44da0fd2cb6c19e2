package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/zoxy/zoxy-srv/config"
)

var forwardingFixture = []config.ForwardEntry{
	{SourceNetwork: "196.168.2.1", SourcePort: "1234", DestHost: "127.0.2.1", DestPort: "8000"},
	{SourceNetwork: "196.168.1.0/24", SourcePort: "1234", DestHost: "127.0.0.1", DestPort: "8000"},
	{SourceNetwork: "0.0.0.0/0", SourcePort: "*", DestHost: "127.0.0.2", DestPort: "*"},
}

func TestForwardingTableResolve(t *testing.T) {
	table, err := NewForwardingTable(forwardingFixture)
	require.NoError(t, err)

	tests := []struct {
		name     string
		host     string
		port     int
		wantHost string
		wantPort int
	}{
		{"exact address", "196.168.2.1", 1234, "127.0.2.1", 8000},
		{"network", "196.168.1.1", 1234, "127.0.0.1", 8000},
		{"catch all keeps port", "172.1.1.1", 1234, "127.0.0.2", 1234},
		{"catch all other port", "172.1.1.1", 7777, "127.0.0.2", 7777},
		{"network port mismatch falls through", "196.168.1.1", 80, "127.0.0.2", 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, ok := table.Resolve(addr(t, tt.host), tt.host, tt.port)
			assert.True(t, ok)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestForwardingTableFirstMatchWins(t *testing.T) {
	table, err := NewForwardingTable([]config.ForwardEntry{
		{SourceNetwork: "10.0.0.0/8", SourcePort: "*", DestHost: "first", DestPort: "1"},
		{SourceNetwork: "10.1.0.0/16", SourcePort: "*", DestHost: "second", DestPort: "2"},
	})
	require.NoError(t, err)

	host, port, ok := table.Resolve(addr(t, "10.1.1.1"), "example.org", 80)
	assert.True(t, ok)
	assert.Equal(t, "first", host)
	assert.Equal(t, 1, port)
}

func TestForwardingTableNoMatch(t *testing.T) {
	table, err := NewForwardingTable(forwardingFixture[:2])
	require.NoError(t, err)

	host, port, ok := table.Resolve(addr(t, "8.8.8.8"), "dns.google", 443)
	assert.False(t, ok)
	assert.Equal(t, "dns.google", host)
	assert.Equal(t, 443, port)

	var nilTable *ForwardingTable
	host, port, ok = nilTable.Resolve(addr(t, "8.8.8.8"), "dns.google", 443)
	assert.False(t, ok)
	assert.Equal(t, "dns.google", host)
	assert.Equal(t, 443, port)
}

func TestForwardingTableEntries(t *testing.T) {
	table, err := NewForwardingTable(forwardingFixture)
	require.NoError(t, err)

	entries := table.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "196.168.2.1/32", entries[0].SourceNetwork)
	assert.Equal(t, "*", entries[2].DestPort)
	assert.Equal(t, 3, table.Len())
}

func TestForwardingTableInvalid(t *testing.T) {
	_, err := NewForwardingTable([]config.ForwardEntry{
		{SourceNetwork: "0.0.0.0/0", SourcePort: "*", DestHost: "h", DestPort: "99999"},
	})
	assert.Error(t, err)
}
