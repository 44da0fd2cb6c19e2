package routing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainMatcher(t *testing.T) {
	m := NewDomainMatcher([]string{"example.com", "*.ads.example.org", "Tracker.NET.", ""})
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, []string{"example.com", "ads.example.org", "tracker.net"}, m.Domains())

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"deep.sub.example.com", true},
		{"EXAMPLE.COM", true},
		{"example.com.", true},
		{"notexample.com", false},
		{"example.com.evil.org", false},
		{"ads.example.org", true},
		{"x.ads.example.org", true},
		{"example.org", false},
		{"tracker.net", true},
		{"127.0.0.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Matches(tt.host))
		})
	}
}

func TestDomainMatcherEmpty(t *testing.T) {
	m := NewDomainMatcher(nil)
	assert.False(t, m.Matches("example.com"))
	assert.Equal(t, 0, m.Len())

	var nilMatcher *DomainMatcher
	assert.False(t, nilMatcher.Matches("example.com"))
}

func TestReadDomains(t *testing.T) {
	content := strings.Join([]string{
		"# hosts style blocklist",
		"; another comment",
		"",
		"0.0.0.0 ads.example.com",
		"tracker.example.net   metrics.example.net # trailing comment",
		"*.wild.example.org",
	}, "\n")

	domains, err := ReadDomains(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ads.example.com",
		"tracker.example.net",
		"metrics.example.net",
		"*.wild.example.org",
	}, domains)

	m := NewDomainMatcher(domains)
	assert.True(t, m.Matches("a.wild.example.org"))
}

func TestLoadDomainsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.txt")
	require.NoError(t, os.WriteFile(path, []byte("blocked.com\nevil.org\n"), 0644))

	domains, err := LoadDomainsFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"blocked.com", "evil.org"}, domains)

	_, err = LoadDomainsFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open domains file")
}
