package routing

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/codefionn/zoxy/zoxy-srv/logger"
)

// DomainMatcher matches destination hosts against a domain list. A listed
// domain matches itself and all of its subdomains.
type DomainMatcher struct {
	trie    *ahocorasick.Trie
	domains []string
}

// NewDomainMatcher builds a matcher from domains. Entries are lowercased and
// a leading "*." is dropped, since subdomains always match.
func NewDomainMatcher(domains []string) *DomainMatcher {
	m := &DomainMatcher{}
	for _, domain := range domains {
		domain = normalizeDomain(domain)
		if domain == "" {
			continue
		}
		m.domains = append(m.domains, domain)
	}
	if len(m.domains) > 0 {
		m.trie = ahocorasick.NewTrieBuilder().AddStrings(m.domains).Build()
	}
	return m
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "*.")
	return strings.TrimSuffix(domain, ".")
}

// Matches reports whether host equals a listed domain or is a subdomain of one.
func (m *DomainMatcher) Matches(host string) bool {
	if m == nil || m.trie == nil {
		return false
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	for _, match := range m.trie.MatchString(host) {
		domain := m.domains[match.Pattern()]
		if !strings.HasSuffix(host, domain) {
			continue
		}
		if len(host) == len(domain) {
			return true
		}
		if host[len(host)-len(domain)-1] == '.' {
			return true
		}
	}
	return false
}

func (m *DomainMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.domains)
}

// Domains returns the normalized domain list.
func (m *DomainMatcher) Domains() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.domains...)
}

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// ReadDomains parses a hosts-style domain list. Comments start with # or ;,
// several domains may share a line and the sink address 0.0.0.0 is skipped,
// so "0.0.0.0 ads.example.com" lists ads.example.com.
func ReadDomains(r io.Reader) ([]string, error) {
	var domains []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		line = rgComment.FindStringSubmatch(line)[1]
		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "" || domain == "0.0.0.0" {
				continue
			}
			domains = append(domains, domain)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains: %w", err)
	}
	return domains, nil
}

// LoadDomainsFile reads a domain list from filePath.
func LoadDomainsFile(filePath string) ([]string, error) {
	cleanPath := filepath.Clean(filePath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	domains, err := ReadDomains(file)
	if err != nil {
		return nil, fmt.Errorf("%w (file: %s)", err, filePath)
	}
	if len(domains) == 0 {
		logger.Warn("No domains found in file: %s", filePath)
	}
	return domains, nil
}
