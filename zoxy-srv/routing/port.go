// Package routing holds the rule tables the proxy consults for every
// connection: access control, static forwarding, weighted load balancing
// and the destination domain blocklist.
package routing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/codefionn/zoxy/zoxy-srv/config"
)

// portPattern is either a concrete port or the wildcard.
type portPattern struct {
	wildcard bool
	port     int
}

func parsePortPattern(s string) (portPattern, error) {
	s = strings.TrimSpace(s)
	if err := config.ValidatePort(s); err != nil {
		return portPattern{}, err
	}
	if s == config.WildcardPort {
		return portPattern{wildcard: true}, nil
	}
	n, _ := strconv.Atoi(s)
	return portPattern{port: n}, nil
}

func (p portPattern) matches(port int) bool {
	return p.wildcard || p.port == port
}

// apply returns the rewritten port; the wildcard keeps the original.
func (p portPattern) apply(original int) int {
	if p.wildcard {
		return original
	}
	return p.port
}

func (p portPattern) String() string {
	if p.wildcard {
		return config.WildcardPort
	}
	return strconv.Itoa(p.port)
}

func ruleError(kind string, i int, err error) error {
	return fmt.Errorf("%s %d: %w", kind, i, err)
}
