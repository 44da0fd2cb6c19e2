package routing

import (
	"bytes"
	"net"
	"strconv"
)

// RewriteHostPort replaces every literal "oldHost:oldPort" in raw with
// "newHost:newPort". This is a plain substring substitution over the whole
// buffer (request line, headers and body alike); a request that names the
// destination without an explicit port is left untouched.
func RewriteHostPort(raw []byte, oldHost string, oldPort int, newHost string, newPort int) []byte {
	old := []byte(hostPort(oldHost, oldPort))
	replacement := []byte(hostPort(newHost, newPort))
	if bytes.Equal(old, replacement) {
		return raw
	}
	return bytes.ReplaceAll(raw, old, replacement)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
