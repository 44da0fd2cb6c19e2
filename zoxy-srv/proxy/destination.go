package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// defaultPorts holds the ports used when an absolute-form target omits one.
var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
}

// parseDestination extracts host and port from a request target.
// Absolute-form targets ("http://host[:port]/path") are parsed as URLs.
// Anything else is authority-form ("host:port"); a missing port falls back
// to 443 for CONNECT and 80 otherwise.
func parseDestination(method, target string) (string, int, error) {
	if target == "" {
		return "", 0, fmt.Errorf("empty request target")
	}

	if !strings.Contains(target, "://") && method != "CONNECT" && strings.Contains(target, ":443") {
		target = "https://" + target
	}

	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", 0, fmt.Errorf("invalid request target %q: %w", target, err)
		}
		host := u.Hostname()
		if host == "" {
			return "", 0, fmt.Errorf("request target %q has no host", target)
		}
		if p := u.Port(); p != "" {
			port, err := parsePort(p)
			if err != nil {
				return "", 0, err
			}
			return host, port, nil
		}
		port, ok := defaultPorts[strings.ToLower(u.Scheme)]
		if !ok {
			return "", 0, fmt.Errorf("request target %q has no port and unknown scheme %q", target, u.Scheme)
		}
		return host, port, nil
	}

	host, p, err := net.SplitHostPort(target)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || addrErr.Err != "missing port in address" {
			return "", 0, fmt.Errorf("invalid request target %q: %w", target, err)
		}
		host = strings.Trim(target, "[]")
		p = "80"
		if method == "CONNECT" {
			p = "443"
		}
	}
	if host == "" || strings.ContainsAny(host, "/?# ") {
		return "", 0, fmt.Errorf("request target %q has no host", target)
	}
	port, err := parsePort(p)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func parsePort(p string) (int, error) {
	port, err := strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return 0, NewProxyError(ErrCodeInvalidPort, fmt.Errorf("port %q", p))
	}
	return port, nil
}
