package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

// parseSeconds accepts fractional seconds, e.g. 0.25.
func parseSeconds(value any) (time.Duration, error) {
	ptr, err := parseValue[float64](value)
	if err != nil {
		return 0, err
	}
	if *ptr < 0 {
		return 0, fmt.Errorf("must not be negative: %v", *ptr)
	}
	return time.Duration(*ptr * float64(time.Second)), nil
}

// parsePortValue accepts a number or a string ("8080", "*").
func parsePortValue(value any) (string, error) {
	if f, ok := value.(float64); ok {
		if f != float64(int(f)) {
			return "", fmt.Errorf("port must be an integer, got %v", f)
		}
		return strconv.Itoa(int(f)), nil
	}
	ptr, err := parseValue[string](value)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(*ptr), nil
}

func parseStringList(value any) ([]string, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array")
	}
	result := make([]string, 0, len(list))
	for i, item := range list {
		ptr, err := parseValue[string](item)
		if err != nil {
			return nil, fmt.Errorf("entry at index %d must be a string: %w", i, err)
		}
		result = append(result, *ptr)
	}
	return result, nil
}

func objectList(value any) ([]map[string]any, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array")
	}
	result := make([]map[string]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry at index %d must be an object", i)
		}
		result = append(result, m)
	}
	return result, nil
}

func requiredString(m map[string]any, key string) (string, error) {
	val, exists := m[key]
	if !exists {
		return "", fmt.Errorf("%s is required", key)
	}
	ptr, err := parseValue[string](val)
	if err != nil {
		return "", fmt.Errorf("%s must be a string: %w", key, err)
	}
	return *ptr, nil
}

func requiredPort(m map[string]any, key string) (string, error) {
	val, exists := m[key]
	if !exists {
		return "", fmt.Errorf("%s is required", key)
	}
	port, err := parsePortValue(val)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return port, nil
}

func parseAccessList(value any) ([]AccessEntry, error) {
	objects, err := objectList(value)
	if err != nil {
		return nil, err
	}
	entries := make([]AccessEntry, 0, len(objects))
	for i, m := range objects {
		network, err := requiredString(m, "network")
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		port, err := requiredPort(m, "port")
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, AccessEntry{Network: network, Port: port})
	}
	return entries, nil
}

func parseForwardList(value any) ([]ForwardEntry, error) {
	objects, err := objectList(value)
	if err != nil {
		return nil, err
	}
	entries := make([]ForwardEntry, 0, len(objects))
	for i, m := range objects {
		var entry ForwardEntry
		if entry.SourceNetwork, err = requiredString(m, "source-network"); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if entry.SourcePort, err = requiredPort(m, "source-port"); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if entry.DestHost, err = requiredString(m, "dest-host"); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if entry.DestPort, err = requiredPort(m, "dest-port"); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseLoadBalancing(value any) (LoadBalancing, error) {
	var lb LoadBalancing
	m, ok := value.(map[string]any)
	if !ok {
		return lb, fmt.Errorf("must be an object")
	}

	if val, exists := m["frontend"]; exists && val != nil {
		fm, ok := val.(map[string]any)
		if !ok {
			return lb, fmt.Errorf("frontend must be an object")
		}
		network, err := requiredString(fm, "network")
		if err != nil {
			return lb, fmt.Errorf("frontend: %w", err)
		}
		port, err := requiredPort(fm, "port")
		if err != nil {
			return lb, fmt.Errorf("frontend: %w", err)
		}
		lb.Frontend = &Frontend{Network: network, Port: port}
	}

	if val, exists := m["backends"]; exists {
		objects, err := objectList(val)
		if err != nil {
			return lb, fmt.Errorf("backends: %w", err)
		}
		for i, bm := range objects {
			var backend Backend
			if backend.Host, err = requiredString(bm, "host"); err != nil {
				return lb, fmt.Errorf("backend %d: %w", i, err)
			}
			if backend.Port, err = requiredPort(bm, "port"); err != nil {
				return lb, fmt.Errorf("backend %d: %w", i, err)
			}
			weightVal, exists := bm["weight"]
			if !exists {
				return lb, fmt.Errorf("backend %d: weight is required", i)
			}
			weight, err := parseValue[int](weightVal)
			if err != nil {
				return lb, fmt.Errorf("backend %d: weight must be an integer: %w", i, err)
			}
			backend.Weight = *weight
			lb.Backends = append(lb.Backends, backend)
		}
	}

	return lb, nil
}

func parseDNS(value any) (DNSConfig, error) {
	dns := DefaultDNSConfig()
	m, ok := value.(map[string]any)
	if !ok {
		return dns, fmt.Errorf("must be an object")
	}

	if val, exists := m["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return dns, fmt.Errorf("enabled must be a boolean: %w", err)
		}
		dns.Enabled = *ptr
	}

	if val, exists := m["cache-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return dns, fmt.Errorf("cache-seconds must be an integer: %w", err)
		}
		dns.CacheSeconds = *ptr
	}

	if val, exists := m["servers"]; exists {
		objects, err := objectList(val)
		if err != nil {
			return dns, fmt.Errorf("servers: %w", err)
		}
		dns.Servers = nil
		for i, sm := range objects {
			server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
			if server.Address, err = requiredString(sm, "address"); err != nil {
				return dns, fmt.Errorf("server %d: %w", i, err)
			}
			if typeVal, exists := sm["type"]; exists {
				ptr, err := parseValue[string](typeVal)
				if err != nil {
					return dns, fmt.Errorf("server %d: type must be a string: %w", i, err)
				}
				server.Type = DNSType(strings.ToLower(*ptr))
			}
			if timeoutVal, exists := sm["timeout-seconds"]; exists {
				ptr, err := parseValue[int](timeoutVal)
				if err != nil {
					return dns, fmt.Errorf("server %d: timeout-seconds must be an integer: %w", i, err)
				}
				server.TimeoutSeconds = *ptr
			}
			if hostVal, exists := sm["tls-host"]; exists {
				ptr, err := parseValue[string](hostVal)
				if err != nil {
					return dns, fmt.Errorf("server %d: tls-host must be a string: %w", i, err)
				}
				server.TLSHost = *ptr
			}
			dns.Servers = append(dns.Servers, server)
		}
	}

	return dns, nil
}
