package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Parsers for the whitespace separated tuples accepted on the command line,
// e.g. -allowed-access "127.0.0.0/24 *".

func splitArg(arg string, want int, usage string) ([]string, error) {
	fields := strings.Fields(arg)
	if len(fields) != want {
		return nil, fmt.Errorf("expected %q, got %q", usage, arg)
	}
	return fields, nil
}

// ParseAccessArg parses "ip/mask port".
func ParseAccessArg(arg string) (AccessEntry, error) {
	fields, err := splitArg(arg, 2, "ip/mask port")
	if err != nil {
		return AccessEntry{}, err
	}
	entry := AccessEntry{Network: fields[0], Port: fields[1]}
	return entry, entry.Validate()
}

// ParseForwardArg parses "ip/mask port desthost destport".
func ParseForwardArg(arg string) (ForwardEntry, error) {
	fields, err := splitArg(arg, 4, "ip/mask port desthost destport")
	if err != nil {
		return ForwardEntry{}, err
	}
	entry := ForwardEntry{
		SourceNetwork: fields[0],
		SourcePort:    fields[1],
		DestHost:      fields[2],
		DestPort:      fields[3],
	}
	return entry, entry.Validate()
}

// ParseFrontendArg parses "ip/mask port".
func ParseFrontendArg(arg string) (*Frontend, error) {
	fields, err := splitArg(arg, 2, "ip/mask port")
	if err != nil {
		return nil, err
	}
	if _, err := ParseNetwork(fields[0]); err != nil {
		return nil, err
	}
	if err := ValidatePort(fields[1]); err != nil {
		return nil, err
	}
	return &Frontend{Network: fields[0], Port: fields[1]}, nil
}

// ParseBackendArg parses "host port percent".
func ParseBackendArg(arg string) (Backend, error) {
	fields, err := splitArg(arg, 3, "host port percent")
	if err != nil {
		return Backend{}, err
	}
	if err := ValidatePort(fields[1]); err != nil {
		return Backend{}, err
	}
	weight, err := strconv.Atoi(fields[2])
	if err != nil {
		return Backend{}, fmt.Errorf("invalid weight %q: %w", fields[2], err)
	}
	if weight < 1 || weight > 100 {
		return Backend{}, fmt.Errorf("weight must be within 1..100, got %d", weight)
	}
	return Backend{Host: fields[0], Port: fields[1], Weight: weight}, nil
}
