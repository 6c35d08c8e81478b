// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

// IsPrivateIP reports whether ip is loopback, link-local or in a private range.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsUnspecified() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIP rejects a host:port that resolves to a private IP.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("address %q is not an IP", address)
	}
	if IsPrivateIP(ip) {
		return fmt.Errorf("the address %s references a private IP", address)
	}
	return nil
}

// IsLocalhost reports whether host names the local machine.
func IsLocalhost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ValidateEndpointURL checks that raw is an absolute HTTPS URL. Plain HTTP is
// accepted for localhost when allowLocalHTTP is set.
func ValidateEndpointURL(raw string, allowLocalHTTP bool) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("endpoint URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint URL %q has no host", raw)
	}
	switch u.Scheme {
	case "https":
		return u, nil
	case "http":
		if allowLocalHTTP && IsLocalhost(u.Hostname()) {
			return u, nil
		}
		return nil, fmt.Errorf("endpoint URL %q must use HTTPS", raw)
	default:
		return nil, fmt.Errorf("endpoint URL %q has unsupported scheme %q", raw, u.Scheme)
	}
}
