package proxy

import (
	"net"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// trieThreshold is the domain-set size above which the matcher builds an
// Aho-Corasick trie instead of scanning linearly. Browsing sessions hit
// the matcher on every request, and community TON domain lists can grow
// into the thousands of entries.
const trieThreshold = 64

// DomainMatcher decides whether a hostname belongs to the configured TON
// domain set. An entry matches the exact hostname or any subdomain of it
// (hostname ending in "." + entry), case-insensitively. The matcher is
// immutable after construction and safe for concurrent use.
type DomainMatcher struct {
	domains []string
	trie    *ahocorasick.Trie
}

// NewDomainMatcher builds a matcher from the configured domain entries.
func NewDomainMatcher(domains []string) *DomainMatcher {
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			normalized = append(normalized, d)
		}
	}

	m := &DomainMatcher{domains: normalized}
	if len(normalized) > trieThreshold {
		m.trie = ahocorasick.NewTrieBuilder().AddStrings(normalized).Build()
	}
	return m
}

// Matches reports whether host is in the TON domain set. A trailing port
// is stripped before comparison.
func (m *DomainMatcher) Matches(host string) bool {
	host = normalizeHost(host)
	if host == "" || len(m.domains) == 0 {
		return false
	}

	if m.trie != nil {
		// The trie finds entries as substrings; a hit only counts when it
		// ends the hostname and starts at a label boundary.
		for _, match := range m.trie.MatchString(host) {
			pos := int(match.Pos())
			end := pos + len(match.Match())
			if end == len(host) && (pos == 0 || host[pos-1] == '.') {
				return true
			}
		}
		return false
	}

	for _, d := range m.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// normalizeHost lowercases the hostname and strips a port, IPv6 brackets
// and a trailing FQDN dot.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
