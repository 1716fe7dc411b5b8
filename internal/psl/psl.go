// SPDX-License-Identifier: MIT

// Package psl resolves hosts to registrable domains using a public-suffix
// list. The admission layer keys domain limits on the values returned here.
package psl

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"

	"golang.org/x/net/idna"

	"github.com/hivemesh/hive/internal/log"
)

// minRuleLines guards against loading a truncated suffix file.
const minRuleLines = 100

// Index holds a parsed suffix rule table. Lookups are safe for concurrent
// use; Reload swaps the table atomically.
type Index struct {
	mu    sync.RWMutex
	rules *ruleSet
	path  string
}

type ruleSet struct {
	exact     map[string]struct{}
	wildcard  map[string]struct{} // base suffix following "*."
	exception map[string]struct{}
	count     int
}

var builtinRules = []string{"com", "net", "org", "uk", "co.uk"}

// Builtin returns an index over the minimal embedded rule set.
func Builtin() *Index {
	rs := newRuleSet()
	for _, r := range builtinRules {
		rs.add(r)
	}
	return &Index{rules: rs}
}

// Parse reads suffix rules from r. Comment ("//") and blank lines are
// skipped; the ICANN/private section markers carry no meaning here.
func Parse(r io.Reader) (*Index, error) {
	rs, err := parseRules(r)
	if err != nil {
		return nil, err
	}
	return &Index{rules: rs}, nil
}

// Load reads suffix rules from a file. Files with fewer than minRuleLines
// rules are rejected so a truncated download cannot silently gut admission
// control.
func Load(path string) (*Index, error) {
	rs, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	return &Index{rules: rs, path: path}, nil
}

// LoadOrBuiltin loads the file at path, falling back to the builtin rule
// set (with a warning) when the path is empty or the file is unusable.
func LoadOrBuiltin(path string) *Index {
	logger := log.WithComponent("psl")
	if path == "" {
		logger.Warn().
			Str("event", "psl.builtin_fallback").
			Msg("no public suffix list configured, using builtin rules")
		return Builtin()
	}
	ix, err := Load(path)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("event", "psl.builtin_fallback").
			Str("path", path).
			Msg("failed to load public suffix list, using builtin rules")
		return Builtin()
	}
	logger.Info().
		Str("event", "psl.loaded").
		Str("path", path).
		Int("rules", ix.RuleCount()).
		Msg("public suffix list loaded")
	return ix
}

// Reload re-reads the backing file and swaps the rule table. The old table
// stays in place when the new file fails validation.
func (ix *Index) Reload() error {
	if ix.path == "" {
		return nil
	}
	rs, err := loadFile(ix.path)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	ix.rules = rs
	ix.mu.Unlock()
	return nil
}

// RuleCount returns the number of parsed rules.
func (ix *Index) RuleCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.rules.count
}

// RegistrableDomain maps a URL or bare host to its registrable domain:
// the longest matching public suffix plus one label. Empty or whitespace
// input maps to ""; IP addresses and single labels come back unchanged.
// The result is stable under re-application.
func (ix *Index) RegistrableDomain(raw string) string {
	host, ok := normalizeHost(raw)
	if !ok {
		return ""
	}
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	ix.mu.RLock()
	rs := ix.rules
	ix.mu.RUnlock()

	start := rs.suffixStart(labels)
	if start <= 0 {
		// The host itself is a public suffix; nothing registrable below it.
		return host
	}
	return strings.Join(labels[start-1:], ".")
}

// suffixStart returns the index of the first label of the matched public
// suffix. Exception rules prevail; otherwise the longest rule wins, with
// the implicit "*" rule (rightmost label) as the floor.
func (rs *ruleSet) suffixStart(labels []string) int {
	n := len(labels)
	for i := 0; i < n; i++ {
		if _, ok := rs.exception[strings.Join(labels[i:], ".")]; ok {
			return i + 1
		}
	}
	for i := 0; i < n; i++ {
		if _, ok := rs.exact[strings.Join(labels[i:], ".")]; ok {
			return i
		}
		if i+1 < n {
			if _, ok := rs.wildcard[strings.Join(labels[i+1:], ".")]; ok {
				return i
			}
		}
	}
	return n - 1
}

func newRuleSet() *ruleSet {
	return &ruleSet{
		exact:     make(map[string]struct{}),
		wildcard:  make(map[string]struct{}),
		exception: make(map[string]struct{}),
	}
}

func (rs *ruleSet) add(rule string) {
	switch {
	case strings.HasPrefix(rule, "!"):
		rs.exception[normalizeRule(rule[1:])] = struct{}{}
	case strings.HasPrefix(rule, "*."):
		rs.wildcard[normalizeRule(rule[2:])] = struct{}{}
	default:
		rs.exact[normalizeRule(rule)] = struct{}{}
	}
	rs.count++
}

func normalizeRule(rule string) string {
	rule = strings.ToLower(rule)
	if ascii, err := idna.Lookup.ToASCII(rule); err == nil {
		return ascii
	}
	return rule
}

func parseRules(r io.Reader) (*ruleSet, error) {
	rs := newRuleSet()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		// A rule ends at the first whitespace.
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			line = line[:i]
		}
		rs.add(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read suffix list: %w", err)
	}
	return rs, nil
}

func loadFile(path string) (*ruleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open suffix list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	rs, err := parseRules(f)
	if err != nil {
		return nil, err
	}
	if rs.count < minRuleLines {
		return nil, fmt.Errorf("suffix list %s has %d rules, need at least %d", path, rs.count, minRuleLines)
	}
	return rs, nil
}

// normalizeHost extracts a lower-cased, IDNA-ASCII host from a URL or bare
// host string. Reports false for empty or whitespace-only input.
func normalizeHost(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if i := strings.Index(s, "://"); i >= 0 {
		if u, err := url.Parse(s); err == nil && u.Hostname() != "" {
			s = u.Hostname()
		} else {
			s = s[i+3:]
		}
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if h, _, err := net.SplitHostPort(s); err == nil && h != "" {
		s = h
	}
	s = strings.Trim(s, "[]")
	s = strings.TrimSuffix(s, ".")
	s = strings.ToLower(s)
	if s == "" {
		return "", false
	}
	if ascii, err := idna.Lookup.ToASCII(s); err == nil && ascii != "" {
		s = ascii
	}
	return s, true
}
