// SPDX-License-Identifier: MIT

package intervention

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/hivemesh/hive/internal/params"
)

// Affirmative trait flags that force an intervention regardless of URL.
var flagKeys = map[string]struct{}{
	"requireintervention":       {},
	"requiresintervention":      {},
	"alwaysrequireintervention": {},
	"manualreview":              {},
	"manual_review":             {},
	"forceintervention":         {},
}

var (
	domainKeyRe  = regexp.MustCompile(`(?i)^(domain|domains|host|hosts|interventiondomains)$`)
	pathKeyRe    = regexp.MustCompile(`(?i)^(path|paths|interventionpaths)$`)
	keywordKeyRe = regexp.MustCompile(`(?i)^(keyword|keywords|contains|interventionkeywords)$`)
	rulesKeyRe   = regexp.MustCompile(`(?i)^interventionrules$`)
)

// canon lower-cases after NFC normalisation so rule values and URLs compare
// the same regardless of their unicode composition.
func canon(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// CheckForIntervention reports whether the persona's traits demand a human
// intervention for the given URL. Pure predicate; evaluated by upstream flows
// before dispatch.
func CheckForIntervention(rawURL string, traits params.Map) bool {
	if len(traits) == 0 {
		return false
	}

	full := canon(rawURL)
	var host, path string
	if u, err := url.Parse(rawURL); err == nil {
		host = canon(u.Hostname())
		path = canon(u.Path)
		if host == "" {
			// Bare hosts parse into Path.
			host = canon(strings.SplitN(u.Path, "/", 2)[0])
		}
	}

	return matchRules(traits, full, host, path)
}

func matchRules(rules params.Map, full, host, path string) bool {
	for key, value := range rules {
		lowerKey := canon(key)
		if _, ok := flagKeys[lowerKey]; ok && value.Truthy() {
			return true
		}
		switch {
		case domainKeyRe.MatchString(key):
			for _, v := range stringValues(value) {
				if v != "" && strings.HasSuffix(host, canon(v)) {
					return true
				}
			}
		case pathKeyRe.MatchString(key):
			for _, v := range stringValues(value) {
				if v != "" && strings.Contains(path, canon(v)) {
					return true
				}
			}
		case keywordKeyRe.MatchString(key):
			for _, v := range stringValues(value) {
				if v != "" && strings.Contains(full, canon(v)) {
					return true
				}
			}
		case rulesKeyRe.MatchString(key):
			if matchNested(value, full, host, path) {
				return true
			}
		}
	}
	return false
}

// matchNested walks an interventionRules subtree, which may be a mapping or a
// sequence of mappings, applying the same rule logic recursively.
func matchNested(v params.Value, full, host, path string) bool {
	switch v.Kind() {
	case params.KindObject:
		return matchRules(v.Fields(), full, host, path)
	case params.KindArray:
		for _, elem := range v.Elems() {
			if matchNested(elem, full, host, path) {
				return true
			}
		}
	}
	return false
}

// stringValues flattens a rule value into its string leaves: a bare string,
// a sequence of strings, or any nesting of the two.
func stringValues(v params.Value) []string {
	switch v.Kind() {
	case params.KindString:
		s, _ := v.AsString()
		return []string{s}
	case params.KindArray:
		var out []string
		for _, elem := range v.Elems() {
			out = append(out, stringValues(elem)...)
		}
		return out
	case params.KindObject:
		var out []string
		for _, key := range v.Keys() {
			field, _ := v.Field(key)
			out = append(out, stringValues(field)...)
		}
		return out
	}
	return nil
}
