// Package rules implements the declarative masking rule model: rule files,
// the collection-to-rule-file mapping, dotted path compilation and load-time
// validation. A loaded RuleSet is immutable for the lifetime of a run and is
// safely shared across workers.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Sentinel errors for the load-time failure modes.
var (
	// ErrConfigNotFound indicates a missing mapping or rule file, or a
	// collection absent from the mapping.
	ErrConfigNotFound = errors.New("rule configuration not found")

	// ErrInvalidRule indicates an unknown rule type, a malformed path, or
	// unusable options.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrAmbiguousRuleOrder indicates two rules targeting the same path.
	ErrAmbiguousRuleOrder = errors.New("ambiguous rule order")
)

// Type enumerates the closed set of masking rule types.
type Type string

const (
	TypeFullName      Type = "fullName"
	TypeGivenName     Type = "givenName"
	TypeFamilyName    Type = "familyName"
	TypeEmail         Type = "email"
	TypePhone         Type = "phone"
	TypeFax           Type = "fax"
	TypeSSN           Type = "ssn"
	TypeStreetAddress Type = "streetAddress"
	TypeCity          Type = "city"
	TypeStateCode     Type = "stateCode"
	TypeZip           Type = "zip"
	TypeDOB           Type = "dob"
	TypeUserName      Type = "userName"
	TypeFreeText      Type = "freeText"
	TypeIDToken       Type = "idToken"
	TypeLiteral       Type = "literal"
)

var knownTypes = map[Type]struct{}{
	TypeFullName: {}, TypeGivenName: {}, TypeFamilyName: {}, TypeEmail: {},
	TypePhone: {}, TypeFax: {}, TypeSSN: {}, TypeStreetAddress: {},
	TypeCity: {}, TypeStateCode: {}, TypeZip: {}, TypeDOB: {},
	TypeUserName: {}, TypeFreeText: {}, TypeIDToken: {}, TypeLiteral: {},
}

// KnownType reports whether t names a supported rule type.
func KnownType(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Segment is one compiled element of a dotted path. Each=true means the
// field holds an array and the remainder of the path (possibly empty)
// applies to every element.
type Segment struct {
	Field string
	Each  bool
}

// CompilePath parses a dotted address such as "contacts[*].email" into
// segments. The "[*]" marker may only appear as a suffix on a field name.
func CompilePath(path string) ([]Segment, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidRule)
	}
	parts := strings.Split(path, ".")
	segs := make([]Segment, 0, len(parts))
	for _, part := range parts {
		each := false
		if strings.HasSuffix(part, "[*]") {
			each = true
			part = strings.TrimSuffix(part, "[*]")
		}
		if part == "" {
			return nil, fmt.Errorf("%w: path %q has an empty segment", ErrInvalidRule, path)
		}
		if strings.ContainsAny(part, "[]") {
			return nil, fmt.Errorf("%w: path %q: only [*] array segments are supported", ErrInvalidRule, path)
		}
		segs = append(segs, Segment{Field: part, Each: each})
	}
	return segs, nil
}

// Options carries the type-specific rule knobs. Unknown keys in the rule
// file are rejected at load time.
type Options struct {
	// Jitter is the date-shift half-window in days for dob rules
	// (default 180).
	Jitter int `json:"jitter,omitempty"`

	// Patterns are the regular expressions scrubbed by freeText rules.
	Patterns []string `json:"patterns,omitempty"`

	// Value is the replacement for literal rules.
	Value any `json:"value,omitempty"`

	// PreserveNull returns nulls unchanged instead of masking them.
	PreserveNull bool `json:"preserveNull,omitempty"`

	// PreserveEmpty returns empty strings unchanged.
	PreserveEmpty bool `json:"preserveEmpty,omitempty"`

	// CaseInsensitive makes freeText patterns case-insensitive.
	CaseInsensitive bool `json:"caseInsensitive,omitempty"`
}

// Condition is an optional presence/value predicate evaluated against the
// document before a rule applies.
type Condition struct {
	Path string `json:"path"`

	// Exists, when set, requires the path be present (true) or absent (false).
	Exists *bool `json:"exists,omitempty"`

	// Equals, when set, requires the value at Path to equal this value.
	Equals any `json:"equals,omitempty"`

	// CaseInsensitive compares Equals case-insensitively for strings.
	CaseInsensitive bool `json:"caseInsensitive,omitempty"`

	// Segments is the compiled form of Path.
	Segments []Segment `json:"-"`
}

// Rule is a single declarative transform bound to a dotted path.
type Rule struct {
	Path      string     `json:"path"`
	Type      Type       `json:"type"`
	Options   Options    `json:"options,omitempty"`
	Condition *Condition `json:"condition,omitempty"`

	// Segments is the compiled form of Path.
	Segments []Segment `json:"-"`

	// Patterns is the compiled form of Options.Patterns for freeText rules.
	Patterns []*regexp.Regexp `json:"-"`
}

// compile validates the rule and fills its derived fields.
func (r *Rule) compile() error {
	if !KnownType(r.Type) {
		return fmt.Errorf("%w: unknown type %q at path %q", ErrInvalidRule, r.Type, r.Path)
	}

	segs, err := CompilePath(r.Path)
	if err != nil {
		return err
	}
	r.Segments = segs

	if r.Type == TypeFreeText {
		if len(r.Options.Patterns) == 0 {
			return fmt.Errorf("%w: freeText rule at %q has no patterns", ErrInvalidRule, r.Path)
		}
		for _, p := range r.Options.Patterns {
			if r.Options.CaseInsensitive {
				p = "(?i)" + p
			}
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("%w: freeText pattern %q at %q: %v", ErrInvalidRule, p, r.Path, err)
			}
			r.Patterns = append(r.Patterns, re)
		}
	}

	if r.Type == TypeLiteral && r.Options.Value == nil {
		return fmt.Errorf("%w: literal rule at %q has no options.value", ErrInvalidRule, r.Path)
	}

	if r.Condition != nil {
		if r.Condition.Path == "" {
			return fmt.Errorf("%w: condition at %q has no path", ErrInvalidRule, r.Path)
		}
		condSegs, err := CompilePath(r.Condition.Path)
		if err != nil {
			return err
		}
		for _, s := range condSegs {
			if s.Each {
				return fmt.Errorf("%w: condition path %q may not contain [*]", ErrInvalidRule, r.Condition.Path)
			}
		}
		r.Condition.Segments = condSegs
	}

	return nil
}

// RuleSet is the ordered list of rules bound to one collection.
type RuleSet struct {
	Collection string
	Rules      []*Rule
}

// PHIPaths returns the sorted union of rule paths, used to classify
// document complexity cheaply.
func (rs *RuleSet) PHIPaths() []string {
	paths := make([]string, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		paths = append(paths, r.Path)
	}
	sort.Strings(paths)
	return paths
}

// validate compiles every rule and rejects duplicate paths.
func (rs *RuleSet) validate() error {
	seen := make(map[string]struct{}, len(rs.Rules))
	for _, r := range rs.Rules {
		if err := r.compile(); err != nil {
			return err
		}
		if _, dup := seen[r.Path]; dup {
			return fmt.Errorf("%w: path %q is targeted by more than one rule", ErrAmbiguousRuleOrder, r.Path)
		}
		seen[r.Path] = struct{}{}
	}
	return nil
}
