// Package acl decides what a viewer may see. Rule sets are static
// configuration loaded at process start; the evaluator itself holds no
// mutable state.
package acl

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// SubjectKind is the level a rule applies at.
type SubjectKind string

const (
	KindAlliance    SubjectKind = "alliance"
	KindCorporation SubjectKind = "corporation"
	KindCharacter   SubjectKind = "character"
)

// Effect is what a matching rule grants or withdraws.
type Effect string

const (
	Include Effect = "include"
	Exclude Effect = "exclude"
)

// Rule matches one subject id at one level.
type Rule struct {
	Kind      SubjectKind `json:"kind"`
	SubjectID int64       `json:"subject_id"`
	Effect    Effect      `json:"effect"`
}

// Viewer is the identity asking for data.
type Viewer struct {
	CharacterID   int64
	CorporationID int64
	AllianceID    int64
	IsContributor bool
}

// Anonymous reports whether the viewer carries no identity at all.
func (v Viewer) Anonymous() bool {
	return v.CharacterID == 0 && v.CorporationID == 0 && v.AllianceID == 0
}

// Evaluator resolves viewers against a fixed rule set.
//
// Precedence is most-specific-wins: rules are evaluated alliance, then
// corporation, then character, and a later (more specific) match
// overrides an earlier one. A character-level include therefore beats an
// alliance-level exclude. When no rule matches, the configured default
// applies; deny is the recommended default.
type Evaluator struct {
	rules        []Rule
	defaultAllow bool
}

// New builds an evaluator over a static rule set.
func New(rules []Rule, defaultAllow bool) (*Evaluator, error) {
	for i, r := range rules {
		switch r.Kind {
		case KindAlliance, KindCorporation, KindCharacter:
		default:
			return nil, fmt.Errorf("acl: rule %d: unknown subject kind %q", i, r.Kind)
		}
		switch r.Effect {
		case Include, Exclude:
		default:
			return nil, fmt.Errorf("acl: rule %d: unknown effect %q", i, r.Effect)
		}
		if r.SubjectID <= 0 {
			return nil, fmt.Errorf("acl: rule %d: subject_id must be positive", i)
		}
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	return &Evaluator{rules: out, defaultAllow: defaultAllow}, nil
}

// Load reads a rule set from a JSON file.
func Load(path string, defaultAllow bool) (*Evaluator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acl: read rules: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("acl: parse rules: %w", err)
	}
	return New(rules, defaultAllow)
}

// evaluationOrder runs least specific to most specific so that the last
// match wins.
var evaluationOrder = []SubjectKind{KindAlliance, KindCorporation, KindCharacter}

// IsPermitted resolves a viewer to an access decision. Pure: the same
// viewer and rule set always yield the same answer.
func (e *Evaluator) IsPermitted(v Viewer) bool {
	allowed := e.defaultAllow
	for _, kind := range evaluationOrder {
		id := v.subjectID(kind)
		if id <= 0 {
			continue
		}
		for _, r := range e.rules {
			if r.Kind == kind && r.SubjectID == id {
				allowed = r.Effect == Include
			}
		}
	}
	return allowed
}

func (v Viewer) subjectID(kind SubjectKind) int64 {
	switch kind {
	case KindAlliance:
		return v.AllianceID
	case KindCorporation:
		return v.CorporationID
	case KindCharacter:
		return v.CharacterID
	default:
		return 0
	}
}

// RedactAttribution decides whether character-level attribution may be
// shown to the viewer. Contributor-scoped detail is shown only to
// viewers that are themselves contributors; everyone else sees
// corporation-level attribution. This sits on top of IsPermitted, it
// does not replace it.
func RedactAttribution(v Viewer) bool {
	return !v.IsContributor
}

// String renders a rule for logs.
func (r Rule) String() string {
	return strings.Join([]string{string(r.Kind), fmt.Sprint(r.SubjectID), string(r.Effect)}, ":")
}
