package mapping

import (
	"fmt"
	"strings"

	"faceforge/internal/engine"
)

// SourceRole names one of the two photos in a source pair.
type SourceRole string

const (
	RoleFirst  SourceRole = "first"
	RoleSecond SourceRole = "second"
)

// Rule assigns one face of a source photo to one template face slot.
type Rule struct {
	SourceRole      SourceRole `json:"source_role"`
	SourceFaceIndex int        `json:"source_face_index"`
	TargetFaceIndex int        `json:"target_face_index"`
}

// Spec is the caller's mapping request: either explicit rules or the
// gender-based default. Rules take precedence when both are set.
type Spec struct {
	UseDefault bool   `json:"use_default"`
	Rules      []Rule `json:"rules,omitempty"`
}

// Resolved is a validated, concrete rule list for one template. Every
// TargetFaceIndex is guaranteed to exist in the template's faces.
type Resolved struct {
	Rules []Rule `json:"rules"`
}

// Error carries every violation found while resolving, not just the
// first, so callers can report the full rule list back to the user.
type Error struct {
	Violations []string
}

func (e *Error) Error() string {
	return "invalid face mapping: " + strings.Join(e.Violations, "; ")
}

func newError(violations ...string) *Error {
	return &Error{Violations: violations}
}

// Resolve turns a mapping spec into a concrete rule list for a
// template with the given detected faces. preprocessed reports whether
// the template's preprocessing has completed; the default mapping
// depends on gender data and is refused without it.
//
// Explicit rules are validated exhaustively. A target face addressed
// by rules from different sources is ambiguous and rejected; the same
// source fanning out to several targets is allowed. With the default
// mapping, faces are partitioned by gender (first source covers male
// faces, second covers female); when either group is empty the
// assignment falls back to positional order and any remaining template
// faces are left untouched.
func Resolve(faces []engine.FaceObservation, preprocessed bool, spec Spec) (Resolved, error) {
	if len(spec.Rules) > 0 {
		return resolveExplicit(faces, spec.Rules)
	}
	if spec.UseDefault {
		return resolveDefault(faces, preprocessed)
	}
	return Resolved{}, newError("no mapping source specified")
}

func resolveExplicit(faces []engine.FaceObservation, rules []Rule) (Resolved, error) {
	var violations []string

	type source struct {
		role SourceRole
		face int
		rule int
	}
	targets := make(map[int]source)

	for i, r := range rules {
		if r.SourceRole != RoleFirst && r.SourceRole != RoleSecond {
			violations = append(violations,
				fmt.Sprintf("rule %d: source role %q must be %q or %q", i, r.SourceRole, RoleFirst, RoleSecond))
		}
		if r.SourceFaceIndex < 0 {
			violations = append(violations,
				fmt.Sprintf("rule %d: source face index %d must be >= 0", i, r.SourceFaceIndex))
		}
		if r.TargetFaceIndex < 0 || r.TargetFaceIndex >= len(faces) {
			violations = append(violations,
				fmt.Sprintf("rule %d: target face index %d outside template's %d face(s)", i, r.TargetFaceIndex, len(faces)))
		}

		if prev, ok := targets[r.TargetFaceIndex]; ok {
			if prev.role != r.SourceRole || prev.face != r.SourceFaceIndex {
				violations = append(violations,
					fmt.Sprintf("rules %d and %d target face %d from different sources", prev.rule, i, r.TargetFaceIndex))
			}
		} else {
			targets[r.TargetFaceIndex] = source{role: r.SourceRole, face: r.SourceFaceIndex, rule: i}
		}
	}

	if len(violations) > 0 {
		return Resolved{}, &Error{Violations: violations}
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	return Resolved{Rules: out}, nil
}

func resolveDefault(faces []engine.FaceObservation, preprocessed bool) (Resolved, error) {
	if !preprocessed {
		return Resolved{}, newError("default mapping requires completed preprocessing")
	}
	if len(faces) == 0 {
		return Resolved{}, newError("template has no detected faces")
	}

	var male, female []int
	for _, f := range faces {
		switch f.Gender {
		case engine.GenderMale:
			male = append(male, f.Index)
		case engine.GenderFemale:
			female = append(female, f.Index)
		}
	}

	// Gender partition only works when both sources have somewhere to
	// go; otherwise fall back to positional assignment and leave the
	// remaining faces untouched.
	if len(male) == 0 || len(female) == 0 {
		rules := []Rule{{SourceRole: RoleFirst, SourceFaceIndex: 0, TargetFaceIndex: 0}}
		if len(faces) > 1 {
			rules = append(rules, Rule{SourceRole: RoleSecond, SourceFaceIndex: 0, TargetFaceIndex: 1})
		}
		return Resolved{Rules: rules}, nil
	}

	rules := make([]Rule, 0, len(male)+len(female))
	for _, idx := range male {
		rules = append(rules, Rule{SourceRole: RoleFirst, SourceFaceIndex: 0, TargetFaceIndex: idx})
	}
	for _, idx := range female {
		rules = append(rules, Rule{SourceRole: RoleSecond, SourceFaceIndex: 0, TargetFaceIndex: idx})
	}
	return Resolved{Rules: rules}, nil
}
