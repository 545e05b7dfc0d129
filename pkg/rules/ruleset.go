// Package rules parses deployment rules and resolves the transfer actions a
// file needs at a given pipeline step.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/poltergeist/deployer/pkg/types"
)

type compiledRule struct {
	rule types.DeployRule
	re   *regexp.Regexp
}

// RuleSet is an ordered, read-only collection of rules. Evaluation order
// is ascending (SourceFile, SourceLine).
type RuleSet struct {
	rules []compiledRule
}

// NewRuleSet compiles and orders rules. Rules whose pattern does not
// compile are dropped and reported.
func NewRuleSet(rules []types.DeployRule) (*RuleSet, ParseErrors) {
	ordered := make([]types.DeployRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].SourceFile != ordered[j].SourceFile {
			return ordered[i].SourceFile < ordered[j].SourceFile
		}
		return ordered[i].SourceLine < ordered[j].SourceLine
	})

	rs := &RuleSet{rules: make([]compiledRule, 0, len(ordered))}
	var errs ParseErrors
	for _, r := range ordered {
		re, err := CompilePattern(r.Pattern)
		if err != nil {
			errs = append(errs, &types.ParseError{
				SourceFile: r.SourceFile,
				SourceLine: r.SourceLine,
				Message:    fmt.Sprintf("malformed pattern %q: %v", r.Pattern, err),
			})
			continue
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, re: re})
	}
	return rs, errs
}

// Load parses every rule file and builds a RuleSet from the rules that
// parsed. The returned error is a ParseErrors when only rules were
// malformed, so callers may still use the set.
func Load(paths ...string) (*RuleSet, error) {
	var all []types.DeployRule
	var errs ParseErrors

	for _, path := range paths {
		rules, perrs, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, rules...)
		errs = append(errs, perrs...)
	}

	rs, cerrs := NewRuleSet(all)
	errs = append(errs, cerrs...)
	if len(errs) > 0 {
		return rs, errs
	}
	return rs, nil
}

// IsParseErrors reports whether err only carries malformed-rule errors
func IsParseErrors(err error) (ParseErrors, bool) {
	var pe ParseErrors
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Rules returns the rules in evaluation order
func (rs *RuleSet) Rules() []types.DeployRule {
	out := make([]types.DeployRule, 0, len(rs.rules))
	for _, cr := range rs.rules {
		out = append(out, cr.rule)
	}
	return out
}

// Len returns the number of rules
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Match returns the rules that apply to path at step, honoring stop flags
func (rs *RuleSet) Match(path string, step types.PipelineStep) []types.DeployRule {
	path = NormalizePath(path)
	return rs.match(step, func(re *regexp.Regexp) bool {
		return re.MatchString(path)
	})
}

// MatchesAny reports whether at least one rule at any step matches path
func (rs *RuleSet) MatchesAny(path string) bool {
	path = NormalizePath(path)
	for _, cr := range rs.rules {
		if cr.re.MatchString(path) {
			return true
		}
	}
	return false
}

func (rs *RuleSet) match(step types.PipelineStep, matches func(*regexp.Regexp) bool) []types.DeployRule {
	var out []types.DeployRule
	for _, cr := range rs.rules {
		if !cr.rule.Step.Matches(step) {
			continue
		}
		if !matches(cr.re) {
			continue
		}
		out = append(out, cr.rule)
		if !cr.rule.ContinueEvaluating {
			break
		}
	}
	return out
}
