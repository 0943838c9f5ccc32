// Package policy implements the Access Policy evaluator: given a task's
// actor, client, and resolved tool, it selects the most specific matching
// rule and returns its decision (allow, deny, or require_approval).
//
// Specificity is a numeric score across four factors: an actor match adds 4,
// a client match adds 2, the tool-name pattern contributes
// max(1, len(pattern without '*')), and the rule's own Priority is added on
// top. The highest-scoring matching rule wins; equal scores go to the rule
// declared first. When no rule matches, the tool's own
// ApprovalMode supplies the default decision.
package policy

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrNotFound is returned when a policy lookup misses.
var ErrNotFound = errors.New("policy not found")

// Decision is the outcome of evaluating a task against a workspace's rules.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// worse reports whether a is a stricter decision than b (deny is the
// strictest, then require_approval, then allow). Used to combine
// sub-operation decisions (spec.md's GraphQL decomposition: worst wins).
func worse(a, b Decision) bool {
	rank := map[Decision]int{DecisionAllow: 0, DecisionRequireApproval: 1, DecisionDeny: 2}
	return rank[a] > rank[b]
}

// Combine returns the strictest of the given decisions, or DecisionAllow if
// decisions is empty.
func Combine(decisions ...Decision) Decision {
	result := DecisionAllow
	for _, d := range decisions {
		if worse(d, result) {
			result = d
		}
	}
	return result
}

// Rule is a single Access Policy entry. Rules are evaluated for every
// candidate and the highest-scoring match wins; see Engine.Decide.
type Rule struct {
	// ID identifies the rule for audit/event detail.
	ID string
	// Actor matches Input.ActorID exactly when non-empty. Empty matches any
	// actor.
	Actor string
	// Client matches Input.ClientID exactly when non-empty. Empty matches
	// any client.
	Client string
	// ToolPattern matches Input.ToolName. A trailing '*' matches any suffix
	// (e.g. "github.*" matches "github.search_issues"); otherwise it must
	// equal ToolName exactly.
	ToolPattern string
	// Decision is applied when this rule is the winning match.
	Decision Decision
	// Priority breaks ties between equally-specific rules and is added
	// directly into the specificity score.
	Priority int
}

// matches reports whether r applies to in.
func (r Rule) matches(in Input) bool {
	if r.Actor != "" && r.Actor != in.ActorID {
		return false
	}
	if r.Client != "" && r.Client != in.ClientID {
		return false
	}
	return matchPattern(r.ToolPattern, in.ToolName)
}

func matchPattern(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

// specificity computes the score described in the package doc: actor-match
// +4, client-match +2, pattern specificity (length of the pattern with
// wildcards stripped, minimum 1), plus the rule's Priority.
func specificity(r Rule, in Input) int {
	score := 0
	if r.Actor != "" && r.Actor == in.ActorID {
		score += 4
	}
	if r.Client != "" && r.Client == in.ClientID {
		score += 2
	}
	stripped := strings.TrimSuffix(r.ToolPattern, "*")
	patternScore := len(stripped)
	if patternScore < 1 {
		patternScore = 1
	}
	score += patternScore
	score += r.Priority
	return score
}

// Input describes the task being evaluated against a workspace's rules.
type Input struct {
	ActorID  string
	ClientID string
	ToolName string
	// DefaultDecision is applied when no rule matches; derived from the
	// resolved tool's own approval mode.
	DefaultDecision Decision
}

// Result is the outcome of Decide: the winning decision plus the rule that
// produced it (MatchedID is empty when no rule matched and DefaultDecision
// was used).
type Result struct {
	Decision  Decision
	MatchedID string
}

// Engine evaluates an ordered set of Rules against an Input and returns the
// highest-specificity match.
type Engine struct {
	rules []Rule
}

// New constructs an Engine over the given rules. Rule order is preserved for
// score-tie resolution: earlier rules in the slice win ties.
func New(rules []Rule) *Engine {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Engine{rules: cp}
}

// Decide returns the decision produced by the most specific matching rule,
// or in.DefaultDecision if no rule matches.
func (e *Engine) Decide(_ context.Context, in Input) (Result, error) {
	type scored struct {
		rule  Rule
		score int
		index int
	}
	var candidates []scored
	for i, r := range e.rules {
		if r.matches(in) {
			candidates = append(candidates, scored{rule: r, score: specificity(r, in), index: i})
		}
	}
	if len(candidates) == 0 {
		return Result{Decision: in.DefaultDecision}, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].index < candidates[j].index
	})
	winner := candidates[0]
	return Result{Decision: winner.rule.Decision, MatchedID: winner.rule.ID}, nil
}
