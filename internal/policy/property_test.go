package policy

import (
	"context"
	"testing"

	"pgregory.net/rapid"
)

// TestSpecificityMonotonicInActorMatch checks that adding an actor match to
// an otherwise-identical rule never decreases its score, and strictly
// increases it when the base rule had no actor constraint.
func TestSpecificityMonotonicInActorMatch(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		actor := rapid.StringMatching(`[a-z]{1,8}`).Draw(rt, "actor")
		pattern := rapid.StringMatching(`[a-z]{1,12}\*?`).Draw(rt, "pattern")

		base := Rule{ToolPattern: pattern}
		withActor := Rule{ToolPattern: pattern, Actor: actor}
		in := Input{ActorID: actor, ToolName: actor + "_tool"}

		if specificity(withActor, in) <= specificity(base, in) {
			rt.Fatalf("actor-scoped rule did not outscore unscoped rule: %d <= %d", specificity(withActor, in), specificity(base, in))
		}
	})
}

// TestDecideAlwaysPicksHighestScore checks Decide's result always matches
// the rule with the maximal specificity score among matching candidates,
// for randomly generated rule sets and inputs.
func TestDecideAlwaysPicksHighestScore(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		toolName := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "tool")
		n := rapid.IntRange(1, 6).Draw(rt, "n")

		var rules []Rule
		for i := 0; i < n; i++ {
			rules = append(rules, Rule{
				ID:          rapid.StringMatching(`r[0-9]{1,3}`).Draw(rt, "id"),
				ToolPattern: rapid.SampledFrom([]string{toolName, toolName[:1] + "*", "*"}).Draw(rt, "pattern"),
				Decision:    rapid.SampledFrom([]Decision{DecisionAllow, DecisionDeny, DecisionRequireApproval}).Draw(rt, "decision"),
				Priority:    rapid.IntRange(0, 10).Draw(rt, "priority"),
			})
		}

		in := Input{ToolName: toolName, DefaultDecision: DecisionAllow}
		e := New(rules)
		res, err := e.Decide(context.Background(), in)
		if err != nil {
			rt.Fatalf("decide: %v", err)
		}

		best := -1
		var bestRule *Rule
		for i := range rules {
			if !rules[i].matches(in) {
				continue
			}
			score := specificity(rules[i], in)
			if score > best {
				best = score
				bestRule = &rules[i]
			}
		}
		if bestRule == nil {
			if res.Decision != in.DefaultDecision {
				rt.Fatalf("expected default decision with no matches, got %v", res.Decision)
			}
			return
		}
		if res.MatchedID == "" {
			rt.Fatalf("expected a matched rule, got none")
		}
		if res.MatchedID != bestRule.ID || res.Decision != bestRule.Decision {
			rt.Fatalf("expected rule %s (%v, score %d), got %s (%v)", bestRule.ID, bestRule.Decision, best, res.MatchedID, res.Decision)
		}
	})
}
