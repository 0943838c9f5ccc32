package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecideExactToolBeatsWildcard(t *testing.T) {
	e := New([]Rule{
		{ID: "wildcard", ToolPattern: "github.*", Decision: DecisionRequireApproval},
		{ID: "exact", ToolPattern: "github.delete_repo", Decision: DecisionDeny},
	})
	res, err := e.Decide(context.Background(), Input{ToolName: "github.delete_repo", DefaultDecision: DecisionAllow})
	require.NoError(t, err)
	require.Equal(t, DecisionDeny, res.Decision)
	require.Equal(t, "exact", res.MatchedID)
}

func TestDecideActorMatchVersusPatternLength(t *testing.T) {
	e := New([]Rule{
		{ID: "by-pattern", ToolPattern: "github.delete_repo", Decision: DecisionDeny},
		{ID: "by-actor", Actor: "actor_1", ToolPattern: "github.*", Decision: DecisionAllow},
	})
	// "by-pattern" scores len("github.delete_repo")=18; "by-actor" scores
	// 4 (actor match) + len("github.")=7 = 11. Pattern length still wins
	// here since it is the larger factor for a long exact pattern; use a
	// shorter pattern below to exercise the actor-match boost.
	res, err := e.Decide(context.Background(), Input{ActorID: "actor_1", ToolName: "github.delete_repo", DefaultDecision: DecisionAllow})
	require.NoError(t, err)
	require.Equal(t, "by-pattern", res.MatchedID)
	_ = res

	e2 := New([]Rule{
		{ID: "by-pattern-short", ToolPattern: "g*", Decision: DecisionDeny},
		{ID: "by-actor-2", Actor: "actor_1", ToolPattern: "g*", Decision: DecisionAllow},
	})
	res2, err := e2.Decide(context.Background(), Input{ActorID: "actor_1", ToolName: "github.delete_repo", DefaultDecision: DecisionAllow})
	require.NoError(t, err)
	require.Equal(t, "by-actor-2", res2.MatchedID)
}

func TestDecideNoMatchUsesDefault(t *testing.T) {
	e := New([]Rule{{ID: "other", ToolPattern: "slack.*", Decision: DecisionDeny}})
	res, err := e.Decide(context.Background(), Input{ToolName: "github.search_issues", DefaultDecision: DecisionRequireApproval})
	require.NoError(t, err)
	require.Equal(t, DecisionRequireApproval, res.Decision)
	require.Empty(t, res.MatchedID)
}

func TestDecidePriorityBreaksScoreTie(t *testing.T) {
	e := New([]Rule{
		{ID: "low-priority", ToolPattern: "github.delete_repo", Decision: DecisionAllow, Priority: 0},
		{ID: "high-priority", ToolPattern: "github.delete_repo", Decision: DecisionDeny, Priority: 5},
	})
	res, err := e.Decide(context.Background(), Input{ToolName: "github.delete_repo", DefaultDecision: DecisionAllow})
	require.NoError(t, err)
	require.Equal(t, "high-priority", res.MatchedID)
}

func TestCombineReturnsStrictest(t *testing.T) {
	require.Equal(t, DecisionDeny, Combine(DecisionAllow, DecisionRequireApproval, DecisionDeny))
	require.Equal(t, DecisionRequireApproval, Combine(DecisionAllow, DecisionRequireApproval))
	require.Equal(t, DecisionAllow, Combine())
}

func TestMatchPattern(t *testing.T) {
	require.True(t, matchPattern("github.*", "github.search_issues"))
	require.False(t, matchPattern("github.*", "slack.search"))
	require.True(t, matchPattern("*", "anything"))
	require.True(t, matchPattern("exact", "exact"))
	require.False(t, matchPattern("exact", "exactish"))
}
