package router

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvandervelde/queue-keeper/pkg/types"
)

func strPtr(s string) *string { return &s }

func TestMatchesEventsWildcard(t *testing.T) {
	patterns := []types.EventPatternToken{{Event: "*"}}
	assert.True(t, matchesEvents(types.EventType{Event: "pull_request"}, patterns))
}

func TestMatchesEventsActionFilter(t *testing.T) {
	patterns := []types.EventPatternToken{{Event: "pull_request", Action: "opened"}}
	assert.True(t, matchesEvents(types.EventType{Event: "pull_request", Action: strPtr("opened")}, patterns))
	assert.False(t, matchesEvents(types.EventType{Event: "pull_request", Action: strPtr("closed")}, patterns))
}

func TestMatchesEventsExclusionWins(t *testing.T) {
	patterns := []types.EventPatternToken{
		{Event: "pull_request", Action: "*"},
		{Event: "pull_request", Action: "closed", Exclude: true},
	}
	assert.True(t, matchesEvents(types.EventType{Event: "pull_request", Action: strPtr("opened")}, patterns))
	assert.False(t, matchesEvents(types.EventType{Event: "pull_request", Action: strPtr("closed")}, patterns))
}

func TestMatchesEventsEmptyPatternListMatchesNothing(t *testing.T) {
	assert.False(t, matchesEvents(types.EventType{Event: "pull_request"}, nil))
}

func TestEvaluateFilterExact(t *testing.T) {
	f := types.RepositoryFilter{Kind: types.FilterExact, Owner: "acme", Name: "widgets"}
	assert.True(t, EvaluateFilter(f, types.Repository{Owner: "acme", Name: "widgets"}))
	assert.False(t, EvaluateFilter(f, types.Repository{Owner: "acme", Name: "gizmos"}))
}

func TestEvaluateFilterAnyOfAllOf(t *testing.T) {
	f := types.RepositoryFilter{
		Kind: types.FilterAnyOf,
		Filters: []types.RepositoryFilter{
			{Kind: types.FilterOwner, Owner: "acme"},
			{Kind: types.FilterOwner, Owner: "beta"},
		},
	}
	assert.True(t, EvaluateFilter(f, types.Repository{Owner: "beta", Name: "x"}))
	assert.False(t, EvaluateFilter(f, types.Repository{Owner: "gamma", Name: "x"}))

	all := types.RepositoryFilter{
		Kind: types.FilterAllOf,
		Filters: []types.RepositoryFilter{
			{Kind: types.FilterOwner, Owner: "acme"},
			{Kind: types.FilterNamePattern, Pattern: "^acme/widgets-.*$"},
		},
	}
	assert.True(t, EvaluateFilter(all, types.Repository{Owner: "acme", Name: "widgets-core", FullName: "acme/widgets-core"}))
	assert.False(t, EvaluateFilter(all, types.Repository{Owner: "acme", Name: "other", FullName: "acme/other"}))
}

func TestSessionKeyDerivation(t *testing.T) {
	env := &types.Envelope{
		Repository: types.Repository{Owner: "acme", Name: "widgets"},
		Entity:     types.Entity{Type: types.EntityPullRequest, ID: "42"},
	}

	repoScoped := types.BotSubscription{Ordered: true, OrderingScope: types.OrderRepository}
	repoKey := sessionKey(env, repoScoped)
	assert.Equal(t, "acme/widgets/repository/all", repoKey)
	assert.True(t, types.SessionKeyPattern.MatchString(repoKey))

	entityScoped := types.BotSubscription{Ordered: true, OrderingScope: types.OrderEntity}
	entityKey := sessionKey(env, entityScoped)
	assert.Equal(t, "acme/widgets/pull_request/42", entityKey)
	assert.True(t, types.SessionKeyPattern.MatchString(entityKey))

	unordered := types.BotSubscription{Ordered: false}
	assert.Equal(t, "", sessionKey(env, unordered))
}

// TestSessionKeyRejectsNonConformingEntityType asserts the shape
// safety net: an entity type the pattern doesn't enumerate must never
// reach the publisher as a session key, even though it would otherwise
// be a syntactically plausible four-segment string.
func TestSessionKeyRejectsNonConformingEntityType(t *testing.T) {
	env := &types.Envelope{
		Repository: types.Repository{Owner: "acme", Name: "widgets"},
		Entity:     types.Entity{Type: types.EntityType("unrecognised"), ID: "1"},
	}
	sub := types.BotSubscription{Ordered: true, OrderingScope: types.OrderEntity}
	assert.Equal(t, "", sessionKey(env, sub))
}

// TestSessionKeyUnknownEntityFallsBackToRepositoryScope covers events
// outside the entity mapping table: entity-ordered bots still get a
// repository-scoped key instead of unordered fan-out.
func TestSessionKeyUnknownEntityFallsBackToRepositoryScope(t *testing.T) {
	env := &types.Envelope{
		Repository: types.Repository{Owner: "acme", Name: "widgets"},
		Entity:     types.Entity{Type: types.EntityOther, Ref: "star"},
	}
	sub := types.BotSubscription{Ordered: true, OrderingScope: types.OrderEntity}
	assert.Equal(t, "acme/widgets/repository/all", sessionKey(env, sub))
}

func TestRouteEndToEnd(t *testing.T) {
	env := &types.Envelope{
		Repository: types.Repository{Owner: "acme", Name: "widgets"},
		Entity:     types.Entity{Type: types.EntityPullRequest, ID: "42"},
		EventType:  types.EventType{Event: "pull_request", Action: strPtr("opened")},
	}
	subs := []types.BotSubscription{
		{
			Name:          "ci-bot",
			Queue:         "ci-queue",
			Events:        []types.EventPatternToken{{Event: "pull_request", Action: "*"}},
			Ordered:       true,
			OrderingScope: types.OrderEntity,
		},
		{
			Name:   "issue-bot",
			Queue:  "issue-queue",
			Events: []types.EventPatternToken{{Event: "issues", Action: "*"}},
		},
	}

	targets := Route(env, subs)
	require.Len(t, targets, 1)
	assert.Equal(t, "ci-bot", targets[0].Bot)
	assert.Equal(t, "acme/widgets/pull_request/42", targets[0].SessionKey)
}

// TestSessionKeyDeterministic is a property test: for all envelopes with
// the same repository/entity and an entity-scoped ordered bot, the
// derived session key is a pure function of the envelope (required so
// repeated delivery of the same logical event always lands in the same
// ordering group).
func TestSessionKeyDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	sub := types.BotSubscription{Ordered: true, OrderingScope: types.OrderEntity}

	properties.Property("session key is deterministic for identical inputs", prop.ForAll(
		func(owner, name, entityID string) bool {
			env := &types.Envelope{
				Repository: types.Repository{Owner: owner, Name: name},
				Entity:     types.Entity{Type: types.EntityPullRequest, ID: entityID},
			}
			a := sessionKey(env, sub)
			b := sessionKey(env, sub)
			want := fmt.Sprintf("%s/%s/pull_request/%s", owner, name, entityID)
			if entityID == "" {
				// An entity-scoped bot with no entity id falls back to
				// the repository-scope key.
				want = fmt.Sprintf("%s/%s/repository/all", owner, name)
			}
			if !types.SessionKeyPattern.MatchString(want) {
				// gen.AlphaString() can produce empty strings; a key
				// with an empty owner or name segment does not conform
				// and is dropped.
				want = ""
			}
			return a == b && a == want
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
