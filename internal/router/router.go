// Package router matches a normalised envelope against the bot
// subscription list and derives the fan-out target set: which queues
// receive the event and what session key (if any) each bot assigns it.
package router

import (
	"fmt"
	"strings"

	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// Route evaluates every subscription against the envelope and returns
// the list of targets the publisher should fan out to, in subscription
// order.
func Route(env *types.Envelope, subs []types.BotSubscription) []types.RouteTarget {
	targets := make([]types.RouteTarget, 0, len(subs))
	for _, s := range subs {
		if !matchesEvents(env.EventType, s.Events) {
			continue
		}
		if !matchesRepository(env.Repository, s.RepositoryFilter) {
			continue
		}
		targets = append(targets, types.RouteTarget{
			Bot:        s.Name,
			Queue:      s.Queue,
			SessionKey: sessionKey(env, s),
		})
	}
	return targets
}

// matchesEvents reports whether the event satisfies a bot's pattern
// list: the event must match at least one inclusion token and no
// exclusion token. An empty pattern list matches nothing (a bot with no
// patterns configured is never routed to).
func matchesEvents(evt types.EventType, patterns []types.EventPatternToken) bool {
	included := false
	for _, p := range patterns {
		if !tokenMatches(p, evt) {
			continue
		}
		if p.Exclude {
			return false
		}
		included = true
	}
	return included
}

func tokenMatches(p types.EventPatternToken, evt types.EventType) bool {
	if p.Event != "*" && p.Event != evt.Event {
		return false
	}
	if p.Action == "" || p.Action == "*" {
		return true
	}
	if evt.Action == nil {
		return false
	}
	return p.Action == *evt.Action
}

// matchesRepository evaluates the recursive repository filter tree
// against repo. A nil filter matches every repository.
func matchesRepository(repo types.Repository, filter *types.RepositoryFilter) bool {
	if filter == nil {
		return true
	}
	return EvaluateFilter(*filter, repo)
}

// EvaluateFilter recursively evaluates one filter node against repo.
func EvaluateFilter(f types.RepositoryFilter, repo types.Repository) bool {
	switch f.Kind {
	case types.FilterExact:
		return strings.EqualFold(f.Owner, repo.Owner) && strings.EqualFold(f.Name, repo.Name)
	case types.FilterOwner:
		return strings.EqualFold(f.Owner, repo.Owner)
	case types.FilterNamePattern:
		re, err := f.Compiled()
		if err != nil {
			return false
		}
		return re.MatchString(repo.FullName)
	case types.FilterAnyOf:
		for _, child := range f.Filters {
			if EvaluateFilter(child, repo) {
				return true
			}
		}
		return false
	case types.FilterAllOf:
		for _, child := range f.Filters {
			if !EvaluateFilter(child, repo) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// sessionKey derives a bot's ordering key from the envelope, per its
// ordering scope. Unordered bots get no session key. Every non-empty key
// this function returns must satisfy types.SessionKeyPattern; a key
// that doesn't is dropped rather than handed to the publisher, since an
// unordered fallback is safer than a session id the queue transport may
// reject outright.
func sessionKey(env *types.Envelope, s types.BotSubscription) string {
	if !s.Ordered || s.OrderingScope == types.OrderNone {
		return ""
	}

	var key string
	switch s.OrderingScope {
	case types.OrderRepository:
		// "all" stands in for the id segment the key shape requires: a
		// repository-scoped session has no single entity id, so every
		// event for the repository shares this one constant key.
		key = fmt.Sprintf("%s/%s/repository/all", env.Repository.Owner, env.Repository.Name)
	case types.OrderEntity:
		if env.Entity.ID == "" {
			// An event with no addressable entity (unknown event types
			// map to other with an empty id) still orders within its
			// repository rather than losing ordering entirely.
			key = fmt.Sprintf("%s/%s/repository/all", env.Repository.Owner, env.Repository.Name)
		} else {
			key = fmt.Sprintf("%s/%s/%s/%s", env.Repository.Owner, env.Repository.Name, env.Entity.Type, env.Entity.ID)
		}
	default:
		return ""
	}

	if !types.SessionKeyPattern.MatchString(key) {
		return ""
	}
	return key
}
