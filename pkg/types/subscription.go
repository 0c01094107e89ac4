package types

import "regexp"

// OrderingScope determines how a bot's session key is derived.
type OrderingScope string

const (
	OrderNone       OrderingScope = "none"
	OrderEntity     OrderingScope = "entity"
	OrderRepository OrderingScope = "repository"
)

// RepoFilterKind discriminates the RepositoryFilter recursive sum type.
type RepoFilterKind string

const (
	FilterExact       RepoFilterKind = "exact"
	FilterOwner       RepoFilterKind = "owner"
	FilterNamePattern RepoFilterKind = "name_pattern"
	FilterAnyOf       RepoFilterKind = "any_of"
	FilterAllOf       RepoFilterKind = "all_of"
)

// RepositoryFilter is a recursive tagged tree evaluated by a single
// recursive visitor (internal/router.EvaluateFilter); no pointer cycles.
type RepositoryFilter struct {
	Kind RepoFilterKind `yaml:"kind"`

	Owner string `yaml:"owner,omitempty"` // exact, owner
	Name  string `yaml:"name,omitempty"`  // exact

	Pattern  string         `yaml:"pattern,omitempty"` // name_pattern
	compiled *regexp.Regexp `yaml:"-"`

	Filters []RepositoryFilter `yaml:"filters,omitempty"` // any_of, all_of
}

// Compiled returns the compiled regexp for a name_pattern filter, compiling
// it lazily and caching the result.
func (f *RepositoryFilter) Compiled() (*regexp.Regexp, error) {
	if f.compiled != nil {
		return f.compiled, nil
	}
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return nil, err
	}
	f.compiled = re
	return re, nil
}

// EventPatternToken is a single inclusion or exclusion token in a bot's
// event pattern set, e.g. "pull_request.*" or "!issues.deleted".
type EventPatternToken struct {
	Exclude bool
	Event   string // "*" matches any event
	Action  string // "*" or empty matches any action
}

// BotSubscription is a process-wide, immutable subscription entry loaded
// from the bot-subscription configuration document.
type BotSubscription struct {
	Name                  string
	Queue                 string
	Events                []EventPatternToken
	Ordered               bool
	OrderingScope         OrderingScope
	RepositoryFilter      *RepositoryFilter
	Settings              map[string]interface{}
	MaxConcurrentSessions int
}

// NamePattern validates a bot subscription name: 1-64 chars, alphanumeric
// and hyphen, no leading/trailing/consecutive hyphen.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9]+(-[A-Za-z0-9]+)*$`)

// ValidName reports whether name satisfies the bot subscription naming
// invariant.
func ValidName(name string) bool {
	if len(name) == 0 || len(name) > 64 {
		return false
	}
	return NamePattern.MatchString(name)
}

// RouteTarget is the result of matching one bot against one envelope: the
// bot name, its queue, and the derived session key (if any).
type RouteTarget struct {
	Bot        string
	Queue      string
	SessionKey string
}
