// Package provider holds the process-wide registry of provider
// descriptors, built once at startup from configuration and consulted
// read-only by every request thereafter.
package provider

import (
	"fmt"
	"sort"

	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// Registry maps a provider_id path segment to its descriptor.
type Registry struct {
	byID map[string]types.ProviderDescriptor
}

// NewRegistry builds a Registry from a list of descriptors, rejecting
// duplicate IDs. Intended to be called once at startup; a duplicate is a
// configuration error that should abort the process before it serves
// any traffic.
func NewRegistry(descriptors []types.ProviderDescriptor) (*Registry, error) {
	byID := make(map[string]types.ProviderDescriptor, len(descriptors))
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("provider: descriptor missing id (kind=%s)", d.Kind)
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("provider: duplicate provider id %q", d.ID)
		}
		if err := validate(d); err != nil {
			return nil, fmt.Errorf("provider: %s: %w", d.ID, err)
		}
		byID[d.ID] = d
	}
	return &Registry{byID: byID}, nil
}

func validate(d types.ProviderDescriptor) error {
	switch d.Kind {
	case types.ProviderGitHub:
		return nil
	case types.ProviderGeneric:
		switch d.Mode {
		case types.ModeDirect:
			if d.TargetQueue == "" {
				return fmt.Errorf("direct mode requires target_queue")
			}
		case types.ModeWrap:
			if d.FieldExtraction == nil {
				return fmt.Errorf("wrap mode requires field_extraction")
			}
		default:
			return fmt.Errorf("unknown processing mode %q", d.Mode)
		}
		return nil
	default:
		return fmt.Errorf("unknown provider kind %q", d.Kind)
	}
}

// Lookup returns the descriptor for id, or ok=false if no provider is
// registered under that id (the ingress handler returns 404 in that
// case).
func (r *Registry) Lookup(id string) (types.ProviderDescriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// IDs returns the registered provider ids in sorted order, for
// diagnostics and the startup log line.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports how many providers are registered.
func (r *Registry) Len() int { return len(r.byID) }
