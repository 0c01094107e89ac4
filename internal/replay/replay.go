// Package replay lets an operator resubmit previously persisted
// deliveries through the same normalise/route/publish path the
// original request took, preserving the original event identity so
// downstream consumers can deduplicate.
package replay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pvandervelde/queue-keeper/internal/normalize"
	"github.com/pvandervelde/queue-keeper/internal/payloadstore"
	"github.com/pvandervelde/queue-keeper/internal/provider"
	"github.com/pvandervelde/queue-keeper/internal/publisher"
	"github.com/pvandervelde/queue-keeper/internal/router"
	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// Runner re-lists and resubmits deliveries stored in the payload store.
type Runner struct {
	Store         payloadstore.Store
	Providers     *provider.Registry
	Subscriptions []types.BotSubscription
	Publisher     *publisher.Publisher
	Log           *logrus.Entry
}

// request is the admin replay endpoint's request body: a time-range
// key-prefix pair, matching the key layout internal/payloadstore uses
// ("year=2024/month=01/day=15").
type request struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Result summarises one replayed delivery.
type Result struct {
	Key     string `json:"key"`
	EventID string `json:"event_id"`
	Error   string `json:"error,omitempty"`
}

// HandleReplay is the gin handler backing POST /admin/replay.
func (r *Runner) HandleReplay(c *gin.Context) {
	var req request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}
	if req.From == "" || req.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to are required"})
		return
	}

	ctx := c.Request.Context()
	keys, err := r.Store.List(ctx, req.From, req.To)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list payload store", "detail": err.Error()})
		return
	}

	results := make([]Result, 0, len(keys))
	for _, key := range keys {
		results = append(results, r.replayOne(ctx, key))
	}

	c.JSON(http.StatusOK, gin.H{"replayed": len(results), "results": results})
}

func (r *Runner) replayOne(ctx context.Context, key string) Result {
	eventID := eventIDFromKey(key)
	result := Result{Key: key, EventID: eventID}

	data, err := r.Store.Get(ctx, key)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	var rec payloadstore.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		result.Error = err.Error()
		return result
	}

	desc, ok := r.Providers.Lookup(rec.ProviderID)
	if !ok {
		result.Error = "provider no longer registered: " + rec.ProviderID
		return result
	}

	signatureValid := true
	env, err := normalize.Normalise(desc, normalize.Request{
		Headers:        rec.Headers,
		Body:           rec.Body,
		SignatureValid: &signatureValid,
		ReceivedAt:     time.Now(),
		EventID:        eventID,
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	env.Metadata.IsReplay = true

	targets := r.route(desc, env)
	outcomes := r.Publisher.PublishAll(ctx, env, targets)

	routedTo := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil {
			routedTo = append(routedTo, o.Target.Bot)
		} else if r.Log != nil {
			r.Log.WithField("event_id", env.EventID).WithError(o.Err).Warn("replay publish failed")
		}
	}
	env.Metadata.RoutedTo = routedTo

	return result
}

func (r *Runner) route(desc types.ProviderDescriptor, env *types.Envelope) []types.RouteTarget {
	if desc.Kind == types.ProviderGeneric && desc.Mode == types.ModeDirect {
		return []types.RouteTarget{{Bot: desc.ID, Queue: desc.TargetQueue}}
	}
	return router.Route(env, r.Subscriptions)
}

// eventIDFromKey extracts the event id from a payload-store key of the
// form ".../{event_id}.json".
func eventIDFromKey(key string) string {
	idx := strings.LastIndexByte(key, '/')
	base := key
	if idx >= 0 {
		base = key[idx+1:]
	}
	return strings.TrimSuffix(base, ".json")
}
