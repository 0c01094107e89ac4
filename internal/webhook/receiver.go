// Package webhook implements the HTTP ingress pipeline: a single POST
// route keyed by provider id, wiring the rate limiter, authenticator,
// payload store, normaliser, router, and publisher into one request
// flow, plus the optional /metrics route. The health and readiness
// routes live in internal/health.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/pvandervelde/queue-keeper/internal/apperror"
	"github.com/pvandervelde/queue-keeper/internal/auth"
	"github.com/pvandervelde/queue-keeper/internal/breaker"
	"github.com/pvandervelde/queue-keeper/internal/concurrency"
	"github.com/pvandervelde/queue-keeper/internal/idgen"
	"github.com/pvandervelde/queue-keeper/internal/normalize"
	"github.com/pvandervelde/queue-keeper/internal/observability"
	"github.com/pvandervelde/queue-keeper/internal/payloadstore"
	"github.com/pvandervelde/queue-keeper/internal/provider"
	"github.com/pvandervelde/queue-keeper/internal/publisher"
	"github.com/pvandervelde/queue-keeper/internal/ratelimit"
	"github.com/pvandervelde/queue-keeper/internal/router"
	"github.com/pvandervelde/queue-keeper/internal/secretstore"
	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// Receiver handles incoming webhooks for every registered provider,
// authenticating, persisting, normalising, routing, and publishing each
// one in turn.
type Receiver struct {
	log *logrus.Entry

	Providers     *provider.Registry
	Auth          *auth.Authenticator
	Secrets       *secretstore.Store
	PayloadStore  payloadstore.Store
	Publisher     *publisher.Publisher
	Subscriptions []types.BotSubscription
	RateLimiter   *ratelimit.Limiter
	Governor      *concurrency.Governor
	Breakers      *breaker.Registry
	Metrics       *observability.Provider

	MaxPayloadSize int64
	RequestTimeout time.Duration
}

// NewReceiver builds a Receiver. log may be nil, in which case a
// standalone entry is created.
func NewReceiver(log *logrus.Entry) *Receiver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Receiver{
		log:            log,
		MaxPayloadSize: 25 * 1024 * 1024,
		RequestTimeout: 30 * time.Second,
	}
}

// SetupRoutes registers the webhook ingress route and, when
// metricsHandler is non-nil, the /metrics route. Liveness and readiness
// routes are not registered here.
func (r *Receiver) SetupRoutes(engine *gin.Engine, metricsHandler http.Handler) {
	engine.POST("/webhook/:provider_id", r.handleWebhook)
	if metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(metricsHandler))
	}
}

// handleWebhook is the single entry point every provider's deliveries
// go through: lookup, concurrency admission, rate limiting, size
// enforcement, authentication, persistence, normalisation, routing, and
// publish fan-out, in that order.
func (r *Receiver) handleWebhook(c *gin.Context) {
	providerID := strings.ToLower(c.Param("provider_id"))

	desc, ok := r.Providers.Lookup(providerID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider", "provider_id": providerID})
		return
	}

	release, ok := r.Governor.AcquireIngress()
	if !ok {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingress at capacity"})
		return
	}
	defer release()

	ip := c.ClientIP()
	if r.RateLimiter != nil {
		decision, err := r.RateLimiter.AllowIP(c.Request.Context(), ip)
		if err != nil {
			r.log.WithError(err).Warn("rate limiter unavailable, allowing request")
		} else {
			setRateLimitHeaders(c, decision)
			if !decision.Allowed {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
				return
			}
		}
	}

	if contentLengthExceeds(c, r.MaxPayloadSize) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload exceeds maximum size"})
		return
	}
	body, err := readBody(c, r.MaxPayloadSize)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload exceeds maximum size"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), r.RequestTimeout)
	defer cancel()

	secret := r.resolveSecret(ctx, desc)
	headerValue := c.Request.Header.Get(signatureHeader(desc.SignatureAlgorithm))

	authResult, appErr := r.Auth.Verify(desc, body, headerValue, secret)
	if appErr != nil {
		if r.RateLimiter != nil && appErr.Kind == apperror.KindAuth {
			r.RateLimiter.MarkSuspicious(ip)
		}
		c.JSON(appErr.HTTPStatus(), gin.H{"error": appErr.Reason})
		return
	}

	if !eventAllowed(desc, c.Request.Header) {
		// GitHub redelivers on non-2xx, so a filtered event is
		// acknowledged rather than rejected.
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "event_not_allowed"})
		return
	}

	eventID := idgen.ULID()
	payloadURL := r.persist(ctx, providerID, c.Request.Header, body, eventID)

	signatureValid := authResult.SignatureValid
	env, err := normalize.Normalise(desc, normalize.Request{
		Headers:        c.Request.Header,
		Body:           body,
		SignatureValid: &signatureValid,
		ReceivedAt:     time.Now(),
		EventID:        eventID,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse payload", "detail": err.Error()})
		return
	}
	env.Metadata.PayloadStoreURL = payloadURL

	if r.RateLimiter != nil && env.Repository.FullName != "" {
		decision, err := r.RateLimiter.AllowRepository(ctx, env.Repository.FullName)
		if err != nil {
			r.log.WithError(err).Warn("rate limiter unavailable, allowing request")
		} else if !decision.Allowed {
			setRateLimitHeaders(c, decision)
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "repository rate limit exceeded", "repository": env.Repository.FullName})
			return
		}
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		env.TraceContext = types.TraceContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
	}

	targets := r.route(desc, env)
	outcomes := r.Publisher.PublishAll(ctx, env, targets)

	routedTo := make([]string, 0, len(outcomes))
	// anyCaptured tracks whether at least one target's copy of the event
	// is durably accounted for, either published or dead-lettered for
	// replay. All publish targets failing is still a 2xx as long as the
	// event was captured somewhere (GitHub would otherwise redeliver an
	// event we already hold); the event counts as uncaptured only when
	// no target was published or dead-lettered.
	anyCaptured := len(targets) == 0
	for _, o := range outcomes {
		if o.Err == nil {
			routedTo = append(routedTo, o.Target.Bot)
			anyCaptured = true
			continue
		}
		if o.DeadLettered {
			anyCaptured = true
		}
		r.log.WithFields(logrus.Fields{
			"event_id":      env.EventID,
			"queue":         o.Target.Queue,
			"retries":       o.Retries,
			"dead_lettered": o.DeadLettered,
		}).WithError(o.Err).Warn("publish failed")
	}
	env.Metadata.RoutedTo = routedTo

	if r.Metrics != nil {
		r.Metrics.EventsReceivedTotal.Add(ctx, 1)
		r.Metrics.EventsRoutedTotal.Add(ctx, int64(len(routedTo)))
	}

	if !anyCaptured {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "no route accepted the event",
			"event_id": env.EventID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "accepted",
		"event_id":  env.EventID,
		"routed_to": routedTo,
	})
}

// route produces this event's fan-out target list: a direct-mode
// generic provider bypasses subscription matching entirely and goes to
// its one configured queue, everything else is matched against the bot
// subscription list.
func (r *Receiver) route(desc types.ProviderDescriptor, env *types.Envelope) []types.RouteTarget {
	if desc.Kind == types.ProviderGeneric && desc.Mode == types.ModeDirect {
		return []types.RouteTarget{{Bot: desc.ID, Queue: desc.TargetQueue}}
	}
	return router.Route(env, r.Subscriptions)
}

// persist writes the raw delivery to the payload store, gated by the
// payload-store breaker so an outage degrades to "skip persistence"
// rather than failing the request.
func (r *Receiver) persist(ctx context.Context, providerID string, headers http.Header, body []byte, eventID string) string {
	if r.PayloadStore == nil {
		return ""
	}
	if r.Breakers != nil && !r.Breakers.PayloadStore.Allow() {
		r.log.Warn("payload store circuit open, skipping persistence")
		return ""
	}

	rec := payloadstore.Record{ProviderID: providerID, Headers: headers, Body: body, StoredAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		r.log.WithError(err).Warn("failed to marshal payload record")
		return ""
	}

	url, err := r.PayloadStore.Put(ctx, eventID, data)
	if r.Breakers != nil {
		if err != nil {
			r.Breakers.PayloadStore.RecordFailure()
		} else {
			r.Breakers.PayloadStore.RecordSuccess()
		}
	}
	if err != nil {
		r.log.WithError(err).Warn("failed to persist payload")
		return ""
	}
	return url
}

// resolveSecret resolves the provider's configured secret handle to its
// value: a literal secret is returned directly, a vault handle goes
// through the secret store's cache and breaker.
func (r *Receiver) resolveSecret(ctx context.Context, desc types.ProviderDescriptor) *string {
	if desc.Secret == nil {
		return nil
	}
	switch desc.Secret.Kind {
	case types.SecretLiteral:
		v := desc.Secret.Value
		return &v
	case types.SecretVault:
		if r.Secrets == nil {
			return nil
		}
		v, ok := r.Secrets.Resolve(ctx, desc.Secret.Name)
		if !ok {
			return nil
		}
		return &v
	default:
		return nil
	}
}

// eventAllowed applies a GitHub provider's optional event allow-list
// to the delivery's event header. An empty list allows every event;
// generic providers are never filtered here (their event source may not
// be a header at all).
func eventAllowed(desc types.ProviderDescriptor, headers http.Header) bool {
	if desc.Kind != types.ProviderGitHub || len(desc.EventAllowList) == 0 {
		return true
	}
	event := headers.Get("X-GitHub-Event")
	for _, allowed := range desc.EventAllowList {
		if strings.EqualFold(allowed, event) {
			return true
		}
	}
	return false
}

// signatureHeader maps a signature algorithm to the header the
// corresponding provider is expected to carry it in. Generic providers
// configured with hmac_sha256 (the common case for config-driven
// integrations) read the same header GitHub uses.
func signatureHeader(alg types.SignatureAlgorithm) string {
	switch alg {
	case types.SignatureHMACSHA256:
		return "X-Hub-Signature-256"
	case types.SignatureHMACSHA1:
		return "X-Hub-Signature"
	case types.SignatureBearer:
		return "Authorization"
	default:
		return ""
	}
}

// setRateLimitHeaders stamps the standard X-RateLimit-* headers from a
// token-bucket decision, on both accepted and rejected requests, so a
// caller can see how close it is to the limit before it gets throttled.
func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.Itoa(d.RetryAfterSeconds))
	if !d.Allowed {
		retryAfter := d.RetryAfterSeconds
		if retryAfter <= 0 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
}

// readBody enforces maxSize via http.MaxBytesReader and returns any
// read error, including the "request body too large" one, wrapped; the
// caller answers every read error with 413.
func readBody(c *gin.Context, maxSize int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, fmt.Errorf("webhook: read body: %w", err)
	}
	return body, nil
}

// contentLengthExceeds is a fast-path rejection using the request's
// advertised content length, so an oversize request never has its body
// read at all when the client declares its size up front.
func contentLengthExceeds(c *gin.Context, maxSize int64) bool {
	return c.Request.ContentLength > 0 && c.Request.ContentLength > maxSize
}
