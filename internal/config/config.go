// Package config loads and validates the layered service configuration
// and the bot-subscription document: read file, unmarshal, apply
// defaults, then layer deployment files and QK__ env overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// EnvPrefix is the namespace every service-config override env var must
// carry, with "__" as the nesting separator, e.g.
// QK__SERVER__PORT=9090.
const EnvPrefix = "QK__"

// ServiceConfig is the root of the layered service configuration: server
// binding, webhook limits, security posture, logging, and the provider
// registry's source data.
type ServiceConfig struct {
	Server           ServerConfig            `yaml:"server"`
	Webhooks         WebhooksConfig          `yaml:"webhooks"`
	Security         SecurityConfig          `yaml:"security"`
	Logging          LoggingConfig           `yaml:"logging"`
	Providers        []ProviderConfig        `yaml:"providers"`
	GenericProviders []GenericProviderConfig `yaml:"generic_providers"`
	Secrets          SecretsConfig           `yaml:"secrets"`
	PayloadStore     PayloadStoreConfig      `yaml:"payload_store"`
	Queue            QueueConfig             `yaml:"queue"`
	DeadLetter       DeadLetterConfig        `yaml:"dead_letter"`
	RateLimit        RateLimitConfig         `yaml:"rate_limit"`
	Concurrency      ConcurrencyConfig       `yaml:"concurrency"`
	Observability    ObservabilityConfig     `yaml:"observability"`
}

// ServerConfig is the HTTP bind address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WebhooksConfig bounds ingress payload size and per-request deadline.
type WebhooksConfig struct {
	MaxPayloadSize int64 `yaml:"max_payload_size"`
	TimeoutS       int   `yaml:"timeout_s"`
}

// SecurityConfig is the deployment's transport security posture.
type SecurityConfig struct {
	RequireHTTPS   bool     `yaml:"require_https"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig selects logrus's level and formatter.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// ProviderConfig is the YAML shape of a built-in GitHub provider entry.
type ProviderConfig struct {
	ID                 string              `yaml:"id"`
	RequireSignature   bool                `yaml:"require_signature"`
	EventAllowList     []string            `yaml:"event_allow_list"`
	SignatureAlgorithm string              `yaml:"signature_algorithm"`
	Secret             *SecretHandleConfig `yaml:"secret"`
}

// GenericProviderConfig is the YAML shape of a configuration-driven
// provider entry (direct or wrap mode).
type GenericProviderConfig struct {
	ID                 string                 `yaml:"id"`
	ProcessingMode     string                 `yaml:"processing_mode"`
	TargetQueue        string                 `yaml:"target_queue"`
	EventTypeSource    *FieldSourceConfig     `yaml:"event_type_source"`
	DeliveryIDSource   *FieldSourceConfig     `yaml:"delivery_id_source"`
	FieldExtraction    *FieldExtractionConfig `yaml:"field_extraction"`
	SignatureAlgorithm string                 `yaml:"signature_algorithm"`
	Secret             *SecretHandleConfig    `yaml:"secret"`
}

// FieldSourceConfig is the YAML shape of a types.FieldSource.
type FieldSourceConfig struct {
	Kind  string `yaml:"kind"`
	Name  string `yaml:"name"`
	Path  string `yaml:"path"`
	Value string `yaml:"value"`
}

func (f *FieldSourceConfig) toType() *types.FieldSource {
	if f == nil {
		return nil
	}
	return &types.FieldSource{
		Kind:  types.FieldSourceKind(f.Kind),
		Name:  f.Name,
		Path:  f.Path,
		Value: f.Value,
	}
}

// FieldExtractionConfig is the YAML shape of a types.FieldExtraction.
type FieldExtractionConfig struct {
	RepositoryPath string `yaml:"repository_path"`
	EntityPath     string `yaml:"entity_path"`
	ActionPath     string `yaml:"action_path"`
}

func (f *FieldExtractionConfig) toType() *types.FieldExtraction {
	if f == nil {
		return nil
	}
	return &types.FieldExtraction{
		RepositoryPath: f.RepositoryPath,
		EntityPath:     f.EntityPath,
		ActionPath:     f.ActionPath,
	}
}

// SecretHandleConfig is the YAML shape of a types.SecretHandle.
type SecretHandleConfig struct {
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
	Name  string `yaml:"name"`
}

func (s *SecretHandleConfig) toType() *types.SecretHandle {
	if s == nil {
		return nil
	}
	return &types.SecretHandle{
		Kind:  types.SecretHandleKind(s.Kind),
		Value: s.Value,
		Name:  s.Name,
	}
}

// SecretsConfig selects the secret-vault adapter backing
// internal/secretstore.
type SecretsConfig struct {
	Source             string `yaml:"source"` // "literal" | "vault" | "ssm"
	VaultBaseURL       string `yaml:"vault_base_url"`
	VaultTokenEnv      string `yaml:"vault_token_env"`
	SSMPrefix          string `yaml:"ssm_prefix"`
	TTLSeconds         int    `yaml:"ttl_seconds"`
	ExtendedTTLSeconds int    `yaml:"extended_ttl_seconds"`
}

// PayloadStoreConfig selects the payloadstore.Store backend.
type PayloadStoreConfig struct {
	Backend  string `yaml:"backend"` // "memory" | "s3"
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// QueueConfig selects the publisher.Queue backend.
type QueueConfig struct {
	Backend   string            `yaml:"backend"` // "memory" | "sqs"
	Region    string            `yaml:"region"`
	Endpoint  string            `yaml:"endpoint"`
	QueueURLs map[string]string `yaml:"queue_urls"`
}

// DeadLetterConfig selects the publisher.DeadLetterStore backend.
type DeadLetterConfig struct {
	Backend   string `yaml:"backend"` // "memory" | "redis"
	RedisAddr string `yaml:"redis_addr"`
}

// RateLimitConfig configures internal/ratelimit's buckets and backend.
type RateLimitConfig struct {
	Backend                     string   `yaml:"backend"` // "memory" | "redis"
	RedisAddr                   string   `yaml:"redis_addr"`
	Whitelist                   []string `yaml:"whitelist"` // source IPs exempt from limiting
	StrikesToBlock              int      `yaml:"strikes_to_block"`
	IPRequestsPerMinute         int      `yaml:"ip_requests_per_minute"`
	IPBurst                     int      `yaml:"ip_burst"`
	RepoRequestsPerMinute       int      `yaml:"repo_requests_per_minute"`
	RepoBurst                   int      `yaml:"repo_burst"`
	SuspiciousRequestsPerMinute int      `yaml:"suspicious_requests_per_minute"`
	SuspiciousBurst             int      `yaml:"suspicious_burst"`
}

// ConcurrencyConfig sizes the two Governor semaphores.
type ConcurrencyConfig struct {
	IngressPermits int `yaml:"ingress_permits"`
	PublishPermits int `yaml:"publish_permits"`
}

// ObservabilityConfig configures the OTel/Prometheus provider.
type ObservabilityConfig struct {
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// defaults applies the documented defaults for every unset field.
func (c *ServiceConfig) defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Webhooks.MaxPayloadSize == 0 {
		c.Webhooks.MaxPayloadSize = 25 * 1024 * 1024 // 25 MB, the GitHub delivery ceiling
	}
	if c.Webhooks.TimeoutS == 0 {
		c.Webhooks.TimeoutS = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.PayloadStore.Backend == "" {
		c.PayloadStore.Backend = "memory"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.DeadLetter.Backend == "" {
		c.DeadLetter.Backend = "memory"
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.IPRequestsPerMinute == 0 {
		c.RateLimit.IPRequestsPerMinute = 600
	}
	if c.RateLimit.IPBurst == 0 {
		c.RateLimit.IPBurst = 50
	}
	if c.RateLimit.RepoRequestsPerMinute == 0 {
		c.RateLimit.RepoRequestsPerMinute = 300
	}
	if c.RateLimit.RepoBurst == 0 {
		c.RateLimit.RepoBurst = 30
	}
	if c.RateLimit.SuspiciousRequestsPerMinute == 0 {
		c.RateLimit.SuspiciousRequestsPerMinute = 20
	}
	if c.RateLimit.SuspiciousBurst == 0 {
		c.RateLimit.SuspiciousBurst = 5
	}
	if c.Concurrency.IngressPermits == 0 {
		c.Concurrency.IngressPermits = 256
	}
	if c.Concurrency.PublishPermits == 0 {
		c.Concurrency.PublishPermits = 128
	}
	if c.Secrets.Source == "" {
		c.Secrets.Source = "literal"
	}
	if c.Secrets.TTLSeconds == 0 {
		c.Secrets.TTLSeconds = 300
	}
	if c.Secrets.ExtendedTTLSeconds == 0 {
		c.Secrets.ExtendedTTLSeconds = 1800 // stale-serving window while the vault is down
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "queue-keeper"
	}
	if c.Observability.SampleRate == 0 {
		c.Observability.SampleRate = 1.0
	}
}

// LoadServiceConfig performs the layered merge: system default file,
// local-deploy file, operator-specified file (env var path wins over
// the positional argument), then QK__ env overrides.
// Any path that does not exist is skipped rather than treated as an
// error, except the operator-specified path when explicitly given.
func LoadServiceConfig(systemDefaultPath, localDeployPath string) (*ServiceConfig, error) {
	merged := map[string]interface{}{}

	paths := []string{systemDefaultPath, localDeployPath}
	operator := os.Getenv("QK_CONFIG_FILE")
	if operator != "" {
		paths = append(paths, operator)
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) && p != operator {
				continue
			}
			return nil, fmt.Errorf("config: read %s: %w", p, err)
		}
		var layer map[string]interface{}
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", p, err)
		}
		deepMerge(merged, layer)
	}

	applyEnvOverrides(merged, EnvPrefix)

	out, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: remarshal merged layers: %w", err)
	}

	var cfg ServiceConfig
	if err := yaml.Unmarshal(out, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode merged config: %w", err)
	}
	cfg.defaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants LoadServiceConfig cannot express through
// defaulting alone: known backend names and provider uniqueness
// (duplicate provider ids abort startup before any traffic, enforced again,
// more specifically, by internal/provider.NewRegistry).
func (c *ServiceConfig) Validate() error {
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config: provider entry missing id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	for _, p := range c.GenericProviders {
		if p.ID == "" {
			return fmt.Errorf("config: generic provider entry missing id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// ProviderDescriptors converts the loaded provider configuration into the
// process-wide descriptor list internal/provider.NewRegistry consumes.
func (c *ServiceConfig) ProviderDescriptors() []types.ProviderDescriptor {
	out := make([]types.ProviderDescriptor, 0, len(c.Providers)+len(c.GenericProviders))
	for _, p := range c.Providers {
		out = append(out, types.ProviderDescriptor{
			ID:                 strings.ToLower(p.ID),
			Kind:               types.ProviderGitHub,
			RequireSignature:   p.RequireSignature,
			EventAllowList:     p.EventAllowList,
			SignatureAlgorithm: types.SignatureAlgorithm(p.SignatureAlgorithm),
			Secret:             p.Secret.toType(),
		})
	}
	for _, p := range c.GenericProviders {
		out = append(out, types.ProviderDescriptor{
			ID:                 strings.ToLower(p.ID),
			Kind:               types.ProviderGeneric,
			Mode:               types.ProcessingMode(p.ProcessingMode),
			TargetQueue:        p.TargetQueue,
			EventTypeSource:    p.EventTypeSource.toType(),
			DeliveryIDSource:   p.DeliveryIDSource.toType(),
			FieldExtraction:    p.FieldExtraction.toType(),
			SignatureAlgorithm: types.SignatureAlgorithm(p.SignatureAlgorithm),
			Secret:             p.Secret.toType(),
		})
	}
	return out
}

// deepMerge merges src into dst in place, recursing into nested maps;
// scalar and slice values in src overwrite dst.
func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}

// applyEnvOverrides scans the process environment for prefix-matching
// vars and applies each onto cfg's generic map representation, using
// "__" as the section/key nesting separator, e.g.
// QK__SERVER__PORT=9090 -> {"server": {"port": 9090}}.
func applyEnvOverrides(cfg map[string]interface{}, prefix string) {
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, prefix)), "__")
		setNested(cfg, path, parseScalar(value))
	}
}

func setNested(m map[string]interface{}, path []string, value interface{}) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	next, ok := m[path[0]].(map[string]interface{})
	if !ok {
		next = map[string]interface{}{}
		m[path[0]] = next
	}
	setNested(next, path[1:], value)
}

// parseScalar interprets an env var's string value as a bool, int,
// float, or falls back to a string, so overrides can target numeric and
// boolean fields without a schema describing the target type.
func parseScalar(s string) interface{} {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// BotConfiguration is the top-level bot-subscription document.
type BotConfiguration struct {
	Settings BotConfigSettings `yaml:"settings"`
	Bots     []BotConfigEntry  `yaml:"bots"`
}

// BotConfigSettings is the document's global knobs.
type BotConfigSettings struct {
	MaxBots            int  `yaml:"max_bots"`
	DefaultMessageTTLS int  `yaml:"default_message_ttl_s"`
	ValidateOnStartup  bool `yaml:"validate_on_startup"`
	LogConfiguration   bool `yaml:"log_configuration"`
}

// BotConfigEntry is one bot subscription entry.
type BotConfigEntry struct {
	Name                  string                  `yaml:"name"`
	Queue                 string                  `yaml:"queue"`
	Events                []string                `yaml:"events"`
	Ordered               bool                    `yaml:"ordered"`
	OrderingScope         string                  `yaml:"ordering_scope"`
	RepositoryFilter      *types.RepositoryFilter `yaml:"repository_filter"`
	Config                BotEntryConfig          `yaml:"config"`
	MaxConcurrentSessions int                     `yaml:"max_concurrent_sessions"`
}

// BotEntryConfig wraps the per-bot free-form settings object.
type BotEntryConfig struct {
	Settings map[string]interface{} `yaml:"settings"`
}

// LoadBotConfiguration resolves BOT_CONFIG_PATH (a file path) or inline
// BOT_CONFIGURATION (the document body itself); the path wins if both
// are set.
func LoadBotConfiguration(explicitPath string) (*BotConfiguration, error) {
	path := explicitPath
	if env := os.Getenv("BOT_CONFIG_PATH"); env != "" {
		path = env
	}

	var data []byte
	switch {
	case path != "":
		d, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read bot configuration %s: %w", path, err)
		}
		data = d
	case os.Getenv("BOT_CONFIGURATION") != "":
		data = []byte(os.Getenv("BOT_CONFIGURATION"))
	default:
		return nil, fmt.Errorf("config: no bot configuration: set BOT_CONFIG_PATH or BOT_CONFIGURATION")
	}

	var doc BotConfiguration
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse bot configuration: %w", err)
	}
	if doc.Settings.DefaultMessageTTLS == 0 {
		doc.Settings.DefaultMessageTTLS = 900
	}

	if err := doc.Validate(schemaValidator(doc.Settings.ValidateOnStartup)); err != nil {
		return nil, err
	}
	return &doc, nil
}

// schemaValidator builds the JSON Schema validator for the bot
// configuration document when settings.validate_on_startup requests it;
// nil disables the check.
func schemaValidator(enabled bool) *jsonschema.Schema {
	if !enabled {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bot-configuration.json", strings.NewReader(botConfigJSONSchema)); err != nil {
		return nil
	}
	schema, err := compiler.Compile("bot-configuration.json")
	if err != nil {
		return nil
	}
	return schema
}

// Validate enforces the document's invariants: unique,
// well-formed bot names and a bot count within max_bots. schema, when
// non-nil, additionally validates the document's JSON-equivalent shape
// (settings.validate_on_startup).
func (b *BotConfiguration) Validate(schema *jsonschema.Schema) error {
	if b.Settings.MaxBots > 0 && len(b.Bots) > b.Settings.MaxBots {
		return fmt.Errorf("config: %d bots exceeds max_bots %d", len(b.Bots), b.Settings.MaxBots)
	}

	seen := make(map[string]bool, len(b.Bots))
	for _, bot := range b.Bots {
		if !types.ValidName(bot.Name) {
			return fmt.Errorf("config: invalid bot name %q", bot.Name)
		}
		if seen[bot.Name] {
			return fmt.Errorf("config: duplicate bot name %q", bot.Name)
		}
		seen[bot.Name] = true
		if bot.Queue == "" {
			return fmt.Errorf("config: bot %q missing queue", bot.Name)
		}
	}

	if schema != nil {
		asMap, err := toJSONSchemaInput(b)
		if err != nil {
			return fmt.Errorf("config: prepare document for schema validation: %w", err)
		}
		if err := schema.Validate(asMap); err != nil {
			return fmt.Errorf("config: bot configuration failed schema validation: %w", err)
		}
	}
	return nil
}

// toJSONSchemaInput round-trips the document through YAML then a
// generic map so jsonschema.Validate (which expects decoded JSON-shaped
// values: map[string]interface{}, []interface{}, string, float64, bool,
// nil) receives plain values rather than yaml.Node or typed structs.
func toJSONSchemaInput(b *BotConfiguration) (interface{}, error) {
	raw, err := yaml.Marshal(b)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return normalizeYAMLMaps(generic), nil
}

// normalizeYAMLMaps recursively converts map[interface{}]interface{}
// nodes (yaml.v3 already avoids these in favour of
// map[string]interface{}, but nested values coming from
// *types.RepositoryFilter's yaml tags can still surface them) into
// map[string]interface{} so the JSON Schema validator's type switch
// recognises them.
func normalizeYAMLMaps(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeYAMLMaps(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLMaps(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLMaps(val)
		}
		return out
	default:
		return v
	}
}

// botConfigJSONSchema is a minimal structural schema: it checks the
// shape settings.validate_on_startup is meant to guard against
// (misplaced keys, wrong types), not business rules already enforced by
// Validate above.
const botConfigJSONSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["bots"],
  "properties": {
    "settings": {
      "type": "object",
      "properties": {
        "max_bots": {"type": "integer"},
        "default_message_ttl_s": {"type": "integer"},
        "validate_on_startup": {"type": "boolean"},
        "log_configuration": {"type": "boolean"}
      }
    },
    "bots": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "queue", "events"],
        "properties": {
          "name": {"type": "string"},
          "queue": {"type": "string"},
          "events": {"type": "array", "items": {"type": "string"}},
          "ordered": {"type": "boolean"},
          "ordering_scope": {"type": "string", "enum": ["none", "entity", "repository"]},
          "max_concurrent_sessions": {"type": "integer"}
        }
      }
    }
  }
}`

// ToSubscriptions converts the loaded document into the process-wide
// types.BotSubscription list internal/router.Route consumes.
func (b *BotConfiguration) ToSubscriptions() []types.BotSubscription {
	out := make([]types.BotSubscription, 0, len(b.Bots))
	for _, bot := range b.Bots {
		scope := types.OrderingScope(bot.OrderingScope)
		if scope == "" {
			if bot.Ordered {
				scope = types.OrderEntity
			} else {
				scope = types.OrderNone
			}
		}
		out = append(out, types.BotSubscription{
			Name:                  bot.Name,
			Queue:                 bot.Queue,
			Events:                ParseEventPattern(bot.Events),
			Ordered:               bot.Ordered,
			OrderingScope:         scope,
			RepositoryFilter:      bot.RepositoryFilter,
			Settings:              bot.Config.Settings,
			MaxConcurrentSessions: bot.MaxConcurrentSessions,
		})
	}
	return out
}

// ParseEventPattern parses the document's token strings ("event.action",
// "event.*", "*", and exclusions prefixed "!") into the structured
// tokens internal/router.Route matches against.
func ParseEventPattern(tokens []string) []types.EventPatternToken {
	out := make([]types.EventPatternToken, 0, len(tokens))
	for _, tok := range tokens {
		exclude := strings.HasPrefix(tok, "!")
		tok = strings.TrimPrefix(tok, "!")

		if tok == "*" {
			out = append(out, types.EventPatternToken{Exclude: exclude, Event: "*", Action: "*"})
			continue
		}

		parts := strings.SplitN(tok, ".", 2)
		event := parts[0]
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}
		out = append(out, types.EventPatternToken{Exclude: exclude, Event: event, Action: action})
	}
	return out
}
