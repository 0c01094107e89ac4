package types

// ProviderKind discriminates the two provider descriptor variants. Modelled
// as a sum type dispatched by the provider registry rather than an
// inheritance chain, per the design notes.
type ProviderKind string

const (
	ProviderGitHub  ProviderKind = "github"
	ProviderGeneric ProviderKind = "generic"
)

// SignatureAlgorithm enumerates the webhook authentication schemes the
// Authenticator understands.
type SignatureAlgorithm string

const (
	SignatureHMACSHA256 SignatureAlgorithm = "hmac_sha256"
	SignatureHMACSHA1   SignatureAlgorithm = "hmac_sha1"
	SignatureBearer     SignatureAlgorithm = "bearer"
	SignatureNone       SignatureAlgorithm = ""
)

// ProcessingMode selects the Normaliser path for a generic provider.
type ProcessingMode string

const (
	ModeDirect ProcessingMode = "direct"
	ModeWrap   ProcessingMode = "wrap"
)

// FieldSourceKind discriminates the FieldSource tagged union.
type FieldSourceKind string

const (
	FieldSourceHeader       FieldSourceKind = "header"
	FieldSourceJSONPath     FieldSourceKind = "json_path"
	FieldSourceStatic       FieldSourceKind = "static"
	FieldSourceAutoGenerate FieldSourceKind = "auto_generate"
)

// FieldSource is a tagged value describing where to read a field from:
// a request header, a dot-path into the parsed JSON body, a fixed
// literal, or an instruction to auto-generate one (e.g. a ULID).
type FieldSource struct {
	Kind  FieldSourceKind `yaml:"kind"`
	Name  string          `yaml:"name,omitempty"`  // header name
	Path  string          `yaml:"path,omitempty"`  // json_path, dot notation
	Value string          `yaml:"value,omitempty"` // static value
}

// SecretHandleKind discriminates the SecretHandle tagged union.
type SecretHandleKind string

const (
	SecretLiteral SecretHandleKind = "literal"
	SecretVault   SecretHandleKind = "vault"
)

// SecretHandle names how to resolve a webhook secret: an inline literal
// (development only) or a named entry in the secret vault.
type SecretHandle struct {
	Kind  SecretHandleKind `yaml:"kind"`
	Value string           `yaml:"value,omitempty"` // literal
	Name  string           `yaml:"name,omitempty"`  // vault
}

// FieldExtraction holds the generic-wrap-mode field sources used to build
// a canonical envelope out of an arbitrary JSON body.
type FieldExtraction struct {
	RepositoryPath string `yaml:"repository_path"`
	EntityPath     string `yaml:"entity_path"`
	ActionPath     string `yaml:"action_path,omitempty"`
}

// ProviderDescriptor is the process-wide, immutable configuration binding
// a URL id to a signature scheme, field sources, and a processing mode.
type ProviderDescriptor struct {
	ID   string
	Kind ProviderKind

	// GitHub variant.
	RequireSignature bool
	EventAllowList   []string

	// Generic variant.
	Mode             ProcessingMode
	TargetQueue      string // required iff Mode == ModeDirect
	EventTypeSource  *FieldSource
	DeliveryIDSource *FieldSource
	FieldExtraction  *FieldExtraction // required iff Mode == ModeWrap

	// Shared.
	SignatureAlgorithm SignatureAlgorithm
	Secret             *SecretHandle
}

// IsGitHub reports whether this descriptor is the built-in GitHub variant.
func (p ProviderDescriptor) IsGitHub() bool { return p.Kind == ProviderGitHub }
