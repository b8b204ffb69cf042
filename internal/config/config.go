// Package config provides the configuration schema, loader, and provider registry
// for the Hemdan companion service.
package config

import "time"

// LogLevel controls log verbosity for the Hemdan server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// VectorBackend selects the vector store implementation.
type VectorBackend string

const (
	BackendSQLiteVec VectorBackend = "sqlitevec"
	BackendPostgres  VectorBackend = "postgres"
	BackendQdrant    VectorBackend = "qdrant"
	BackendChroma    VectorBackend = "chroma"
	BackendMemory    VectorBackend = "memory"
)

// IsValid reports whether b is a recognised backend.
func (b VectorBackend) IsValid() bool {
	switch b {
	case BackendSQLiteVec, BackendPostgres, BackendQdrant, BackendChroma, BackendMemory:
		return true
	}
	return false
}

// CaptureMode selects where screenshots come from.
type CaptureMode string

const (
	// CaptureStatic always returns the same debug image.
	CaptureStatic CaptureMode = "static"
	// CaptureDirectory returns the newest image in a screenshot directory.
	CaptureDirectory CaptureMode = "directory"
)

// IsValid reports whether m is a recognised capture mode.
func (m CaptureMode) IsValid() bool {
	return m == CaptureStatic || m == CaptureDirectory
}

// Config is the root configuration structure for Hemdan.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	VectorStore VectorStoreConfig `yaml:"vectorstore"`
	Lore        LoreConfig        `yaml:"lore"`
	Places      PlacesConfig      `yaml:"places"`
	Dialogue    DialogueConfig    `yaml:"dialogue"`
	Intent      IntentConfig      `yaml:"intent"`
	Capture     CaptureConfig     `yaml:"capture"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the session API listens on (e.g., ":8000").
	ListenAddr string    `yaml:"listen_addr"`
	LogLevel   LogLevel  `yaml:"log_level"`
	LogFormat  LogFormat `yaml:"log_format"`

	// RateLimit is the sustained number of API requests per second. Zero
	// disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProvidersConfig declares which provider implementation to use for each
// model boundary. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// ClassifierLLM is an optional smaller model used for intent
	// classification. Empty Name reuses LLM.
	ClassifierLLM ProviderEntry `yaml:"classifier_llm"`

	Embeddings    ProviderEntry `yaml:"embeddings"`
	ImageEmbedder ImageEmbedder `yaml:"image_embedder"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ImageEmbedder configures the image feature extractor.
type ImageEmbedder struct {
	ProviderEntry `yaml:",inline"`

	// BatchSize caps the images sent per inference request.
	BatchSize int `yaml:"batch_size"`

	// ReadyTimeout bounds how long startup waits for the model to serve.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// VectorStoreConfig selects and addresses the vector store.
type VectorStoreConfig struct {
	Backend VectorBackend `yaml:"backend"`

	// Path is the database file for the sqlitevec backend.
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`
	// Addr is host:port of the qdrant gRPC endpoint.
	Addr string `yaml:"addr"`
	// BaseURL is the chroma server URL.
	BaseURL string `yaml:"base_url"`

	Collections CollectionNames `yaml:"collections"`
}

// CollectionNames names the three collections.
type CollectionNames struct {
	Lore   string `yaml:"lore"`
	Memory string `yaml:"memory"`
	Places string `yaml:"places"`
}

// LoreConfig configures the lore index.
type LoreConfig struct {
	CorpusPath string `yaml:"corpus_path"`
	// Chunking is "paragraph" or "window".
	Chunking      string `yaml:"chunking"`
	WindowSize    int    `yaml:"window_size"`
	WindowOverlap int    `yaml:"window_overlap"`
	TopK          int    `yaml:"top_k"`
}

// PlacesConfig configures the place identification engine.
type PlacesConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	ImagesRoot  string `yaml:"images_root"`
	NResults    int    `yaml:"n_results"`
	MinMatches  int    `yaml:"min_matches"`
}

// DialogueConfig holds the reloadable prompt and generation settings.
type DialogueConfig struct {
	Persona       string `yaml:"persona"`
	PlayerName    string `yaml:"player_name"`
	CompanionName string `yaml:"companion_name"`

	HistoryTurns      int     `yaml:"history_turns"`
	MemoryTopK        int     `yaml:"memory_top_k"`
	MemoryMaxDistance float64 `yaml:"memory_max_distance"`

	MaxTokens int `yaml:"max_tokens"`
	// Temperature is a pointer so an explicit 0 survives defaulting.
	Temperature *float64      `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`

	Apology          string `yaml:"apology"`
	NoContextNote    string `yaml:"no_context_note"`
	UnidentifiedNote string `yaml:"unidentified_note"`
}

// IntentConfig configures the intent classifier.
type IntentConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// MatchSubjects enables phonetic matching of extracted subjects against
	// the catalog's building names.
	MatchSubjects bool `yaml:"match_subjects"`
}

// CaptureConfig configures the screenshot source.
type CaptureConfig struct {
	Mode CaptureMode `yaml:"mode"`
	// Path is the debug image (static) or screenshot directory (directory).
	Path   string        `yaml:"path"`
	MaxAge time.Duration `yaml:"max_age"`
	// Crop trims dark letterbox quadrants before identification.
	Crop bool `yaml:"crop"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}
