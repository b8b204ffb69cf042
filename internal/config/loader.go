package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":            {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings":     {"openai", "ollama"},
	"image_embedder": {"kserve"},
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8000"
	DefaultRateLimit        = 10
	DefaultRateBurst        = 20
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultImageBatchSize   = 32
	DefaultReadyTimeout     = 2 * time.Minute
	DefaultSQLitePath       = "data/hemdan.db"
	DefaultLoreCollection   = "game_lore"
	DefaultMemoryCollection = "conversation_memory"
	DefaultPlacesCollection = "places"
	DefaultLoreTopK         = 3
	DefaultNResults         = 5
	DefaultMinMatches       = 3
	DefaultIntentTimeout    = 10 * time.Second
	DefaultCaptureMaxAge    = 30 * time.Second
	DefaultServiceName      = "hemdan"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills every unset field that has a default. Fields whose
// zero value is meaningful are left alone.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.RateLimit == 0 {
		s.RateLimit = DefaultRateLimit
	}
	if s.RateBurst == 0 {
		s.RateBurst = DefaultRateBurst
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	ie := &cfg.Providers.ImageEmbedder
	if ie.BatchSize == 0 {
		ie.BatchSize = DefaultImageBatchSize
	}
	if ie.ReadyTimeout == 0 {
		ie.ReadyTimeout = DefaultReadyTimeout
	}

	vs := &cfg.VectorStore
	if vs.Backend == "" {
		vs.Backend = BackendSQLiteVec
	}
	if vs.Backend == BackendSQLiteVec && vs.Path == "" {
		vs.Path = DefaultSQLitePath
	}
	if vs.Collections.Lore == "" {
		vs.Collections.Lore = DefaultLoreCollection
	}
	if vs.Collections.Memory == "" {
		vs.Collections.Memory = DefaultMemoryCollection
	}
	if vs.Collections.Places == "" {
		vs.Collections.Places = DefaultPlacesCollection
	}

	if cfg.Lore.Chunking == "" {
		cfg.Lore.Chunking = "paragraph"
	}
	if cfg.Lore.TopK == 0 {
		cfg.Lore.TopK = DefaultLoreTopK
	}

	if cfg.Places.NResults == 0 {
		cfg.Places.NResults = DefaultNResults
	}
	if cfg.Places.MinMatches == 0 {
		cfg.Places.MinMatches = DefaultMinMatches
	}

	d := &cfg.Dialogue
	if d.PlayerName == "" {
		d.PlayerName = "Lorenzo"
	}
	if d.CompanionName == "" {
		d.CompanionName = "Hemdan"
	}
	if d.HistoryTurns == 0 {
		d.HistoryTurns = 3
	}
	if d.MemoryTopK == 0 {
		d.MemoryTopK = 5
	}
	if d.MemoryMaxDistance == 0 {
		d.MemoryMaxDistance = 0.7
	}
	if d.MaxTokens == 0 {
		d.MaxTokens = 1000
	}
	if d.Temperature == nil {
		t := 0.7
		d.Temperature = &t
	}
	if d.Timeout == 0 {
		d.Timeout = 60 * time.Second
	}

	if cfg.Intent.Timeout == 0 {
		cfg.Intent.Timeout = DefaultIntentTimeout
	}

	if cfg.Capture.Mode == "" {
		cfg.Capture.Mode = CaptureStatic
	}
	if cfg.Capture.MaxAge == 0 {
		cfg.Capture.MaxAge = DefaultCaptureMaxAge
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit %.2f must not be negative", cfg.Server.RateLimit))
	}
	if cfg.Server.RateBurst < 0 {
		errs = append(errs, fmt.Errorf("server.rate_burst %d must not be negative", cfg.Server.RateBurst))
	}

	// Providers
	p := cfg.Providers
	if p.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if p.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.name is required"))
	}
	if p.ImageEmbedder.Name == "" {
		errs = append(errs, errors.New("providers.image_embedder.name is required"))
	}
	if p.ImageEmbedder.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("providers.image_embedder.batch_size %d must not be negative", p.ImageEmbedder.BatchSize))
	}
	for i, fb := range p.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("llm", p.LLM.Name)
	validateProviderName("llm", p.ClassifierLLM.Name)
	validateProviderName("embeddings", p.Embeddings.Name)
	validateProviderName("image_embedder", p.ImageEmbedder.Name)

	// Vector store
	vs := cfg.VectorStore
	switch {
	case !vs.Backend.IsValid():
		errs = append(errs, fmt.Errorf("vectorstore.backend %q is invalid; valid values: sqlitevec, postgres, qdrant, chroma, memory", vs.Backend))
	case vs.Backend == BackendSQLiteVec && vs.Path == "":
		errs = append(errs, errors.New("vectorstore.path is required for the sqlitevec backend"))
	case vs.Backend == BackendPostgres && vs.DSN == "":
		errs = append(errs, errors.New("vectorstore.dsn is required for the postgres backend"))
	case vs.Backend == BackendQdrant && vs.Addr == "":
		errs = append(errs, errors.New("vectorstore.addr is required for the qdrant backend"))
	case vs.Backend == BackendChroma && vs.BaseURL == "":
		errs = append(errs, errors.New("vectorstore.base_url is required for the chroma backend"))
	}
	names := slices.DeleteFunc([]string{vs.Collections.Lore, vs.Collections.Memory, vs.Collections.Places},
		func(n string) bool { return n == "" })
	slices.Sort(names)
	if len(slices.Compact(slices.Clone(names))) != len(names) {
		errs = append(errs, errors.New("vectorstore.collections: lore, memory, and places must have distinct names"))
	}

	// Lore
	if cfg.Lore.CorpusPath == "" {
		errs = append(errs, errors.New("lore.corpus_path is required"))
	}
	switch cfg.Lore.Chunking {
	case "", "paragraph":
	case "window":
		size, overlap := cfg.Lore.WindowSize, cfg.Lore.WindowOverlap
		if size < 0 || overlap < 0 || (size > 0 && overlap >= size) {
			errs = append(errs, fmt.Errorf("lore.window_overlap %d must be in [0, window_size %d)", overlap, size))
		}
	default:
		errs = append(errs, fmt.Errorf("lore.chunking %q is invalid; valid values: paragraph, window", cfg.Lore.Chunking))
	}
	if cfg.Lore.TopK < 0 {
		errs = append(errs, fmt.Errorf("lore.top_k %d must not be negative", cfg.Lore.TopK))
	}

	// Places
	if cfg.Places.CatalogPath == "" {
		errs = append(errs, errors.New("places.catalog_path is required"))
	}
	if cfg.Places.ImagesRoot == "" {
		errs = append(errs, errors.New("places.images_root is required"))
	}
	if cfg.Places.NResults < 0 || cfg.Places.MinMatches < 0 {
		errs = append(errs, errors.New("places.n_results and places.min_matches must not be negative"))
	}
	if cfg.Places.NResults > 0 && cfg.Places.MinMatches > cfg.Places.NResults {
		errs = append(errs, fmt.Errorf("places.min_matches %d exceeds places.n_results %d; no building could ever win", cfg.Places.MinMatches, cfg.Places.NResults))
	}
	if cfg.Places.NResults > 0 && cfg.Places.MinMatches > 0 && cfg.Places.MinMatches*2 <= cfg.Places.NResults {
		slog.Warn("places.min_matches is not a majority of places.n_results; split votes may still name a building",
			"min_matches", cfg.Places.MinMatches,
			"n_results", cfg.Places.NResults,
		)
	}

	// Dialogue
	d := cfg.Dialogue
	if d.Temperature != nil && (*d.Temperature < 0 || *d.Temperature > 2) {
		errs = append(errs, fmt.Errorf("dialogue.temperature %.2f is out of range [0, 2]", *d.Temperature))
	}
	if d.MemoryMaxDistance < 0 || d.MemoryMaxDistance > 2 {
		errs = append(errs, fmt.Errorf("dialogue.memory_max_distance %.2f is out of range [0, 2]", d.MemoryMaxDistance))
	}
	if d.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("dialogue.max_tokens %d must not be negative", d.MaxTokens))
	}
	if d.Timeout < 0 {
		errs = append(errs, fmt.Errorf("dialogue.timeout %s must not be negative", d.Timeout))
	}

	// Capture
	if cfg.Capture.Mode != "" && !cfg.Capture.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("capture.mode %q is invalid; valid values: static, directory", cfg.Capture.Mode))
	}
	if cfg.Capture.Mode == CaptureDirectory && cfg.Capture.Path == "" {
		errs = append(errs, errors.New("capture.path is required when capture.mode is directory"))
	}
	if cfg.Capture.Mode == CaptureStatic && cfg.Capture.Path == "" {
		slog.Warn("capture.path is empty; place questions without an image path cannot be answered")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
