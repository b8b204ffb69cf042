package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/hemdan/internal/config"
	"github.com/MrWong99/hemdan/pkg/provider/embeddings"
	embmock "github.com/MrWong99/hemdan/pkg/provider/embeddings/mock"
	"github.com/MrWong99/hemdan/pkg/provider/imageembed"
	imgmock "github.com/MrWong99/hemdan/pkg/provider/imageembed/mock"
	"github.com/MrWong99/hemdan/pkg/provider/llm"
	llmmock "github.com/MrWong99/hemdan/pkg/provider/llm/mock"
	"github.com/MrWong99/hemdan/pkg/vectorstore"
	"github.com/MrWong99/hemdan/pkg/vectorstore/memstore"
)

const minimalYAML = `
providers:
  llm:
    name: openai
    model: gpt-4o-mini
  embeddings:
    name: ollama
    model: nomic-embed-text
  image_embedder:
    name: kserve
    base_url: http://localhost:8080
    model: resnet50
lore:
  corpus_path: data/lore.txt
places:
  catalog_path: data/catalog.csv
  images_root: data/images
`

func load(t *testing.T, yaml string) (*config.Config, error) {
	t.Helper()
	return config.LoadFromReader(strings.NewReader(yaml))
}

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := load(t, yaml)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML)

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, ":8000"},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"log_format", cfg.Server.LogFormat, config.LogFormatText},
		{"rate_limit", cfg.Server.RateLimit, float64(config.DefaultRateLimit)},
		{"shutdown_timeout", cfg.Server.ShutdownTimeout, 10 * time.Second},
		{"batch_size", cfg.Providers.ImageEmbedder.BatchSize, 32},
		{"ready_timeout", cfg.Providers.ImageEmbedder.ReadyTimeout, 2 * time.Minute},
		{"backend", cfg.VectorStore.Backend, config.BackendSQLiteVec},
		{"sqlite path", cfg.VectorStore.Path, "data/hemdan.db"},
		{"lore collection", cfg.VectorStore.Collections.Lore, "game_lore"},
		{"memory collection", cfg.VectorStore.Collections.Memory, "conversation_memory"},
		{"places collection", cfg.VectorStore.Collections.Places, "places"},
		{"chunking", cfg.Lore.Chunking, "paragraph"},
		{"lore top_k", cfg.Lore.TopK, 3},
		{"n_results", cfg.Places.NResults, 5},
		{"min_matches", cfg.Places.MinMatches, 3},
		{"player", cfg.Dialogue.PlayerName, "Lorenzo"},
		{"companion", cfg.Dialogue.CompanionName, "Hemdan"},
		{"history_turns", cfg.Dialogue.HistoryTurns, 3},
		{"memory_top_k", cfg.Dialogue.MemoryTopK, 5},
		{"memory_max_distance", cfg.Dialogue.MemoryMaxDistance, 0.7},
		{"max_tokens", cfg.Dialogue.MaxTokens, 1000},
		{"dialogue timeout", cfg.Dialogue.Timeout, time.Minute},
		{"intent timeout", cfg.Intent.Timeout, 10 * time.Second},
		{"capture mode", cfg.Capture.Mode, config.CaptureStatic},
		{"service_name", cfg.Telemetry.ServiceName, "hemdan"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.Dialogue.Temperature == nil || *cfg.Dialogue.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", cfg.Dialogue.Temperature)
	}
}

func TestLoad_ExplicitZeroTemperature(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, minimalYAML+`
dialogue:
  temperature: 0
`)
	if cfg.Dialogue.Temperature == nil || *cfg.Dialogue.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0", cfg.Dialogue.Temperature)
	}
}

func TestLoad_FullFile(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, `
server:
  listen_addr: 127.0.0.1:9000
  log_level: debug
  log_format: json
  rate_limit: 2.5
  rate_burst: 4
  shutdown_timeout: 3s
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
  llm_fallbacks:
    - name: anthropic
      model: claude-haiku
  classifier_llm:
    name: openai
    model: gpt-4o-mini
  embeddings:
    name: openai
    model: text-embedding-3-small
    options:
      dimensions: 512
  image_embedder:
    name: kserve
    base_url: http://triton:8000
    model: resnet50
    batch_size: 8
    ready_timeout: 30s
vectorstore:
  backend: qdrant
  addr: localhost:6334
  collections:
    lore: lore_v2
    memory: memory_v2
    places: places_v2
lore:
  corpus_path: lore.txt
  chunking: window
  window_size: 300
  window_overlap: 50
  top_k: 4
places:
  catalog_path: catalog.csv
  images_root: images
  n_results: 7
  min_matches: 4
dialogue:
  persona: "You are {companion}."
  history_turns: -1
  apology: "Sorry."
intent:
  timeout: 2s
  match_subjects: true
capture:
  mode: directory
  path: /tmp/shots
  max_age: 1m
  crop: true
telemetry:
  service_name: hemdan-test
`)
	if cfg.Server.LogFormat != config.LogFormatJSON || cfg.Server.RateBurst != 4 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "anthropic" {
		t.Errorf("fallbacks = %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Providers.ImageEmbedder.Model != "resnet50" || cfg.Providers.ImageEmbedder.BatchSize != 8 {
		t.Errorf("image embedder = %+v", cfg.Providers.ImageEmbedder)
	}
	if got := cfg.Providers.Embeddings.Options["dimensions"]; got != 512 {
		t.Errorf("embeddings dimensions option = %v (%T)", got, got)
	}
	if cfg.VectorStore.Backend != config.BackendQdrant || cfg.VectorStore.Collections.Places != "places_v2" {
		t.Errorf("vectorstore = %+v", cfg.VectorStore)
	}
	if cfg.Dialogue.HistoryTurns != -1 {
		t.Errorf("history_turns = %d, want -1 kept", cfg.Dialogue.HistoryTurns)
	}
	if !cfg.Intent.MatchSubjects || !cfg.Capture.Crop || cfg.Capture.MaxAge != time.Minute {
		t.Errorf("intent = %+v, capture = %+v", cfg.Intent, cfg.Capture)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := load(t, minimalYAML+`
npcs:
  - name: Greymantle
`)
	if err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "hemdan.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Lore.CorpusPath != "data/lore.txt" {
		t.Errorf("corpus_path = %q", cfg.Lore.CorpusPath)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		extra   string
		replace [2]string
		wantSub []string
	}{
		{
			name:    "empty file reports every required field",
			replace: [2]string{minimalYAML, ""},
			wantSub: []string{"providers.llm.name", "providers.embeddings.name", "providers.image_embedder.name", "lore.corpus_path", "places.catalog_path", "places.images_root"},
		},
		{name: "bad log level", extra: "server:\n  log_level: loud\n", wantSub: []string{"server.log_level"}},
		{name: "bad log format", extra: "server:\n  log_format: xml\n", wantSub: []string{"server.log_format"}},
		{name: "negative rate", extra: "server:\n  rate_limit: -1\n", wantSub: []string{"server.rate_limit"}},
		{name: "unknown backend", extra: "vectorstore:\n  backend: faiss\n", wantSub: []string{"vectorstore.backend"}},
		{name: "postgres without dsn", extra: "vectorstore:\n  backend: postgres\n", wantSub: []string{"vectorstore.dsn"}},
		{name: "qdrant without addr", extra: "vectorstore:\n  backend: qdrant\n", wantSub: []string{"vectorstore.addr"}},
		{name: "chroma without url", extra: "vectorstore:\n  backend: chroma\n", wantSub: []string{"vectorstore.base_url"}},
		{name: "shared collection", extra: "vectorstore:\n  collections:\n    lore: same\n    memory: same\n", wantSub: []string{"distinct"}},
		{name: "bad chunking", extra: "lore:\n  corpus_path: x\n  chunking: sentences\n", replace: [2]string{"lore:\n  corpus_path: data/lore.txt\n", ""}, wantSub: []string{"lore.chunking"}},
		{name: "overlap too big", extra: "lore:\n  corpus_path: x\n  chunking: window\n  window_size: 10\n  window_overlap: 10\n", replace: [2]string{"lore:\n  corpus_path: data/lore.txt\n", ""}, wantSub: []string{"lore.window_overlap"}},
		{name: "min matches above results", replace: [2]string{"  images_root: data/images\n", "  images_root: data/images\n  n_results: 3\n  min_matches: 4\n"}, wantSub: []string{"places.min_matches"}},
		{name: "temperature range", extra: "dialogue:\n  temperature: 3\n", wantSub: []string{"dialogue.temperature"}},
		{name: "capture mode", extra: "capture:\n  mode: webcam\n", wantSub: []string{"capture.mode"}},
		{name: "directory needs path", extra: "capture:\n  mode: directory\n", wantSub: []string{"capture.path"}},
		{name: "fallback without name", replace: [2]string{"    model: gpt-4o-mini\n", "    model: gpt-4o-mini\n  llm_fallbacks:\n    - model: x\n"}, wantSub: []string{"llm_fallbacks[0].name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			yaml := minimalYAML
			if tt.replace[0] != "" {
				yaml = strings.Replace(yaml, tt.replace[0], tt.replace[1], 1)
			}
			yaml += tt.extra
			_, err := load(t, yaml)
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, sub := range tt.wantSub {
				if !strings.Contains(err.Error(), sub) {
					t.Errorf("error %q does not mention %q", err, sub)
				}
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})
	reg.RegisterEmbeddings("mock", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{}, nil
	})
	reg.RegisterImageEmbedder("mock", func(e config.ImageEmbedder) (imageembed.Provider, error) {
		if e.BatchSize != 4 {
			return nil, errors.New("batch size not passed through")
		}
		return &imgmock.Provider{}, nil
	})
	reg.RegisterVectorStore(config.BackendMemory, func(context.Context, config.VectorStoreConfig) (vectorstore.Store, error) {
		return memstore.New(), nil
	})

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "mock", Model: "m1"}); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory got model %q", gotEntry.Model)
	}
	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Errorf("CreateEmbeddings: %v", err)
	}
	ie := config.ImageEmbedder{ProviderEntry: config.ProviderEntry{Name: "mock"}, BatchSize: 4}
	if _, err := reg.CreateImageEmbedder(ie); err != nil {
		t.Errorf("CreateImageEmbedder: %v", err)
	}
	if _, err := reg.CreateVectorStore(context.Background(), config.VectorStoreConfig{Backend: config.BackendMemory}); err != nil {
		t.Errorf("CreateVectorStore: %v", err)
	}

	for name, err := range map[string]error{
		"llm":         second(reg.CreateLLM(config.ProviderEntry{Name: "nope"})),
		"embeddings":  second(reg.CreateEmbeddings(config.ProviderEntry{Name: "nope"})),
		"image":       second(reg.CreateImageEmbedder(config.ImageEmbedder{ProviderEntry: config.ProviderEntry{Name: "nope"}})),
		"vectorstore": second(reg.CreateVectorStore(context.Background(), config.VectorStoreConfig{Backend: config.BackendQdrant})),
	} {
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: err = %v, want ErrProviderNotRegistered", name, err)
		}
	}
}

func second[T any](_ T, err error) error { return err }
