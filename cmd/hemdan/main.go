// Command hemdan serves the companion: session API, MCP tools, and the
// retrieval pipeline behind them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/hemdan/internal/app"
	"github.com/MrWong99/hemdan/internal/config"
	"github.com/MrWong99/hemdan/internal/observe"
	"github.com/MrWong99/hemdan/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/hemdan/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/hemdan/pkg/provider/embeddings/openai"
	"github.com/MrWong99/hemdan/pkg/provider/imageembed"
	"github.com/MrWong99/hemdan/pkg/provider/imageembed/kserve"
	"github.com/MrWong99/hemdan/pkg/provider/llm"
	"github.com/MrWong99/hemdan/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/hemdan/pkg/provider/llm/openai"
	"github.com/MrWong99/hemdan/pkg/vectorstore"
	"github.com/MrWong99/hemdan/pkg/vectorstore/chroma"
	"github.com/MrWong99/hemdan/pkg/vectorstore/memstore"
	"github.com/MrWong99/hemdan/pkg/vectorstore/postgres"
	"github.com/MrWong99/hemdan/pkg/vectorstore/qdrant"
	"github.com/MrWong99/hemdan/pkg/vectorstore/sqlitevec"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// providerTimeout bounds outbound calls to model servers and vector
// databases.
const providerTimeout = 60 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	reingest := flag.Bool("reingest", false, "drop the lore and places collections and ingest them again")
	dryRun := flag.Bool("dry-run", false, "ingest into an in-memory store, report, and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hemdan: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hemdan: %v\n", err)
		}
		return 1
	}
	if *dryRun {
		cfg.VectorStore.Backend = config.BackendMemory
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.ParseLogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("hemdan starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"vectorstore", cfg.VectorStore.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *reingest {
		if err := application.Reingest(ctx); err != nil {
			slog.Error("reingest failed", "err", err)
			_ = application.Shutdown(context.Background())
			return 1
		}
	}

	if *dryRun {
		err := application.Prepare(ctx)
		_ = application.Shutdown(context.Background())
		if err != nil {
			slog.Error("dry run failed", "err", err)
			return 1
		}
		slog.Info("dry run complete")
		return 0
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, app.ErrConfiguration) {
			slog.Error("startup failed", "err", err)
		} else {
			slog.Error("run error", "err", err)
		}
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders share one pattern: optional APIKey plus optional BaseURL.
var anyllmProviders = []string{
	"anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires every built-in factory into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []oallm.Option{oallm.WithTimeout(providerTimeout)}
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		opts := []ollamaembed.Option{ollamaembed.WithHTTPClient(observe.HTTPClient(providerTimeout))}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── Image embeddings ──────────────────────────────────────────────────────
	reg.RegisterImageEmbedder("kserve", func(entry config.ImageEmbedder) (imageembed.Provider, error) {
		opts := []kserve.Option{
			kserve.WithHTTPClient(observe.HTTPClient(providerTimeout)),
			kserve.WithBatchSize(entry.BatchSize),
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, kserve.WithDimensions(dims))
		}
		in, out := optString(entry.Options, "input_tensor"), optString(entry.Options, "output_tensor")
		if in != "" || out != "" {
			opts = append(opts, kserve.WithTensorNames(in, out))
		}
		return kserve.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── Vector stores ─────────────────────────────────────────────────────────
	reg.RegisterVectorStore(config.BackendSQLiteVec, func(ctx context.Context, c config.VectorStoreConfig) (vectorstore.Store, error) {
		return sqlitevec.Open(ctx, c.Path)
	})
	reg.RegisterVectorStore(config.BackendPostgres, func(ctx context.Context, c config.VectorStoreConfig) (vectorstore.Store, error) {
		return postgres.NewStore(ctx, c.DSN)
	})
	reg.RegisterVectorStore(config.BackendQdrant, func(_ context.Context, c config.VectorStoreConfig) (vectorstore.Store, error) {
		return qdrant.New(c.Addr)
	})
	reg.RegisterVectorStore(config.BackendChroma, func(_ context.Context, c config.VectorStoreConfig) (vectorstore.Store, error) {
		return chroma.New(c.BaseURL, chroma.WithHTTPClient(observe.HTTPClient(providerTimeout))), nil
	})
	reg.RegisterVectorStore(config.BackendMemory, func(context.Context, config.VectorStoreConfig) (vectorstore.Store, error) {
		return memstore.New(), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates every provider named in cfg.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (app.Providers, error) {
	var ps app.Providers
	var err error

	if ps.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return ps, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			// A broken fallback should not keep the primary from serving.
			slog.Warn("skipping llm fallback", "name", entry.Name, "err", err)
			continue
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, app.NamedLLM{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "llm_fallback", "name", entry.Name)
	}

	if name := cfg.Providers.ClassifierLLM.Name; name != "" {
		if ps.ClassifierLLM, err = reg.CreateLLM(cfg.Providers.ClassifierLLM); err != nil {
			return ps, fmt.Errorf("create classifier llm %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "classifier_llm", "name", name)
	}

	if ps.Embeddings, err = reg.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
		return ps, fmt.Errorf("create embeddings provider %q: %w", cfg.Providers.Embeddings.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name)

	if ps.ImageEmbedder, err = reg.CreateImageEmbedder(cfg.Providers.ImageEmbedder); err != nil {
		return ps, fmt.Errorf("create image embedder %q: %w", cfg.Providers.ImageEmbedder.Name, err)
	}
	slog.Info("provider created", "kind", "image_embedder", "name", cfg.Providers.ImageEmbedder.Name)

	if ps.Store, err = reg.CreateVectorStore(ctx, cfg.VectorStore); err != nil {
		return ps, fmt.Errorf("open vector store %q: %w", cfg.VectorStore.Backend, err)
	}
	slog.Info("vector store opened", "backend", cfg.VectorStore.Backend)
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Hemdan, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Classifier", cfg.Providers.ClassifierLLM.Name, cfg.Providers.ClassifierLLM.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("Images", cfg.Providers.ImageEmbedder.Name, cfg.Providers.ImageEmbedder.Model)
	printProvider("Store", string(cfg.VectorStore.Backend), "")
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.LLMFallbacks))
	fmt.Printf("║  Min matches     : %-19s ║\n", fmt.Sprintf("%d of %d", cfg.Places.MinMatches, cfg.Places.NResults))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML decodes
// plain numbers as int; floats are truncated.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
