// Package app wires the companion's components together and manages their
// lifecycle.
//
// Startup order:
//
//  1. Open the lore, memory, and places collections.
//  2. Build the retrieval engines, the intent classifier, and the dialogue
//     orchestrator.
//  3. Build the HTTP surface and mount the MCP endpoint.
//  4. [App.Prepare] waits for the image model, ingests the lore corpus and
//     the places catalog, and flips the readiness flag.
//
// Chat and debug routes answer 503 until step 4 completes, so ingestion and
// queries never overlap on the vector store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/hemdan/internal/api"
	"github.com/MrWong99/hemdan/internal/capture"
	"github.com/MrWong99/hemdan/internal/config"
	"github.com/MrWong99/hemdan/internal/dialogue"
	"github.com/MrWong99/hemdan/internal/health"
	"github.com/MrWong99/hemdan/internal/intent"
	"github.com/MrWong99/hemdan/internal/lore"
	"github.com/MrWong99/hemdan/internal/mcpserver"
	"github.com/MrWong99/hemdan/internal/observe"
	"github.com/MrWong99/hemdan/internal/phonetic"
	"github.com/MrWong99/hemdan/internal/places"
	"github.com/MrWong99/hemdan/internal/resilience"
	"github.com/MrWong99/hemdan/pkg/provider/embeddings"
	"github.com/MrWong99/hemdan/pkg/provider/imageembed"
	"github.com/MrWong99/hemdan/pkg/provider/llm"
	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// ErrConfiguration marks startup failures caused by configuration or missing
// data rather than by a transient fault. The process exits with status 1.
var ErrConfiguration = errors.New("app: configuration error")

// readyPollMax caps the delay between image model readiness polls.
const readyPollMax = 5 * time.Second

// NamedLLM is a fallback LLM with the name it is logged under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the instantiated backends. LLM, Embeddings,
// ImageEmbedder, and Store are required.
type Providers struct {
	LLM          llm.Provider
	LLMFallbacks []NamedLLM
	// ClassifierLLM defaults to LLM.
	ClassifierLLM llm.Provider
	Embeddings    embeddings.Provider
	ImageEmbedder imageembed.Provider
	Store         vectorstore.Store
}

// App owns every long-lived component.
type App struct {
	cfg       *config.Config
	providers Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar
	capturer  capture.Capturer
	readyPoll time.Duration

	ready       *health.Flag
	modelLoaded atomic.Bool

	llm        llm.Provider
	matcher    *phonetic.Matcher
	classifier *intent.Classifier
	lore       *lore.Index
	places     *places.Engine
	memory     *dialogue.Memory
	sessions   *dialogue.Sessions
	dialogue   *dialogue.Orchestrator
	api        *api.Server
	mcp        *mcpserver.Server

	server *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithCapturer overrides the screenshot source built from config.
func WithCapturer(c capture.Capturer) Option {
	return func(a *App) { a.capturer = c }
}

// WithMetrics overrides the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] change the log level at runtime.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithReadyPoll sets the initial delay between image model readiness polls.
func WithReadyPoll(d time.Duration) Option {
	return func(a *App) { a.readyPoll = d }
}

// New builds the application. It opens collections but performs no
// ingestion; call [App.Prepare] next.
func New(ctx context.Context, cfg *config.Config, providers Providers, opts ...Option) (*App, error) {
	switch {
	case providers.LLM == nil:
		return nil, fmt.Errorf("%w: llm provider is required", ErrConfiguration)
	case providers.Embeddings == nil:
		return nil, fmt.Errorf("%w: embeddings provider is required", ErrConfiguration)
	case providers.ImageEmbedder == nil:
		return nil, fmt.Errorf("%w: image embedder is required", ErrConfiguration)
	case providers.Store == nil:
		return nil, fmt.Errorf("%w: vector store is required", ErrConfiguration)
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     &health.Flag{},
		readyPoll: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.ready.Unset("starting")
	a.closers = append(a.closers, providers.Store.Close)

	a.llm = providers.LLM
	if len(providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(providers.LLM, cfg.Providers.LLM.Name, resilience.FallbackConfig{
			Kind:    "llm",
			Metrics: a.metrics,
		})
		for _, f := range providers.LLMFallbacks {
			fb.AddFallback(f.Name, f.Provider)
		}
		a.llm = fb
	}
	classifierLLM := providers.ClassifierLLM
	if classifierLLM == nil {
		classifierLLM = a.llm
	}

	if a.capturer == nil {
		a.capturer = newCapturer(cfg.Capture)
	}
	a.sessions = dialogue.NewSessions()

	intentOpts := []intent.Option{intent.WithTimeout(cfg.Intent.Timeout)}
	if cfg.Intent.MatchSubjects {
		a.matcher = phonetic.New(nil)
		intentOpts = append(intentOpts, intent.WithMatcher(a.matcher))
	}
	a.classifier = intent.New(classifierLLM, intentOpts...)

	if err := a.initRetrieval(ctx); err != nil {
		return nil, err
	}
	if err := a.initDialogue(); err != nil {
		return nil, err
	}
	if err := a.initServers(); err != nil {
		return nil, err
	}
	return a, nil
}

// initRetrieval opens the three collections and builds the engines over
// them.
func (a *App) initRetrieval(ctx context.Context) error {
	vs := a.cfg.VectorStore
	store := a.providers.Store

	loreColl, err := store.Collection(ctx, vectorstore.CollectionSpec{
		Name:       vs.Collections.Lore,
		Dimensions: a.providers.Embeddings.Dimensions(),
		Distance:   vectorstore.Cosine,
	})
	if err != nil {
		return fmt.Errorf("app: open lore collection: %w", err)
	}
	memColl, err := store.Collection(ctx, vectorstore.CollectionSpec{
		Name:       vs.Collections.Memory,
		Dimensions: a.providers.Embeddings.Dimensions(),
		Distance:   vectorstore.Cosine,
	})
	if err != nil {
		return fmt.Errorf("app: open memory collection: %w", err)
	}
	placesColl, err := store.Collection(ctx, vectorstore.CollectionSpec{
		Name:       vs.Collections.Places,
		Dimensions: a.providers.ImageEmbedder.Dimensions(),
		Distance:   vectorstore.L2,
	})
	if err != nil {
		return fmt.Errorf("app: open places collection: %w", err)
	}

	lc := a.cfg.Lore
	chunker, err := lore.NewChunker(lc.Chunking, lc.WindowSize, lc.WindowOverlap)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	a.lore = lore.New(loreColl, a.providers.Embeddings,
		lore.WithChunker(chunker), lore.WithTopK(lc.TopK), lore.WithMetrics(a.metrics))
	a.memory = dialogue.NewMemory(memColl, a.providers.Embeddings)
	a.places = places.New(placesColl, a.providers.ImageEmbedder, places.Config{
		ResultsToCheck: a.cfg.Places.NResults,
		MinMatches:     a.cfg.Places.MinMatches,
		Metrics:        a.metrics,
	})
	return nil
}

func (a *App) initDialogue() error {
	o, err := dialogue.New(dialogue.Config{
		LLM:        a.llm,
		Classifier: a.classifier,
		Lore:       a.lore,
		Places:     a.places,
		Capture:    a.capturer,
		Memory:     a.memory,
		Sessions:   a.sessions,
		Settings:   DialogueSettings(a.cfg.Dialogue, a.cfg.Lore.TopK),
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}
	a.dialogue = o
	return nil
}

func (a *App) initServers() error {
	checkers := []health.Checker{
		{Name: "startup", Check: a.ready.Check},
		{Name: "vectorstore", Check: a.providers.Store.Ping},
		{Name: "image_model", Check: a.providers.ImageEmbedder.Ready},
	}
	a.api = api.New(api.Config{
		Dialogue:    a.dialogue,
		Places:      a.places,
		Lore:        a.lore,
		Memory:      a.memory,
		Ready:       a.ready,
		ModelLoaded: a.modelLoaded.Load,
		Health:      health.New(checkers...),
		Metrics:     a.metrics,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
	})

	mcp, err := mcpserver.New(mcpserver.Config{Places: a.places, Lore: a.lore, Dialogue: a.dialogue})
	if err != nil {
		return err
	}
	a.mcp = mcp
	a.api.Mount("/mcp", a.readyGate(mcp.Handler()))
	return nil
}

// readyGate answers 503 until startup has completed.
func (a *App) readyGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.ready.Ready() {
			w.Header().Set("Retry-After", "5")
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler chain.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Dialogue returns the orchestrator.
func (a *App) Dialogue() *dialogue.Orchestrator { return a.dialogue }

// Places returns the identification engine.
func (a *App) Places() *places.Engine { return a.places }

// Lore returns the lore index.
func (a *App) Lore() *lore.Index { return a.lore }

// Ready returns the readiness flag.
func (a *App) Ready() *health.Flag { return a.ready }

// Prepare waits for the image model and ingests the lore corpus and the
// places catalog, in that order. Ingestion is skipped for collections that
// already hold data. On success the readiness flag is set.
func (a *App) Prepare(ctx context.Context) error {
	start := time.Now()
	if err := a.waitForImageModel(ctx); err != nil {
		return err
	}
	a.modelLoaded.Store(true)

	chunks, err := a.lore.IngestOnce(ctx, a.cfg.Lore.CorpusPath)
	if errors.Is(err, lore.ErrCorpusMissing) {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err != nil {
		return fmt.Errorf("app: ingest lore: %w", err)
	}

	rep, err := a.places.IngestCatalog(ctx, a.cfg.Places.CatalogPath, a.cfg.Places.ImagesRoot)
	if errors.Is(err, places.ErrCatalogMissing) {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err != nil {
		return fmt.Errorf("app: ingest places: %w", err)
	}

	if a.matcher != nil {
		if err := a.loadBuildingNames(); err != nil {
			slog.Warn("building names unavailable, subject matching disabled", "err", err)
		}
	}

	a.ready.Set()
	slog.Info("startup complete",
		"lore_chunks", chunks,
		"place_images", max(rep.Stored, rep.Existing),
		"warnings", len(rep.Warnings),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// waitForImageModel polls the image embedder with exponential backoff until
// it reports ready or the configured timeout expires.
func (a *App) waitForImageModel(ctx context.Context) error {
	timeout := a.cfg.Providers.ImageEmbedder.ReadyTimeout
	if timeout <= 0 {
		timeout = config.DefaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	delay := a.readyPoll
	for attempt := 1; ; attempt++ {
		err := a.providers.ImageEmbedder.Ready(ctx)
		if err == nil {
			return nil
		}
		slog.Info("waiting for image model", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: image model not ready after %s: %w", ErrConfiguration, timeout, err)
		case <-time.After(delay):
		}
		delay = min(delay*2, readyPollMax)
	}
}

func (a *App) loadBuildingNames() error {
	f, err := os.Open(a.cfg.Places.CatalogPath)
	if err != nil {
		return err
	}
	defer f.Close()
	rows, err := places.ReadCatalog(f)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Name != "" {
			names = append(names, r.Name)
		}
	}
	a.matcher.SetNames(names)
	return nil
}

// Reingest drops the lore and places collections and rebuilds every
// component over fresh ones. Conversation memory is kept. It must be called
// before [App.Run]; call [App.Prepare] afterwards to ingest again.
func (a *App) Reingest(ctx context.Context) error {
	a.ready.Unset("reingesting")
	for _, name := range []string{a.cfg.VectorStore.Collections.Lore, a.cfg.VectorStore.Collections.Places} {
		err := a.providers.Store.DeleteCollection(ctx, name)
		if err != nil && !errors.Is(err, vectorstore.ErrNotFound) {
			return fmt.Errorf("app: drop collection %q: %w", name, err)
		}
		slog.Info("collection dropped", "collection", name)
	}
	if err := a.initRetrieval(ctx); err != nil {
		return err
	}
	if err := a.initDialogue(); err != nil {
		return err
	}
	return a.initServers()
}

// ApplyConfig applies the live-reloadable parts of a config change and logs
// the sections that need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.DialogueChanged {
		a.dialogue.SetSettings(DialogueSettings(new.Dialogue, new.Lore.TopK))
		slog.Info("dialogue settings reloaded")
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if !d.Reloadable() {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts down. Startup ingestion runs in the background; its failure stops
// the server and is returned.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go func() {
		if err := a.Prepare(ctx); err != nil {
			cancel(err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel(fmt.Errorf("app: http server: %w", err))
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer stop()
	shutdownErr := a.Shutdown(shutdownCtx)

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return shutdownErr
}

// Shutdown stops the HTTP server and releases resources in reverse order.
// It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.ready.Unset("shutting down")
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := len(a.closers) - 1; i >= 0; i-- {
				if err := a.closers[i](); err != nil {
					errs = append(errs, err)
				}
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: shutdown: %w", ctx.Err()))
		}
	})
	return errors.Join(errs...)
}

// DialogueSettings converts the dialogue config block.
func DialogueSettings(c config.DialogueConfig, loreTopK int) dialogue.Settings {
	s := dialogue.Settings{
		Persona:           c.Persona,
		PlayerName:        c.PlayerName,
		CompanionName:     c.CompanionName,
		HistoryTurns:      c.HistoryTurns,
		MemoryTopK:        c.MemoryTopK,
		MemoryMaxDistance: c.MemoryMaxDistance,
		LoreTopK:          loreTopK,
		MaxTokens:         c.MaxTokens,
		Timeout:           c.Timeout,
		Apology:           c.Apology,
		NoContextNote:     c.NoContextNote,
		UnidentifiedNote:  c.UnidentifiedNote,
	}
	if c.Temperature != nil {
		s.Temperature = *c.Temperature
	}
	return s
}

// ParseLogLevel maps a config log level to a slog level.
func ParseLogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newCapturer(c config.CaptureConfig) capture.Capturer {
	var src capture.Capturer
	switch c.Mode {
	case config.CaptureDirectory:
		src = capture.NewDirectoryCapturer(c.Path, c.MaxAge)
	default:
		if c.Path == "" {
			return nil
		}
		src = capture.StaticCapturer{Path: c.Path}
	}
	if c.Crop {
		return capture.CroppingCapturer{Source: src, Dir: os.TempDir()}
	}
	return src
}
