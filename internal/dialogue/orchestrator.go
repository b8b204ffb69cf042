// Package dialogue turns one player utterance into one companion reply.
//
// A turn runs in five steps. The utterance is classified. Context is gathered:
// the captured frame is identified when the player asks about a place, lore
// passages are retrieved, and earlier turns of the session are recalled from
// memory. The prompt is assembled from the persona, the context, and the last
// few turns. The reply is generated, either in one piece with
// [Orchestrator.Respond] or streamed with [Orchestrator.Stream]. Finally the
// completed turn is stored in the session history and in memory.
//
// Turns are processed one at a time. A generation failure never surfaces as
// an error: after one retry of a transient failure the companion apologises
// and the reply is flagged as degraded.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/hemdan/internal/capture"
	"github.com/MrWong99/hemdan/internal/intent"
	"github.com/MrWong99/hemdan/internal/lore"
	"github.com/MrWong99/hemdan/internal/observe"
	"github.com/MrWong99/hemdan/internal/places"
	"github.com/MrWong99/hemdan/internal/resilience"
	"github.com/MrWong99/hemdan/pkg/provider/llm"
)

// ErrEmptyUtterance is returned for a blank utterance.
var ErrEmptyUtterance = errors.New("dialogue: empty utterance")

// generationAttempts is one call plus one retry.
const generationAttempts = 2

// Retrieved chunk types.
const (
	ChunkPlace  = "place_identification"
	ChunkLore   = "lore"
	ChunkMemory = "memory"
)

// RetrievedChunk names one piece of context the reply was grounded on.
type RetrievedChunk struct {
	Type    string `json:"type"`
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Reply is the outcome of one turn.
type Reply struct {
	SessionID string
	// TurnNumber is zero when the turn was not stored.
	TurnNumber int

	Text    string
	Intent  intent.Intent
	Subject string
	Chunks  []RetrievedChunk

	// Identification is set when a place was recognised. Outcome is set
	// whenever identification was attempted.
	Identification *places.Identification
	Outcome        *places.Outcome

	// Degraded reports that generation failed and Text is the apology or a
	// partial stream. Degraded turns are not stored.
	Degraded bool
}

// Sink receives streamed reply fragments in order.
type Sink interface {
	Write(fragment string) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(fragment string) error

// Write calls f.
func (f SinkFunc) Write(fragment string) error { return f(fragment) }

// Classifier labels utterances.
type Classifier interface {
	Classify(ctx context.Context, utterance string) intent.Result
}

// Identifier names the building in a frame.
type Identifier interface {
	Identify(ctx context.Context, imagePath string, opts ...places.Option) (places.Identification, places.Outcome, error)
}

// LoreSource retrieves lore passages.
type LoreSource interface {
	Passages(ctx context.Context, query string, k int) ([]lore.Passage, error)
}

// TurnOption adjusts a single turn.
type TurnOption func(*turnOptions)

type turnOptions struct {
	imagePath string
}

// WithImagePath identifies the given frame instead of capturing one and
// skips classification: a turn with an image is always about a place.
func WithImagePath(path string) TurnOption {
	return func(o *turnOptions) { o.imagePath = path }
}

// Config wires an [Orchestrator]. LLM, Classifier, and Lore are required.
type Config struct {
	LLM        llm.Provider
	Classifier Classifier
	Lore       LoreSource

	// Places and Capture serve place questions. Without them every place
	// question is answered with the unidentified note.
	Places  Identifier
	Capture capture.Capturer

	// Memory is optional long-term recall.
	Memory *Memory
	// Sessions defaults to a fresh tracker.
	Sessions *Sessions

	Settings Settings
	Metrics  *observe.Metrics
}

// Orchestrator runs dialogue turns.
type Orchestrator struct {
	llm        llm.Provider
	classifier Classifier
	lore       LoreSource
	places     Identifier
	capture    capture.Capturer
	memory     *Memory
	sessions   *Sessions
	metrics    *observe.Metrics

	settings atomic.Pointer[Settings]

	// mu serialises turns.
	mu sync.Mutex
}

// New returns an orchestrator for cfg.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.LLM == nil:
		return nil, errors.New("dialogue: LLM provider is required")
	case cfg.Classifier == nil:
		return nil, errors.New("dialogue: classifier is required")
	case cfg.Lore == nil:
		return nil, errors.New("dialogue: lore source is required")
	}
	o := &Orchestrator{
		llm:        cfg.LLM,
		classifier: cfg.Classifier,
		lore:       cfg.Lore,
		places:     cfg.Places,
		capture:    cfg.Capture,
		memory:     cfg.Memory,
		sessions:   cfg.Sessions,
		metrics:    cfg.Metrics,
	}
	if o.sessions == nil {
		o.sessions = NewSessions()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.SetSettings(cfg.Settings)
	return o, nil
}

// Sessions returns the session tracker.
func (o *Orchestrator) Sessions() *Sessions { return o.sessions }

// Settings returns the settings in effect.
func (o *Orchestrator) Settings() Settings { return *o.settings.Load() }

// SetSettings replaces the settings from the next turn on. Empty fields take
// their defaults.
func (o *Orchestrator) SetSettings(s Settings) {
	s = s.withDefaults()
	o.settings.Store(&s)
}

// turn is the prepared state of one exchange.
type turn struct {
	sessionID string
	utterance string
	settings  Settings
	req       llm.CompletionRequest
	reply     Reply
}

// Respond answers utterance in sessionID, or in the current session when
// sessionID is empty. The only errors are [ErrEmptyUtterance] and the
// cancellation of ctx.
func (o *Orchestrator) Respond(ctx context.Context, sessionID, utterance string, opts ...TurnOption) (Reply, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "dialogue.respond")
	defer span.End()

	t, err := o.prepare(ctx, sessionID, utterance, opts)
	if err != nil {
		return Reply{}, err
	}

	var text string
	start := time.Now()
	err = resilience.Retry(ctx, generationAttempts, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, t.settings.Timeout)
		defer cancel()
		resp, err := o.llm.Complete(actx, t.req)
		if err != nil {
			return err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return errors.New("empty completion")
		}
		text = resp.Content
		return nil
	})
	o.metrics.RecordLLM(ctx, "generate", time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, fmt.Errorf("dialogue: %w", ctx.Err())
		}
		span.RecordError(err)
		return o.degrade(ctx, t, err), nil
	}
	return o.finish(ctx, t, text), nil
}

// errDelivered stops retries once fragments have reached the sink.
var errDelivered = errors.New("dialogue: fragments already delivered")

// sinkError marks a failure of the sink rather than of generation.
type sinkError struct{ err error }

func (e sinkError) Error() string { return "dialogue: sink: " + e.err.Error() }
func (e sinkError) Unwrap() error { return e.err }

// Stream is [Orchestrator.Respond] with the reply delivered fragment by
// fragment to sink. When ctx ends or sink fails, generation stops, the turn
// is not stored, and the error is returned. A generation failure before the
// first fragment sends the apology as a single fragment.
func (o *Orchestrator) Stream(ctx context.Context, sessionID, utterance string, sink Sink, opts ...TurnOption) (Reply, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "dialogue.stream")
	defer span.End()

	t, err := o.prepare(ctx, sessionID, utterance, opts)
	if err != nil {
		return Reply{}, err
	}

	var (
		sb      strings.Builder
		failure error
	)
	start := time.Now()
	err = resilience.Retry(ctx, generationAttempts, func(ctx context.Context) error {
		err := o.streamOnce(ctx, t, sink, &sb)
		if err != nil && sb.Len() > 0 {
			failure = err
			return errDelivered
		}
		return err
	})
	o.metrics.RecordLLM(ctx, "stream", time.Since(start))
	if errors.Is(err, errDelivered) {
		err = failure
	}

	var se sinkError
	switch {
	case err == nil:
		return o.finish(ctx, t, sb.String()), nil
	case errors.As(err, &se):
		observe.Logger(ctx).Info("stream receiver gone, turn dropped", "err", se.err)
		return Reply{}, err
	case ctx.Err() != nil:
		return Reply{}, fmt.Errorf("dialogue: %w", ctx.Err())
	}

	span.RecordError(err)
	if sb.Len() > 0 {
		observe.Logger(ctx).Error("stream broke off, partial reply not stored", "err", err, "delivered", sb.Len())
		o.metrics.RecordTurn(ctx, string(t.reply.Intent), true)
		r := t.reply
		r.Text = sb.String()
		r.Degraded = true
		return r, nil
	}
	r := o.degrade(ctx, t, err)
	if werr := sink.Write(r.Text); werr != nil {
		return Reply{}, sinkError{err: werr}
	}
	return r, nil
}

// streamOnce runs a single streamed generation, appending delivered text
// to sb.
func (o *Orchestrator) streamOnce(ctx context.Context, t *turn, sink Sink, sb *strings.Builder) error {
	ctx, cancel := context.WithTimeout(ctx, t.settings.Timeout)
	defer cancel()

	ch, err := o.llm.StreamCompletion(ctx, t.req)
	if err != nil {
		return err
	}
	var result error
	for c := range ch {
		if result != nil {
			continue
		}
		if c.FinishReason == llm.FinishReasonError {
			result = resilience.Transient(fmt.Errorf("stream: %s", c.Text))
			continue
		}
		if c.Text == "" {
			continue
		}
		if err := sink.Write(c.Text); err != nil {
			result = sinkError{err: err}
			cancel()
			continue
		}
		sb.WriteString(c.Text)
	}
	if result == nil {
		result = ctx.Err()
	}
	if result == nil && strings.TrimSpace(sb.String()) == "" {
		result = errors.New("empty completion")
	}
	return result
}

// degrade builds the apology reply for a failed generation.
func (o *Orchestrator) degrade(ctx context.Context, t *turn, err error) Reply {
	observe.Logger(ctx).Error("generation failed, apologising", "err", err)
	o.metrics.RecordTurn(ctx, string(t.reply.Intent), true)
	r := t.reply
	r.Text = t.settings.fill(t.settings.Apology)
	r.Degraded = true
	return r
}

// finish stores a completed turn and returns the reply.
func (o *Orchestrator) finish(ctx context.Context, t *turn, text string) Reply {
	s := t.settings
	now := time.Now().UTC()
	stored := o.sessions.Append(t.sessionID, t.utterance, text, now)
	if o.memory != nil {
		doc := FormatTurn(s.PlayerName, s.CompanionName, t.utterance, text)
		meta := TurnMeta{
			SessionID:         t.sessionID,
			Timestamp:         now,
			TurnNumber:        stored.Number,
			UserMessage:       t.utterance,
			AssistantResponse: text,
		}
		if err := o.memory.Store(ctx, doc, meta); err != nil {
			observe.Logger(ctx).Error("turn not remembered", "err", err)
		}
	}
	o.metrics.RecordTurn(ctx, string(t.reply.Intent), false)

	r := t.reply
	r.Text = text
	r.TurnNumber = stored.Number
	return r
}

// prepare classifies the utterance, gathers context, and builds the request.
func (o *Orchestrator) prepare(ctx context.Context, sessionID, utterance string, opts []TurnOption) (*turn, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, ErrEmptyUtterance
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dialogue: %w", err)
	}
	var to turnOptions
	for _, opt := range opts {
		opt(&to)
	}
	if sessionID == "" {
		sessionID = o.sessions.Current()
	}
	t := &turn{
		sessionID: sessionID,
		utterance: utterance,
		settings:  o.Settings(),
		reply:     Reply{SessionID: sessionID, Chunks: []RetrievedChunk{}},
	}
	log := observe.Logger(ctx).With("session_id", sessionID)

	var res intent.Result
	if to.imagePath != "" {
		res = intent.Result{Intent: intent.PlaceIdentification}
	} else {
		res = o.classifier.Classify(ctx, utterance)
	}
	t.reply.Intent, t.reply.Subject = res.Intent, res.Subject

	// Retrieval steps run one after another; a turn never has two
	// identification or retrieval requests in flight.
	var parts []string
	if res.Intent == intent.PlaceIdentification {
		parts = o.placeContext(ctx, t, to.imagePath)
	} else {
		parts = o.loreContext(ctx, t, res)
	}
	if memories := o.recall(ctx, sessionID, utterance, t.settings); len(memories) > 0 {
		parts = append(parts, "\nRelevant earlier conversation:")
		for _, m := range memories {
			parts = append(parts, "- "+m.Content)
		}
		t.reply.Chunks = append(t.reply.Chunks, memories...)
	}

	contextMsg := t.settings.NoContextNote
	if len(parts) > 0 {
		contextMsg = "Available context:\n" + strings.Join(parts, "\n")
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: contextMsg}}
	for _, h := range o.sessions.History(sessionID, t.settings.HistoryTurns) {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: h.User},
			llm.Message{Role: llm.RoleAssistant, Content: h.Assistant})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: utterance})

	t.req = llm.CompletionRequest{
		SystemPrompt: t.settings.SystemPrompt(),
		Messages:     msgs,
		Temperature:  t.settings.Temperature,
		MaxTokens:    t.settings.MaxTokens,
	}
	log.Debug("prompt assembled", "intent", res.Intent, "chunks", len(t.reply.Chunks), "messages", len(msgs))
	return t, nil
}

// placeContext identifies the frame and returns the context lines for it.
// The attempt is always reported to the model, successful or not.
func (o *Orchestrator) placeContext(ctx context.Context, t *turn, imagePath string) []string {
	log := observe.Logger(ctx)
	unidentified := []string{"Information from the image analysis:", t.settings.fill(t.settings.UnidentifiedNote)}

	if o.places == nil {
		log.Warn("place question without an identification engine")
		return unidentified
	}
	if imagePath == "" {
		if o.capture == nil {
			log.Warn("place question without a frame source")
			return unidentified
		}
		p, err := o.capture.Capture(ctx)
		if err != nil {
			log.Warn("frame capture failed", "err", err)
			return unidentified
		}
		imagePath = p
	}

	id, outcome, err := o.places.Identify(ctx, imagePath)
	if err != nil {
		log.Error("place identification failed", "err", err)
		return unidentified
	}
	t.reply.Outcome = &outcome
	if outcome != places.OutcomeIdentified {
		return unidentified
	}
	t.reply.Identification = &id

	parts := []string{
		"Information from the image analysis:",
		fmt.Sprintf("The image was analysed. The results strongly indicate that this place is %q. What is known about it: %q", id.BuildingName, id.Description),
	}
	t.reply.Chunks = append(t.reply.Chunks, RetrievedChunk{
		Type:    ChunkPlace,
		Source:  "Image Analysis",
		Content: id.BuildingName + ": " + id.Description,
	})
	passages := o.passages(ctx, t.settings.LoreTopK, id.BuildingName+" "+id.Description)
	if len(passages) > 0 {
		parts = append(parts, "\nRelated information from the game's story:")
		parts = append(parts, o.addLore(t, passages)...)
	}
	return parts
}

// loreContext returns the lore lines for a lore question or small talk.
func (o *Orchestrator) loreContext(ctx context.Context, t *turn, res intent.Result) []string {
	queries := []string{t.utterance}
	if res.Match != "" && !strings.EqualFold(res.Match, t.utterance) {
		queries = append(queries, res.Match)
	}
	passages := o.passages(ctx, t.settings.LoreTopK, queries...)
	if len(passages) == 0 {
		return nil
	}
	return append([]string{"Information from the game's story:"}, o.addLore(t, passages)...)
}

// passages retrieves lore for each query, dropping passages already found
// by an earlier query. Failures are logged and yield nothing.
func (o *Orchestrator) passages(ctx context.Context, k int, queries ...string) []lore.Passage {
	var (
		out  []lore.Passage
		seen = make(map[string]struct{})
	)
	for _, q := range queries {
		ps, err := o.lore.Passages(ctx, q, k)
		if err != nil {
			observe.Logger(ctx).Error("lore retrieval failed", "query", q, "err", err)
			continue
		}
		for _, p := range ps {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) addLore(t *turn, passages []lore.Passage) []string {
	lines := make([]string, len(passages))
	for i, p := range passages {
		lines[i] = "- " + p.Text
		t.reply.Chunks = append(t.reply.Chunks, RetrievedChunk{Type: ChunkLore, Source: p.Source, Content: p.Text})
	}
	return lines
}

// recall returns remembered turns of the session relevant to utterance.
func (o *Orchestrator) recall(ctx context.Context, sessionID, utterance string, s Settings) []RetrievedChunk {
	if o.memory == nil {
		return nil
	}
	hits, err := o.memory.Recall(ctx, sessionID, utterance, s.MemoryTopK, s.MemoryMaxDistance)
	if err != nil {
		observe.Logger(ctx).Warn("memory recall failed", "err", err)
		return nil
	}
	out := make([]RetrievedChunk, len(hits))
	for i, h := range hits {
		out[i] = RetrievedChunk{Type: ChunkMemory, Source: "conversation_memory", Content: h.Document}
	}
	return out
}
