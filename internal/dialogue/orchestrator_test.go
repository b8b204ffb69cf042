package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/hemdan/internal/intent"
	"github.com/MrWong99/hemdan/internal/lore"
	"github.com/MrWong99/hemdan/internal/places"
	embmock "github.com/MrWong99/hemdan/pkg/provider/embeddings/mock"
	"github.com/MrWong99/hemdan/pkg/provider/llm"
	llmmock "github.com/MrWong99/hemdan/pkg/provider/llm/mock"
	"github.com/MrWong99/hemdan/pkg/vectorstore"
	"github.com/MrWong99/hemdan/pkg/vectorstore/memstore"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeClassifier struct {
	res   intent.Result
	calls int
}

func (f *fakeClassifier) Classify(_ context.Context, utterance string) intent.Result {
	f.calls++
	r := f.res
	if r.Intent == "" {
		r = intent.Result{Intent: intent.LoreQuery, Subject: utterance}
	}
	return r
}

type fakeIdentifier struct {
	id      places.Identification
	outcome places.Outcome
	err     error
	paths   []string
}

func (f *fakeIdentifier) Identify(_ context.Context, path string, _ ...places.Option) (places.Identification, places.Outcome, error) {
	f.paths = append(f.paths, path)
	return f.id, f.outcome, f.err
}

type fakeLore struct {
	byQuery map[string][]lore.Passage
	err     error
	queries []string
}

func (f *fakeLore) Passages(_ context.Context, query string, _ int) ([]lore.Passage, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.byQuery[query], nil
}

type fakeCapturer struct {
	path string
	err  error
}

func (f fakeCapturer) Capture(context.Context) (string, error) { return f.path, f.err }

type collectSink struct {
	fragments []string
	err       error
}

func (s *collectSink) Write(fragment string) error {
	if s.err != nil {
		return s.err
	}
	s.fragments = append(s.fragments, fragment)
	return nil
}

func answer(text string) *llmmock.Provider {
	return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: text}}
}

func newOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.LLM == nil {
		cfg.LLM = answer("ok")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = &fakeClassifier{}
	}
	if cfg.Lore == nil {
		cfg.Lore = &fakeLore{}
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func lastRequest(t *testing.T, p *llmmock.Provider) llm.CompletionRequest {
	t.Helper()
	calls := p.Calls()
	if len(calls) == 0 {
		t.Fatal("LLM never called")
	}
	return calls[len(calls)-1].Req
}

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var obelisk = places.Identification{
	BuildingName: "Obelisk of Karnak",
	Description:  "A granite obelisk raised by Hatshepsut.",
	Confidence:   0.9,
	MatchCount:   4,
}

// ── Respond ──────────────────────────────────────────────────────────────────

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	cfgs := []Config{
		{Classifier: &fakeClassifier{}, Lore: &fakeLore{}},
		{LLM: answer("x"), Lore: &fakeLore{}},
		{LLM: answer("x"), Classifier: &fakeClassifier{}},
	}
	for i, cfg := range cfgs {
		if _, err := New(cfg); err == nil {
			t.Errorf("config %d: New succeeded, want error", i)
		}
	}
}

func TestRespond_LoreQuery(t *testing.T) {
	t.Parallel()
	p := answer("The obelisk was raised by Hatshepsut, Lorenzo.")
	lr := &fakeLore{byQuery: map[string][]lore.Passage{
		"Who built the obelisk?": {{ID: "c1", Text: "Hatshepsut raised two obelisks at Karnak.", Source: "lore.txt"}},
	}}
	o := newOrchestrator(t, Config{LLM: p, Lore: lr})

	r, err := o.Respond(context.Background(), "", "  Who built the obelisk?  ")
	if err != nil {
		t.Fatal(err)
	}
	if r.Text != "The obelisk was raised by Hatshepsut, Lorenzo." || r.Degraded {
		t.Errorf("reply = %q degraded=%v", r.Text, r.Degraded)
	}
	if r.Intent != intent.LoreQuery || r.TurnNumber != 1 || r.SessionID != o.Sessions().Current() {
		t.Errorf("reply meta = intent %q turn %d session %q", r.Intent, r.TurnNumber, r.SessionID)
	}
	want := RetrievedChunk{Type: ChunkLore, Source: "lore.txt", Content: "Hatshepsut raised two obelisks at Karnak."}
	if len(r.Chunks) != 1 || r.Chunks[0] != want {
		t.Errorf("chunks = %+v", r.Chunks)
	}

	req := lastRequest(t, p)
	if !strings.Contains(req.SystemPrompt, `play "Hemdan"`) || !strings.Contains(req.SystemPrompt, "Lorenzo") {
		t.Errorf("system prompt lacks names: %q", req.SystemPrompt)
	}
	if req.Temperature != 0.7 || req.MaxTokens != 1000 || req.ResponseFormat != "" {
		t.Errorf("request params = temp %v max %d format %q", req.Temperature, req.MaxTokens, req.ResponseFormat)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	ctxMsg := req.Messages[0]
	if ctxMsg.Role != llm.RoleSystem || !strings.HasPrefix(ctxMsg.Content, "Available context:\n") ||
		!strings.Contains(ctxMsg.Content, "- Hatshepsut raised two obelisks at Karnak.") {
		t.Errorf("context message = %+v", ctxMsg)
	}
	if last := req.Messages[1]; last.Role != llm.RoleUser || last.Content != "Who built the obelisk?" {
		t.Errorf("user message = %+v", last)
	}
}

func TestRespond_NoContext(t *testing.T) {
	t.Parallel()
	p := answer("Hello, Lorenzo.")
	o := newOrchestrator(t, Config{
		LLM:        p,
		Classifier: &fakeClassifier{res: intent.Result{Intent: intent.GeneralConversation}},
		Lore:       &fakeLore{err: errors.New("store down")},
	})
	r, err := o.Respond(context.Background(), "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if r.Intent != intent.GeneralConversation || len(r.Chunks) != 0 || r.Chunks == nil {
		t.Errorf("reply = %+v", r)
	}
	if got := lastRequest(t, p).Messages[0].Content; got != "No additional context available." {
		t.Errorf("context message = %q", got)
	}
}

func TestRespond_MatchedSubjectAddsQuery(t *testing.T) {
	t.Parallel()
	shared := lore.Passage{ID: "c1", Text: "The obelisk stands at Karnak.", Source: "lore.txt"}
	lr := &fakeLore{byQuery: map[string][]lore.Passage{
		"tell me about the obelisk of carnac": {shared},
		"Obelisk of Karnak":                   {shared, {ID: "c2", Text: "It is made of red granite.", Source: "lore.txt"}},
	}}
	cl := &fakeClassifier{res: intent.Result{Intent: intent.LoreQuery, Subject: "obelisk of carnac", Match: "Obelisk of Karnak"}}
	o := newOrchestrator(t, Config{Classifier: cl, Lore: lr})

	r, err := o.Respond(context.Background(), "", "tell me about the obelisk of carnac")
	if err != nil {
		t.Fatal(err)
	}
	if len(lr.queries) != 2 || lr.queries[1] != "Obelisk of Karnak" {
		t.Errorf("queries = %q", lr.queries)
	}
	if len(r.Chunks) != 2 || r.Chunks[0].Content != shared.Text || r.Chunks[1].Content != "It is made of red granite." {
		t.Errorf("chunks = %+v, want deduplicated passages", r.Chunks)
	}
}

func TestRespond_PlaceIdentified(t *testing.T) {
	t.Parallel()
	p := answer("That is the Obelisk of Karnak, Lorenzo.")
	id := &fakeIdentifier{id: obelisk, outcome: places.OutcomeIdentified}
	loreQuery := obelisk.BuildingName + " " + obelisk.Description
	lr := &fakeLore{byQuery: map[string][]lore.Passage{
		loreQuery: {{ID: "c9", Text: "Hatshepsut had it covered in electrum.", Source: "lore.txt"}},
	}}
	o := newOrchestrator(t, Config{
		LLM:        p,
		Classifier: &fakeClassifier{res: intent.Result{Intent: intent.PlaceIdentification}},
		Lore:       lr,
		Places:     id,
		Capture:    fakeCapturer{path: "/frames/latest.png"},
	})

	r, err := o.Respond(context.Background(), "", "What is this building?")
	if err != nil {
		t.Fatal(err)
	}
	if len(id.paths) != 1 || id.paths[0] != "/frames/latest.png" {
		t.Errorf("identified paths = %q", id.paths)
	}
	if r.Identification == nil || r.Identification.BuildingName != "Obelisk of Karnak" {
		t.Fatalf("identification = %+v", r.Identification)
	}
	if r.Outcome == nil || *r.Outcome != places.OutcomeIdentified {
		t.Errorf("outcome = %v", r.Outcome)
	}
	if len(lr.queries) != 1 || lr.queries[0] != loreQuery {
		t.Errorf("lore queries = %q", lr.queries)
	}
	if len(r.Chunks) != 2 || r.Chunks[0].Type != ChunkPlace || r.Chunks[1].Type != ChunkLore {
		t.Errorf("chunks = %+v", r.Chunks)
	}
	ctxMsg := lastRequest(t, p).Messages[0].Content
	for _, want := range []string{`"Obelisk of Karnak"`, "strongly indicate", "Related information from the game's story:", "- Hatshepsut had it covered in electrum."} {
		if !strings.Contains(ctxMsg, want) {
			t.Errorf("context message lacks %q:\n%s", want, ctxMsg)
		}
	}
}

func TestRespond_PlaceNotIdentified(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		id      *fakeIdentifier
		capture fakeCapturer
		opts    []TurnOption
	}{
		{name: "no consensus", id: &fakeIdentifier{outcome: places.OutcomeNoConsensus}, capture: fakeCapturer{path: "f.png"}},
		{name: "insufficient data", id: &fakeIdentifier{outcome: places.OutcomeInsufficientData}, capture: fakeCapturer{path: "f.png"}},
		{name: "model failure", id: &fakeIdentifier{err: errors.New("kserve down")}, capture: fakeCapturer{path: "f.png"}},
		{name: "capture failure", id: &fakeIdentifier{outcome: places.OutcomeIdentified, id: obelisk}, capture: fakeCapturer{err: errors.New("no frame")}},
		{name: "forced image path", id: &fakeIdentifier{outcome: places.OutcomeInvalidInput}, opts: []TurnOption{WithImagePath("/tmp/missing.png")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := answer("I'm not sure, Lorenzo.")
			cl := &fakeClassifier{res: intent.Result{Intent: intent.PlaceIdentification}}
			lr := &fakeLore{}
			o := newOrchestrator(t, Config{LLM: p, Classifier: cl, Lore: lr, Places: tt.id, Capture: tt.capture})

			r, err := o.Respond(context.Background(), "", "what's that?", tt.opts...)
			if err != nil {
				t.Fatal(err)
			}
			if r.Intent != intent.PlaceIdentification || r.Identification != nil {
				t.Errorf("reply = intent %q identification %+v", r.Intent, r.Identification)
			}
			ctxMsg := lastRequest(t, p).Messages[0].Content
			if !strings.Contains(ctxMsg, "I analysed the image but could not identify this building.") {
				t.Errorf("context message lacks the unidentified note:\n%s", ctxMsg)
			}
			if len(lr.queries) != 0 {
				t.Errorf("lore queried for an unidentified place: %q", lr.queries)
			}
			if tt.opts != nil {
				if cl.calls != 0 {
					t.Error("classifier called for a turn with an image")
				}
				if len(tt.id.paths) != 1 || tt.id.paths[0] != "/tmp/missing.png" {
					t.Errorf("identified paths = %q", tt.id.paths)
				}
			}
		})
	}
}

func TestRespond_History(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteFunc: func(call int, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: "reply " + string(rune('a'+call))}, nil
	}}
	o := newOrchestrator(t, Config{LLM: p})
	ctx := context.Background()
	for _, u := range []string{"one", "two", "three", "four"} {
		if _, err := o.Respond(ctx, "", u); err != nil {
			t.Fatal(err)
		}
	}
	r, err := o.Respond(ctx, "", "five")
	if err != nil {
		t.Fatal(err)
	}
	if r.TurnNumber != 5 {
		t.Errorf("turn number = %d, want 5", r.TurnNumber)
	}

	msgs := lastRequest(t, p).Messages
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "two"}, {Role: llm.RoleAssistant, Content: "reply b"},
		{Role: llm.RoleUser, Content: "three"}, {Role: llm.RoleAssistant, Content: "reply c"},
		{Role: llm.RoleUser, Content: "four"}, {Role: llm.RoleAssistant, Content: "reply d"},
		{Role: llm.RoleUser, Content: "five"},
	}
	if len(msgs) != len(want)+1 {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want)+1)
	}
	for i, w := range want {
		if msgs[i+1] != w {
			t.Errorf("message %d = %+v, want %+v", i+1, msgs[i+1], w)
		}
	}

	// Another session starts without history.
	if _, err := o.Respond(ctx, "other", "hello"); err != nil {
		t.Fatal(err)
	}
	if n := len(lastRequest(t, p).Messages); n != 2 {
		t.Errorf("fresh session sent %d messages, want 2", n)
	}
}

func TestRespond_RetriesTransientOnce(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteFunc: func(call int, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if call == 0 {
			return nil, &llm.StatusError{Code: 503, Err: errors.New("overloaded")}
		}
		return &llm.CompletionResponse{Content: "Second time lucky."}, nil
	}}
	o := newOrchestrator(t, Config{LLM: p})
	r, err := o.Respond(context.Background(), "", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if r.Degraded || r.Text != "Second time lucky." || len(p.Calls()) != 2 {
		t.Errorf("reply = %+v after %d calls", r, len(p.Calls()))
	}
}

func TestRespond_Apology(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"transient twice", &llm.StatusError{Code: 429, Err: errors.New("slow down")}, 2},
		{"permanent", &llm.StatusError{Code: 401, Err: errors.New("bad key")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &llmmock.Provider{CompleteErr: tt.err}
			o := newOrchestrator(t, Config{LLM: p})
			r, err := o.Respond(context.Background(), "", "hello")
			if err != nil {
				t.Fatalf("Respond error = %v, want apology", err)
			}
			if !r.Degraded || r.Text != "Sorry Lorenzo, something went wrong in the system." {
				t.Errorf("reply = %q degraded=%v", r.Text, r.Degraded)
			}
			if got := len(p.Calls()); got != tt.wantCalls {
				t.Errorf("LLM called %d times, want %d", got, tt.wantCalls)
			}
			if _, turns := o.Sessions().Summary(3); len(turns) != 0 || r.TurnNumber != 0 {
				t.Errorf("degraded turn stored: %+v", turns)
			}
		})
	}
}

func TestRespond_Errors(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t, Config{})
	if _, err := o.Respond(context.Background(), "", "   "); !errors.Is(err, ErrEmptyUtterance) {
		t.Errorf("blank utterance err = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Respond(ctx, "", "hello"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v", err)
	}
}

func TestSetSettings_AppliesToNextTurn(t *testing.T) {
	t.Parallel()
	p := answer("ok")
	o := newOrchestrator(t, Config{LLM: p})
	o.SetSettings(Settings{
		Persona:       "You are {companion}, the friend of {player}.",
		PlayerName:    "Amira",
		Temperature:   0.2,
		NoContextNote: "Nothing known.",
	})
	if _, err := o.Respond(context.Background(), "", "hi"); err != nil {
		t.Fatal(err)
	}
	req := lastRequest(t, p)
	if req.SystemPrompt != "You are Hemdan, the friend of Amira." {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if req.Temperature != 0.2 || req.Messages[0].Content != "Nothing known." {
		t.Errorf("request = temp %v context %q", req.Temperature, req.Messages[0].Content)
	}
	if s := o.Settings(); s.HistoryTurns != 3 || s.MaxTokens != 1000 {
		t.Errorf("defaults not applied: %+v", s)
	}
}

// ── Memory ───────────────────────────────────────────────────────────────────

func newMemory(t *testing.T, emb *embmock.Provider) (*Memory, vectorstore.Collection) {
	t.Helper()
	coll, err := memstore.New().Collection(context.Background(), vectorstore.CollectionSpec{
		Name: "conversation_memory", Dimensions: emb.Dimensions(), Distance: vectorstore.Cosine,
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewMemory(coll, emb), coll
}

func TestRespond_RemembersAndRecalls(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{DimensionsValue: 4, EmbedFunc: func(string) []float32 { return []float32{1, 0, 0, 0} }}
	mem, coll := newMemory(t, emb)
	p := answer("Hello, Lorenzo.")
	o := newOrchestrator(t, Config{LLM: p, Memory: mem})
	ctx := context.Background()

	first, err := o.Respond(ctx, "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	records, err := coll.Get(ctx, vectorstore.Get{})
	if err != nil || len(records) != 1 {
		t.Fatalf("memory records = %d, %v", len(records), err)
	}
	if records[0].Document != "Lorenzo: hi\nHemdan: Hello, Lorenzo." {
		t.Errorf("document = %q", records[0].Document)
	}
	meta, err := TurnCodec.Decode(records[0].Metadata)
	if err != nil {
		t.Fatal(err)
	}
	if meta.SessionID != first.SessionID || meta.TurnNumber != 1 || meta.UserMessage != "hi" || meta.AssistantResponse != "Hello, Lorenzo." {
		t.Errorf("meta = %+v", meta)
	}

	second, err := o.Respond(ctx, "", "do you remember?")
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Chunks) != 1 || second.Chunks[0].Type != ChunkMemory {
		t.Fatalf("chunks = %+v", second.Chunks)
	}
	if ctxMsg := lastRequest(t, p).Messages[0].Content; !strings.Contains(ctxMsg, "- Lorenzo: hi\nHemdan: Hello, Lorenzo.") {
		t.Errorf("context message lacks the memory:\n%s", ctxMsg)
	}

	// Memories never cross sessions.
	third, err := o.Respond(ctx, o.Sessions().New(), "do you remember?")
	if err != nil {
		t.Fatal(err)
	}
	if len(third.Chunks) != 0 {
		t.Errorf("new session recalled %+v", third.Chunks)
	}
}

func TestMemory_RecallDropsDistantTurns(t *testing.T) {
	t.Parallel()
	vecs := map[string][]float32{
		"near":  {1, 0, 0, 0},
		"far":   {0, 1, 0, 0},
		"query": {1, 0.1, 0, 0},
	}
	emb := &embmock.Provider{DimensionsValue: 4, EmbedFunc: func(text string) []float32 { return vecs[text] }}
	mem, _ := newMemory(t, emb)
	ctx := context.Background()
	for _, doc := range []string{"near", "far"} {
		if err := mem.Store(ctx, doc, TurnMeta{SessionID: "s1", TurnNumber: 1}); err != nil {
			t.Fatal(err)
		}
	}
	hits, err := mem.Recall(ctx, "s1", "query", 5, 0.7)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Document != "near" {
		t.Errorf("hits = %+v, want only the near turn", hits)
	}
	if n, _ := mem.Count(ctx); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestRespond_MemoryFailureStillReplies(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{DimensionsValue: 4, EmbedBatchErr: errors.New("embedding quota")}
	mem, _ := newMemory(t, emb)
	o := newOrchestrator(t, Config{LLM: answer("Still here."), Memory: mem})
	r, err := o.Respond(context.Background(), "", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if r.Degraded || r.Text != "Still here." || r.TurnNumber != 1 {
		t.Errorf("reply = %+v", r)
	}
}

// busyCollection marks its queries in flight for a short while so that
// anything running alongside can observe them.
type busyCollection struct {
	vectorstore.Collection
	inFlight atomic.Int32
	queries  atomic.Int32
}

func (c *busyCollection) Query(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	c.queries.Add(1)
	time.Sleep(20 * time.Millisecond)
	return c.Collection.Query(ctx, q)
}

// overlapLore samples the memory collection while a lore lookup runs.
type overlapLore struct {
	coll       *busyCollection
	overlapped atomic.Bool
}

func (l *overlapLore) Passages(context.Context, string, int) ([]lore.Passage, error) {
	for range 5 {
		if l.coll.inFlight.Load() > 0 {
			l.overlapped.Store(true)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return []lore.Passage{{ID: "p1", Text: "Karnak was built over centuries.", Source: "lore.txt"}}, nil
}

func TestRespond_RetrievalIsSequential(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{DimensionsValue: 4, EmbedFunc: func(string) []float32 { return []float32{1, 0, 0, 0} }}
	_, inner := newMemory(t, emb)
	coll := &busyCollection{Collection: inner}
	src := &overlapLore{coll: coll}
	o := newOrchestrator(t, Config{Lore: src, Memory: NewMemory(coll, emb)})

	if _, err := o.Respond(context.Background(), "", "tell me about Karnak"); err != nil {
		t.Fatal(err)
	}
	if coll.queries.Load() == 0 {
		t.Fatal("memory was never queried")
	}
	if src.overlapped.Load() {
		t.Error("memory query ran while lore retrieval was in flight")
	}
}

func TestTurnCodec_RequiresFields(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"session_id", "timestamp", "turn_number"} {
		md := TurnCodec.Encode(TurnMeta{SessionID: "s", TurnNumber: 2})
		delete(md, key)
		if _, err := TurnCodec.Decode(md); !errors.Is(err, vectorstore.ErrSchema) {
			t.Errorf("without %s: err = %v, want ErrSchema", key, err)
		}
	}
}

// ── Stream ───────────────────────────────────────────────────────────────────

func TestStream_DeliversAndStores(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hello"}, {Text: ", "}, {Text: "Lorenzo."}, {FinishReason: "stop"},
	}}
	o := newOrchestrator(t, Config{LLM: p})
	sink := &collectSink{}

	r, err := o.Stream(context.Background(), "", "hi", sink)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(sink.fragments, "|") != "Hello|, |Lorenzo." {
		t.Errorf("fragments = %q", sink.fragments)
	}
	if r.Text != "Hello, Lorenzo." || r.TurnNumber != 1 || r.Degraded {
		t.Errorf("reply = %+v", r)
	}
	if _, turns := o.Sessions().Summary(3); len(turns) != 1 || turns[0].Assistant != "Hello, Lorenzo." {
		t.Errorf("history = %+v", turns)
	}
}

func TestStream_SinkFailureDropsTurn(t *testing.T) {
	t.Parallel()
	errGone := errors.New("client gone")
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Hello"}, {Text: " there"}}}
	o := newOrchestrator(t, Config{LLM: p})

	_, err := o.Stream(context.Background(), "", "hi", &collectSink{err: errGone})
	if !errors.Is(err, errGone) {
		t.Errorf("err = %v, want sink error", err)
	}
	if _, turns := o.Sessions().Summary(3); len(turns) != 0 {
		t.Errorf("turn stored after sink failure: %+v", turns)
	}
	if len(p.StreamCalls) != 1 {
		t.Errorf("stream started %d times, want 1", len(p.StreamCalls))
	}
}

func TestStream_CancelMidStream(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "one"}, {Text: "two"}, {Text: "three"}}}
	o := newOrchestrator(t, Config{LLM: p})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := SinkFunc(func(string) error {
		cancel()
		return nil
	})
	if _, err := o.Stream(ctx, "", "hi", sink); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if _, turns := o.Sessions().Summary(3); len(turns) != 0 {
		t.Errorf("cancelled turn stored: %+v", turns)
	}
}

func TestStream_FailureBeforeFirstFragment(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamErr: &llm.StatusError{Code: 400, Err: errors.New("bad request")}}
	o := newOrchestrator(t, Config{LLM: p})
	sink := &collectSink{}

	r, err := o.Stream(context.Background(), "", "hi", sink)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Degraded || len(sink.fragments) != 1 || sink.fragments[0] != r.Text {
		t.Errorf("reply = %+v, fragments = %q", r, sink.fragments)
	}
}

func TestStream_ErrorChunkAfterText(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "The obelisk"}, {FinishReason: llm.FinishReasonError, Text: "connection reset"},
	}}
	o := newOrchestrator(t, Config{LLM: p})
	sink := &collectSink{}

	r, err := o.Stream(context.Background(), "", "hi", sink)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Degraded || r.Text != "The obelisk" {
		t.Errorf("reply = %+v, want degraded partial", r)
	}
	if len(p.StreamCalls) != 1 {
		t.Errorf("stream restarted after delivering text: %d calls", len(p.StreamCalls))
	}
	if _, turns := o.Sessions().Summary(3); len(turns) != 0 {
		t.Errorf("partial turn stored: %+v", turns)
	}
}

// ── Sessions ─────────────────────────────────────────────────────────────────

func TestSessions(t *testing.T) {
	t.Parallel()
	s := NewSessions()
	first := s.Current()
	if first == "" {
		t.Fatal("no current session")
	}
	for _, u := range []string{"a", "b", "c", "d"} {
		s.Append(first, u, "re "+u, fixedTime)
	}
	id, turns := s.Summary(3)
	if id != first || len(turns) != 3 || turns[0].User != "b" || turns[2].Number != 4 {
		t.Errorf("Summary = %s %+v", id, turns)
	}

	second := s.New()
	if second == first || s.Current() != second {
		t.Errorf("New = %q, current %q, first %q", second, s.Current(), first)
	}
	if _, turns := s.Summary(3); turns == nil || len(turns) != 0 {
		t.Errorf("new session summary = %#v, want empty", turns)
	}
	if got := s.Append(second, "x", "y", fixedTime); got.Number != 1 {
		t.Errorf("first turn of new session numbered %d", got.Number)
	}
	if len(s.History(first, 10)) != 4 {
		t.Error("old session history lost")
	}
	if h := s.History(first, 0); h == nil || len(h) != 0 {
		t.Errorf("History(0) = %#v", h)
	}
}
