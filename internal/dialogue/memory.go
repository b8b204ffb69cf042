package dialogue

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hemdan/internal/observe"
	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// TurnMeta is the metadata stored with every remembered turn.
type TurnMeta struct {
	SessionID         string
	Timestamp         time.Time
	TurnNumber        int
	UserMessage       string
	AssistantResponse string
}

type turnCodec struct{}

func (turnCodec) Encode(m TurnMeta) map[string]string {
	return map[string]string{
		"session_id":         m.SessionID,
		"timestamp":          m.Timestamp.UTC().Format(time.RFC3339Nano),
		"turn_number":        strconv.Itoa(m.TurnNumber),
		"user_message":       m.UserMessage,
		"assistant_response": m.AssistantResponse,
	}
}

func (turnCodec) Decode(md map[string]string) (TurnMeta, error) {
	var (
		m   TurnMeta
		err error
	)
	if m.SessionID, err = vectorstore.Require(md, "session_id"); err != nil {
		return TurnMeta{}, err
	}
	if m.Timestamp, err = vectorstore.RequireTime(md, "timestamp"); err != nil {
		return TurnMeta{}, err
	}
	if m.TurnNumber, err = vectorstore.RequireInt(md, "turn_number"); err != nil {
		return TurnMeta{}, err
	}
	m.UserMessage = md["user_message"]
	m.AssistantResponse = md["assistant_response"]
	return m, nil
}

// TurnCodec is the [vectorstore.Codec] for remembered turns.
var TurnCodec vectorstore.Codec[TurnMeta] = turnCodec{}

// Memory is the long-term conversation store. Every completed turn is
// embedded as a document and recalled by similarity to later utterances of
// the same session.
type Memory struct {
	coll    *vectorstore.TextCollection
	metrics *observe.Metrics
}

// NewMemory returns a memory over coll, embedding documents with e.
func NewMemory(coll vectorstore.Collection, e vectorstore.Embedder) *Memory {
	return &Memory{coll: vectorstore.WithEmbedder(coll, e), metrics: observe.DefaultMetrics()}
}

// Count returns the number of remembered turns.
func (m *Memory) Count(ctx context.Context) (int, error) {
	return m.coll.Count(ctx)
}

// Store remembers one turn under a fresh id.
func (m *Memory) Store(ctx context.Context, document string, meta TurnMeta) error {
	err := m.coll.AddDocuments(ctx,
		[]string{uuid.NewString()},
		[]string{document},
		[]map[string]string{TurnCodec.Encode(meta)})
	if err != nil {
		return fmt.Errorf("dialogue: remember turn: %w", err)
	}
	m.metrics.RecordIngest(ctx, "memory", 1)
	return nil
}

// Recall returns up to k turns of sessionID nearest to query whose distance
// is below maxDistance, nearest first.
func (m *Memory) Recall(ctx context.Context, sessionID, query string, k int, maxDistance float64) ([]vectorstore.Hit[TurnMeta], error) {
	start := time.Now()
	defer func() { m.metrics.RecordRetrieve(ctx, "memory", time.Since(start)) }()

	matches, err := m.coll.QueryText(ctx, query, k, map[string]string{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("dialogue: recall: %w", err)
	}
	hits, err := vectorstore.DecodeMatches(TurnCodec, matches)
	if err != nil {
		return nil, fmt.Errorf("dialogue: recall: %w", err)
	}
	return slices.DeleteFunc(hits, func(h vectorstore.Hit[TurnMeta]) bool {
		return float64(h.Distance) >= maxDistance
	}), nil
}

// Turn is one completed exchange in a session's history.
type Turn struct {
	Number    int       `json:"turn_number"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Timestamp time.Time `json:"timestamp"`
}

// Sessions tracks the current session and the in-process history of every
// session seen since startup. It is safe for concurrent use.
type Sessions struct {
	mu        sync.Mutex
	current   string
	histories map[string][]Turn
}

// NewSessions returns a tracker with a fresh current session.
func NewSessions() *Sessions {
	return &Sessions{current: uuid.NewString(), histories: make(map[string][]Turn)}
}

// Current returns the id of the current session.
func (s *Sessions) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// New starts a fresh session, makes it current, and returns its id. Earlier
// sessions keep their history.
func (s *Sessions) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = uuid.NewString()
	return s.current
}

// Append records a completed turn and returns it with its number. Numbers
// start at 1 in every session.
func (s *Sessions) Append(sessionID, user, assistant string, at time.Time) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Turn{Number: len(s.histories[sessionID]) + 1, User: user, Assistant: assistant, Timestamp: at}
	s.histories[sessionID] = append(s.histories[sessionID], t)
	return t
}

// History returns a copy of the last n turns of sessionID, oldest first.
// n <= 0 returns nothing.
func (s *Sessions) History(sessionID string, n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.histories[sessionID]
	if n <= 0 {
		return []Turn{}
	}
	h = h[max(len(h)-n, 0):]
	return append(make([]Turn, 0, len(h)), h...)
}

// Summary returns the current session id and its last n turns.
func (s *Sessions) Summary(n int) (string, []Turn) {
	id := s.Current()
	return id, s.History(id, n)
}
