// Package intent routes a player utterance to the place identification path
// or to lore retrieval.
//
// A single JSON-mode LLM call labels the utterance. Classification never
// fails: a broken call or an unparseable answer falls back to
// [LoreQuery] with the utterance itself as subject, which is always a safe
// way to answer.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/hemdan/internal/observe"
	"github.com/MrWong99/hemdan/internal/phonetic"
	"github.com/MrWong99/hemdan/pkg/provider/llm"
)

// Intent is the label assigned to an utterance.
type Intent string

const (
	// PlaceIdentification asks what the player is looking at.
	PlaceIdentification Intent = "place_identification"
	// LoreQuery asks about history, places, or people.
	LoreQuery Intent = "lore_query"
	// GeneralConversation is small talk.
	GeneralConversation Intent = "general_conversation"
)

// Valid reports whether i is a known label.
func (i Intent) Valid() bool {
	switch i {
	case PlaceIdentification, LoreQuery, GeneralConversation:
		return true
	}
	return false
}

// DefaultTimeout bounds one classification call.
const DefaultTimeout = 10 * time.Second

const maxTokens = 50

const systemPrompt = `You route messages from a player to the right handler in a game set in ancient Egypt.
Classify the message into exactly one intent:

- "place_identification": the player asks what the building, monument, or place in front of them is, or asks you to look at what they see.
- "lore_query": the player asks about history, a pharaoh, a god, a named monument, an event, or how something was made.
- "general_conversation": greetings, thanks, feelings, or anything else.

Also extract the subject: the named place, person, or topic the message is about. Use null when there is none.

Examples:
"What is this building?" -> {"intent": "place_identification", "subject": null}
"Look, what's that huge statue over there?" -> {"intent": "place_identification", "subject": "statue"}
"Who built the obelisk of Karnak?" -> {"intent": "lore_query", "subject": "obelisk of Karnak"}
"Tell me about Ramesses the Second" -> {"intent": "lore_query", "subject": "Ramesses the Second"}
"Thank you, my friend" -> {"intent": "general_conversation", "subject": null}

Respond with ONLY a JSON object: {"intent": "<intent>", "subject": "<subject>" or null}`

// Result is the outcome of a classification.
type Result struct {
	Intent  Intent
	Subject string

	// Match is the catalog building name the subject sounds like, or empty.
	Match string
}

// Option configures a [Classifier].
type Option func(*Classifier)

// WithTimeout bounds each classification call. Default: [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMatcher normalises subjects against known building names, so that a
// misheard "obelisk of carnac" still finds lore on the Obelisk of Karnak.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Classifier) { c.matcher = m }
}

// Classifier labels utterances with an [llm.Provider]. To classify with a
// smaller model than the one that generates replies, construct the provider
// with that model. It is safe for concurrent use.
type Classifier struct {
	llm     llm.Provider
	timeout time.Duration
	matcher *phonetic.Matcher
}

// New returns a classifier backed by provider.
func New(provider llm.Provider, opts ...Option) *Classifier {
	c := &Classifier{llm: provider, timeout: DefaultTimeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify labels utterance. It never fails.
func (c *Classifier) Classify(ctx context.Context, utterance string) Result {
	ctx, span := observe.StartSpan(ctx, "intent.classify")
	defer span.End()
	log := observe.Logger(ctx)

	res, err := c.classify(ctx, utterance)
	if err != nil {
		log.Warn("intent classification failed, treating as lore query", "err", err)
		span.RecordError(err)
		res = Result{Intent: LoreQuery, Subject: utterance}
	}
	if c.matcher != nil && res.Subject != "" {
		if name, score, ok := c.matcher.Match(res.Subject); ok {
			res.Match = name
			log.Debug("subject matched building", "subject", res.Subject, "building", name, "score", score)
		}
	}
	log.Info("intent classified", "intent", res.Intent, "subject", res.Subject)
	return res
}

func (c *Classifier) classify(ctx context.Context, utterance string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt:   systemPrompt,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: utterance}},
		Temperature:    0,
		MaxTokens:      maxTokens,
		ResponseFormat: llm.ResponseFormatJSON,
	})
	if err != nil {
		return Result{}, fmt.Errorf("intent: complete: %w", err)
	}
	return parse(resp.Content)
}

type answer struct {
	Intent  Intent  `json:"intent"`
	Subject *string `json:"subject"`
}

func parse(content string) (Result, error) {
	var a answer
	if err := json.Unmarshal([]byte(stripFences(content)), &a); err != nil {
		return Result{}, fmt.Errorf("intent: parse %q: %w", content, err)
	}
	if !a.Intent.Valid() {
		return Result{}, fmt.Errorf("intent: unknown label %q", a.Intent)
	}
	res := Result{Intent: a.Intent}
	if a.Subject != nil {
		res.Subject = strings.TrimSpace(*a.Subject)
	}
	return res, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	s, _ = strings.CutSuffix(s, "```")
	return strings.TrimSpace(s)
}
