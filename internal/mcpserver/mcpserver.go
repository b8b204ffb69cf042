// Package mcpserver exposes place identification, lore lookup, and the
// companion's dialogue as MCP tools for external game scripts.
//
// The server is stateless: every streamable-HTTP request is served by the
// same [mcp.Server] and no client session state is kept between calls.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/hemdan/internal/dialogue"
	"github.com/MrWong99/hemdan/internal/lore"
	"github.com/MrWong99/hemdan/internal/places"
)

// Version is reported to MCP clients during initialisation.
const Version = "1.0.0"

// defaultTopK is the lore passage count when the caller gives none.
const defaultTopK = 3

// Identifier runs place identification.
type Identifier interface {
	Identify(ctx context.Context, imagePath string, opts ...places.Option) (places.Identification, places.Outcome, error)
}

// LoreSource retrieves lore passages.
type LoreSource interface {
	Passages(ctx context.Context, query string, k int) ([]lore.Passage, error)
}

// Responder runs a dialogue turn.
type Responder interface {
	Respond(ctx context.Context, sessionID, utterance string, opts ...dialogue.TurnOption) (dialogue.Reply, error)
}

// Config wires a [Server]. All fields are required.
type Config struct {
	Places   Identifier
	Lore     LoreSource
	Dialogue Responder
}

// Server holds the MCP server and its HTTP handler.
type Server struct {
	cfg     Config
	server  *mcp.Server
	handler *mcp.StreamableHTTPHandler
}

// New builds the server and registers its tools.
func New(cfg Config) (*Server, error) {
	if cfg.Places == nil {
		return nil, errors.New("mcpserver: places identifier is required")
	}
	if cfg.Lore == nil {
		return nil, errors.New("mcpserver: lore source is required")
	}
	if cfg.Dialogue == nil {
		return nil, errors.New("mcpserver: dialogue responder is required")
	}

	s := &Server{cfg: cfg}
	s.server = mcp.NewServer(&mcp.Implementation{Name: "hemdan", Version: Version}, nil)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "identify_landmark",
		Description: "Identify the landmark shown in a screenshot by voting over the most similar catalog images.",
	}, s.identifyLandmark)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "lookup_lore",
		Description: "Return the passages of the game's story most relevant to a query.",
	}, s.lookupLore)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ask_hemdan",
		Description: "Ask the companion a question and receive an in-character reply grounded in lore and memory.",
	}, s.askHemdan)

	s.handler = mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.server },
		&mcp.StreamableHTTPOptions{Stateless: true},
	)
	return s, nil
}

// Handler returns the streamable HTTP handler to mount at /mcp.
func (s *Server) Handler() http.Handler { return s.handler }

// MCPServer returns the underlying server, e.g. for in-memory transports.
func (s *Server) MCPServer() *mcp.Server { return s.server }

// IdentifyInput is the identify_landmark argument object.
type IdentifyInput struct {
	ImagePath  string `json:"image_path" jsonschema:"absolute path of the screenshot to identify"`
	NResults   int    `json:"n_results,omitempty" jsonschema:"number of nearest catalog images that vote (default 5)"`
	MinMatches int    `json:"min_matches,omitempty" jsonschema:"votes a building needs to win (default 3)"`
}

// IdentifyOutput is the identify_landmark result.
type IdentifyOutput struct {
	Outcome        string                 `json:"outcome"`
	Identification *places.Identification `json:"identification,omitempty"`
}

func (s *Server) identifyLandmark(ctx context.Context, _ *mcp.CallToolRequest, in IdentifyInput) (*mcp.CallToolResult, IdentifyOutput, error) {
	if in.ImagePath == "" {
		return toolError("image_path is required"), IdentifyOutput{}, nil
	}
	id, outcome, err := s.cfg.Places.Identify(ctx, in.ImagePath,
		places.WithResultsToCheck(in.NResults), places.WithMinMatches(in.MinMatches))
	if err != nil {
		slog.Warn("mcp identify_landmark failed", "image_path", in.ImagePath, "err", err)
		return toolError(fmt.Sprintf("identification failed: %v", err)), IdentifyOutput{}, nil
	}
	out := IdentifyOutput{Outcome: outcome.String()}
	if outcome == places.OutcomeIdentified {
		out.Identification = &id
	}
	return textResult(out)
}

// LoreInput is the lookup_lore argument object.
type LoreInput struct {
	Query string `json:"query" jsonschema:"what to look up in the game's story"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"number of passages to return (default 3)"`
}

// LoreChunk is one passage returned by lookup_lore.
type LoreChunk struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Source   string  `json:"source"`
	Distance float32 `json:"distance"`
}

// LoreOutput is the lookup_lore result.
type LoreOutput struct {
	Query  string      `json:"query"`
	Chunks []LoreChunk `json:"chunks"`
}

func (s *Server) lookupLore(ctx context.Context, _ *mcp.CallToolRequest, in LoreInput) (*mcp.CallToolResult, LoreOutput, error) {
	if in.Query == "" {
		return toolError("query is required"), LoreOutput{}, nil
	}
	k := in.TopK
	if k <= 0 {
		k = defaultTopK
	}
	passages, err := s.cfg.Lore.Passages(ctx, in.Query, k)
	if err != nil {
		slog.Warn("mcp lookup_lore failed", "query", in.Query, "err", err)
		return toolError(fmt.Sprintf("lore lookup failed: %v", err)), LoreOutput{}, nil
	}
	out := LoreOutput{Query: in.Query, Chunks: make([]LoreChunk, 0, len(passages))}
	for _, p := range passages {
		out.Chunks = append(out.Chunks, LoreChunk{ID: p.ID, Text: p.Text, Source: p.Source, Distance: p.Distance})
	}
	return textResult(out)
}

// AskInput is the ask_hemdan argument object.
type AskInput struct {
	Message   string `json:"message" jsonschema:"what the player says to the companion"`
	SessionID string `json:"session_id,omitempty" jsonschema:"conversation to continue (default: the current session)"`
}

// AskOutput is the ask_hemdan result.
type AskOutput struct {
	Response   string                    `json:"response"`
	Intent     string                    `json:"intent"`
	SessionID  string                    `json:"session_id"`
	TurnNumber int                       `json:"turn_number,omitempty"`
	Chunks     []dialogue.RetrievedChunk `json:"retrieved_chunks"`
	Degraded   bool                      `json:"degraded,omitempty"`
}

func (s *Server) askHemdan(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, AskOutput, error) {
	reply, err := s.cfg.Dialogue.Respond(ctx, in.SessionID, in.Message)
	if errors.Is(err, dialogue.ErrEmptyUtterance) {
		return toolError("message is required"), AskOutput{}, nil
	}
	if err != nil {
		return toolError(fmt.Sprintf("turn aborted: %v", err)), AskOutput{}, nil
	}
	chunks := reply.Chunks
	if chunks == nil {
		chunks = []dialogue.RetrievedChunk{}
	}
	return textResult(AskOutput{
		Response:   reply.Text,
		Intent:     string(reply.Intent),
		SessionID:  reply.SessionID,
		TurnNumber: reply.TurnNumber,
		Chunks:     chunks,
		Degraded:   reply.Degraded,
	})
}

// textResult mirrors the structured output as JSON text for clients that
// only read Content.
func textResult[T any](out T) (*mcp.CallToolResult, T, error) {
	data, err := json.Marshal(out)
	if err != nil {
		var zero T
		return toolError(fmt.Sprintf("encode result: %v", err)), zero, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, out, nil
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
