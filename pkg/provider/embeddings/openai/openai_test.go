package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/hemdan/pkg/provider/embeddings"
)

func TestModelDimensions(t *testing.T) {
	t.Parallel()
	cases := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-future-model", 1536},
	}
	for _, tc := range cases {
		if got := modelDimensions(tc.model); got != tc.want {
			t.Errorf("modelDimensions(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID() = %q, want %q", p.ModelID(), DefaultModel)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", "", WithDimensions(-1)); err == nil {
		t.Error("expected error for negative dimensions")
	}
}

func TestDimensions_Override(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "text-embedding-3-large", WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 256 {
		t.Errorf("Dimensions() = %d, want 256", p.Dimensions())
	}
}

func embeddingServer(t *testing.T, status int, handle func(input []string) []map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q, want /embeddings", r.URL.Path)
		}
		var body struct {
			Input      json.RawMessage `json:"input"`
			Dimensions int             `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		var input []string
		if err := json.Unmarshal(body.Input, &input); err != nil {
			var single string
			if err := json.Unmarshal(body.Input, &single); err != nil {
				t.Errorf("input is neither string nor array: %s", body.Input)
			}
			input = []string{single}
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data":   handle(input),
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedBatch_ReordersByIndex(t *testing.T) {
	t.Parallel()
	srv := embeddingServer(t, http.StatusOK, func(input []string) []map[string]any {
		// Reply in reverse order; the provider must sort by index.
		out := make([]map[string]any, 0, len(input))
		for i := len(input) - 1; i >= 0; i-- {
			out = append(out, map[string]any{"object": "embedding", "index": i, "embedding": []float64{float64(i), 1}})
		}
		return out
	})

	p, err := New("sk-test", "", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, v := range got {
		if v[0] != float32(i) {
			t.Errorf("got[%d][0] = %v, want %d", i, v[0], i)
		}
	}
}

func TestEmbedBatch_ShortResponseIsAtomic(t *testing.T) {
	t.Parallel()
	srv := embeddingServer(t, http.StatusOK, func(input []string) []map[string]any {
		return []map[string]any{{"object": "embedding", "index": 0, "embedding": []float64{1}}}
	})
	p, _ := New("sk-test", "", WithBaseURL(srv.URL))
	got, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	if !errors.Is(err, embeddings.ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
	if got != nil {
		t.Errorf("got = %v, want nil on error", got)
	}
}

func TestEmbed_ServerErrorIsProviderError(t *testing.T) {
	t.Parallel()
	srv := embeddingServer(t, http.StatusInternalServerError, nil)
	p, _ := New("sk-test", "", WithBaseURL(srv.URL))
	if _, err := p.Embed(context.Background(), "hello"); !errors.Is(err, embeddings.ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "")
	got, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", got, err)
	}
}
