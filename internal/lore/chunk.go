package lore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// Chunking policies accepted by [NewChunker].
const (
	PolicyParagraph = "paragraph"
	PolicyWindow    = "window"
)

// Window defaults.
const (
	DefaultWindowSize    = 1000
	DefaultWindowOverlap = 200
)

// ChunkMeta is the metadata stored with every chunk.
type ChunkMeta struct {
	// Source is the base name of the corpus file.
	Source string
	// Index is the chunk's position in the corpus.
	Index int
}

type chunkCodec struct{}

func (chunkCodec) Encode(m ChunkMeta) map[string]string {
	return map[string]string{
		"source":      m.Source,
		"chunk_index": strconv.Itoa(m.Index),
	}
}

func (chunkCodec) Decode(md map[string]string) (ChunkMeta, error) {
	src, err := vectorstore.Require(md, "source")
	if err != nil {
		return ChunkMeta{}, err
	}
	idx, err := vectorstore.RequireInt(md, "chunk_index")
	if err != nil {
		return ChunkMeta{}, err
	}
	return ChunkMeta{Source: src, Index: idx}, nil
}

// Codec is the [vectorstore.Codec] for lore chunk metadata.
var Codec vectorstore.Codec[ChunkMeta] = chunkCodec{}

// Chunker splits a corpus into passages.
type Chunker interface {
	Split(text string) []string
}

// blankLine matches a line holding nothing but spaces or tabs.
var blankLine = regexp.MustCompile(`\n[ \t]*\n`)

// Paragraphs splits on blank lines. It suits curated lore written as
// self-contained paragraphs.
type Paragraphs struct{}

// Split returns the trimmed, non-empty paragraphs of text.
func (Paragraphs) Split(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range blankLine.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Window produces overlapping runs of Size words, each starting Size-Overlap
// words after the previous one. It suits flat text without paragraphs.
type Window struct {
	Size    int
	Overlap int
}

// Split returns the word windows of text. The final window may be shorter.
// A Window whose overlap is not in [0, Size) splits with the defaults.
func (w Window) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	size, overlap := w.Size, w.Overlap
	if size <= 0 || overlap < 0 || overlap >= size {
		size, overlap = DefaultWindowSize, DefaultWindowOverlap
	}
	step := size - overlap
	var out []string
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}

// NewChunker returns the chunker for policy. size and overlap apply to
// [PolicyWindow]; zero values take the defaults.
func NewChunker(policy string, size, overlap int) (Chunker, error) {
	switch policy {
	case "", PolicyParagraph:
		return Paragraphs{}, nil
	case PolicyWindow:
		if size == 0 {
			size = DefaultWindowSize
		}
		if overlap == 0 && size > DefaultWindowOverlap {
			overlap = DefaultWindowOverlap
		}
		if size <= 0 || overlap < 0 || overlap >= size {
			return nil, fmt.Errorf("lore: window size %d with overlap %d: overlap must be in [0, size)", size, overlap)
		}
		return Window{Size: size, Overlap: overlap}, nil
	}
	return nil, fmt.Errorf("lore: unknown chunking policy %q", policy)
}
