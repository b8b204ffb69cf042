package places

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/hemdan/internal/observe"
	"github.com/MrWong99/hemdan/pkg/provider/imageembed"
	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// Defaults for a vote.
const (
	DefaultResultsToCheck = 5
	DefaultMinMatches     = 3
)

type params struct {
	resultsToCheck int
	minMatches     int
}

// Option adjusts a single identification.
type Option func(*params)

// WithResultsToCheck sets how many nearest catalog images take part in the
// vote. Non-positive values are ignored.
func WithResultsToCheck(n int) Option {
	return func(p *params) {
		if n > 0 {
			p.resultsToCheck = n
		}
	}
}

// WithMinMatches sets the number of votes a building needs. Non-positive
// values are ignored.
//
// This is an absolute floor, not a majority rule: with 5 results and a
// minimum of 2, a 2-2-1 split still names a building (the one ranked first).
// Callers that want a strict majority must pass more than half the results.
func WithMinMatches(m int) Option {
	return func(p *params) {
		if m > 0 {
			p.minMatches = m
		}
	}
}

// Config holds engine-wide settings. Zero values take the defaults.
type Config struct {
	ResultsToCheck int
	MinMatches     int
	Metrics        *observe.Metrics
}

// Engine identifies buildings against one image collection.
type Engine struct {
	coll     *vectorstore.Typed[Meta]
	embedder imageembed.Provider
	defaults params
	metrics  *observe.Metrics
}

// New returns an engine over coll. The collection stores precomputed image
// vectors; it has no text embedder.
func New(coll vectorstore.Collection, embedder imageembed.Provider, cfg Config) *Engine {
	e := &Engine{
		coll:     vectorstore.NewTyped(coll, Codec),
		embedder: embedder,
		defaults: params{resultsToCheck: DefaultResultsToCheck, minMatches: DefaultMinMatches},
		metrics:  cfg.Metrics,
	}
	WithResultsToCheck(cfg.ResultsToCheck)(&e.defaults)
	WithMinMatches(cfg.MinMatches)(&e.defaults)
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Count returns the number of stored catalog images.
func (e *Engine) Count(ctx context.Context) (int, error) {
	return e.coll.Count(ctx)
}

// Sample returns up to n stored records in insertion order.
func (e *Engine) Sample(ctx context.Context, n int) ([]Record, error) {
	items, err := e.coll.List(ctx, vectorstore.Get{Limit: n})
	if err != nil {
		return nil, fmt.Errorf("places: sample: %w", err)
	}
	out := make([]Record, len(items))
	for i, it := range items {
		out[i] = Record{
			ID:           it.ID,
			BuildingName: it.Meta.Name,
			Description:  it.Meta.Description,
			SourceFolder: it.Meta.SourceFolder,
			ImagePath:    it.Meta.ImagePath,
			Embedding:    it.Embedding,
		}
	}
	return out, nil
}

// Identify names the building shown in the image at imagePath. Every outcome
// except [OutcomeIdentified] comes with a zero Identification and a nil
// error; a non-nil error means the embedding model or the store failed.
func (e *Engine) Identify(ctx context.Context, imagePath string, opts ...Option) (Identification, Outcome, error) {
	if _, err := os.Stat(imagePath); err != nil {
		observe.Logger(ctx).Info("frame not found", "path", imagePath, "err", err)
		e.metrics.RecordIdentify(ctx, OutcomeInvalidInput.String(), 0)
		return Identification{}, OutcomeInvalidInput, nil
	}
	return e.identify(ctx, imageembed.FromPath(imagePath), opts)
}

// IdentifyImage is [Engine.Identify] for an in-memory frame.
func (e *Engine) IdentifyImage(ctx context.Context, img image.Image, opts ...Option) (Identification, Outcome, error) {
	if img == nil {
		e.metrics.RecordIdentify(ctx, OutcomeInvalidInput.String(), 0)
		return Identification{}, OutcomeInvalidInput, nil
	}
	return e.identify(ctx, imageembed.FromImage(img), opts)
}

func (e *Engine) identify(ctx context.Context, ref imageembed.Ref, opts []Option) (id Identification, out Outcome, err error) {
	p := e.defaults
	for _, o := range opts {
		o(&p)
	}

	ctx, span := observe.StartSpan(ctx, "places.identify")
	defer span.End()
	start := time.Now()
	defer func() {
		label := out.String()
		if err != nil {
			span.RecordError(err)
			label = "error"
		}
		span.SetAttributes(attribute.String("places.outcome", label))
		e.metrics.RecordIdentify(ctx, label, time.Since(start))
	}()
	log := observe.Logger(ctx).With("frame", ref.String())

	count, err := e.coll.Count(ctx)
	if err != nil {
		return Identification{}, 0, fmt.Errorf("places: count: %w", err)
	}
	if count == 0 || count < p.minMatches {
		log.Warn("catalog too small to vote", "images", count, "min_matches", p.minMatches)
		return Identification{}, OutcomeInsufficientData, nil
	}
	k := min(p.resultsToCheck, count)

	vecs, err := e.embedder.EmbedImages(ctx, []imageembed.Ref{ref})
	if err != nil {
		return Identification{}, 0, fmt.Errorf("places: embed frame: %w", err)
	}
	if len(vecs) != 1 || !usable(vecs[0], e.coll.Spec().Dimensions) {
		log.Warn("frame could not be embedded")
		return Identification{}, OutcomeInvalidInput, nil
	}

	// Catalog vectors are stored unit length, so L2 distances stay in [0, 2].
	hits, err := e.coll.Search(ctx, vectorstore.Query{Embedding: vectorstore.Normalize(vecs[0]), K: k})
	if err != nil {
		return Identification{}, 0, fmt.Errorf("places: query: %w", err)
	}
	if len(hits) < p.minMatches {
		log.Warn("too few neighbours to vote", "got", len(hits), "min_matches", p.minMatches)
		return Identification{}, OutcomeInsufficientData, nil
	}
	for i, h := range hits {
		log.Debug("neighbour", "rank", i+1, "building", h.Meta.Name, "distance", h.Distance)
	}

	id, ok := Consensus(hits, p.minMatches)
	if !ok {
		log.Info("no consensus", "leader", id.BuildingName, "votes", id.MatchCount, "min_matches", p.minMatches)
		return Identification{}, OutcomeNoConsensus, nil
	}
	log.Info("building identified", "building", id.BuildingName, "votes", id.MatchCount, "confidence", id.Confidence)
	return id, OutcomeIdentified, nil
}

// usable reports whether v can serve as a query vector.
func usable(v []float32, dims int) bool {
	if len(v) == 0 || len(v) != dims {
		return false
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return !vectorstore.IsZero(v)
}

// Consensus tallies hits, ranked nearest first, by building name. The
// leader is the name with the most votes; on a tie the name that appears
// first in rank order wins. ok reports whether the leader has at least
// minMatches votes. The returned Identification always describes the
// leader; its Confidence is the mean of 1-distance over the leader's hits,
// clamped to [0, 1].
func Consensus(hits []vectorstore.Hit[Meta], minMatches int) (leader Identification, ok bool) {
	if len(hits) == 0 {
		return Identification{}, false
	}
	votes := make(map[string]int, len(hits))
	var order []string
	for _, h := range hits {
		if votes[h.Meta.Name] == 0 {
			order = append(order, h.Meta.Name)
		}
		votes[h.Meta.Name]++
	}
	best := order[0]
	for _, name := range order[1:] {
		// Strictly greater keeps the earlier-ranked name on a tie.
		if votes[name] > votes[best] {
			best = name
		}
	}

	var (
		sum  float64
		desc string
	)
	for _, h := range hits {
		if h.Meta.Name != best {
			continue
		}
		if desc == "" {
			desc = h.Meta.Description
		}
		sum += 1 - float64(h.Distance)
	}
	n := votes[best]
	leader = Identification{
		BuildingName: best,
		Description:  desc,
		Confidence:   min(max(sum/float64(n), 0), 1),
		MatchCount:   n,
	}
	return leader, n >= minMatches
}
