// Package qdrant is a [vectorstore.Store] backed by a Qdrant server reached
// over gRPC.
//
// Qdrant only accepts UUIDs and unsigned integers as point ids, so record ids
// that are not UUIDs are mapped to name-based (SHA-1) UUIDs and the original
// id is kept in the payload. Metadata keys are stored as top-level keyword
// payload fields; keys starting with an underscore are reserved.
package qdrant

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

var (
	_ vectorstore.Store      = (*Store)(nil)
	_ vectorstore.Collection = (*Collection)(nil)
)

// Reserved payload fields.
const (
	fieldID       = "_id"
	fieldDocument = "_document"
	fieldSeq      = "_seq"
)

const scrollPage = 256

// Store owns the gRPC connection to Qdrant.
type Store struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// New connects to Qdrant at the given gRPC address (host:6334).
func New(addr string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// Collection implements [vectorstore.Store].
func (s *Store) Collection(ctx context.Context, spec vectorstore.CollectionSpec) (vectorstore.Collection, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	exists, err := s.exists(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: spec.Name})
		if err != nil {
			return nil, fmt.Errorf("qdrant: collection info %s: %w", spec.Name, err)
		}
		params := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams()
		existing := vectorstore.CollectionSpec{
			Name:       spec.Name,
			Dimensions: int(params.GetSize()),
			Distance:   fromQdrant(params.GetDistance()),
		}
		if err := vectorstore.CheckCompatible(existing, spec); err != nil {
			return nil, err
		}
		return &Collection{store: s, spec: spec}, nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(spec.Dimensions),
					Distance: toQdrant(spec.Distance),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: create collection %s: %w", spec.Name, err)
	}
	slog.Info("qdrant collection created", "name", spec.Name, "dimensions", spec.Dimensions, "distance", spec.Distance)
	return &Collection{store: s, spec: spec}, nil
}

func (s *Store) exists(ctx context.Context, name string) (bool, error) {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("qdrant: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return true, nil
		}
	}
	return false, nil
}

// DeleteCollection implements [vectorstore.Store].
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	exists, err := s.exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", vectorstore.ErrNotFound, name)
	}
	if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		return fmt.Errorf("qdrant: delete collection %s: %w", name, err)
	}
	return nil
}

// Ping implements [vectorstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("qdrant: ping: %w", err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Collection is one Qdrant collection.
type Collection struct {
	store *Store
	spec  vectorstore.CollectionSpec

	// addMu serialises Add so sequence numbers and duplicate checks are
	// consistent within this process.
	addMu sync.Mutex
}

// Spec implements [vectorstore.Collection].
func (c *Collection) Spec() vectorstore.CollectionSpec { return c.spec }

// Add implements [vectorstore.Collection].
func (c *Collection) Add(ctx context.Context, records []vectorstore.Record) error {
	if err := vectorstore.ValidateRecords(c.spec, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	c.addMu.Lock()
	defer c.addMu.Unlock()

	ids := make([]*pb.PointId, len(records))
	for i, r := range records {
		ids[i] = pointID(r.ID)
	}
	got, err := c.store.points.Get(ctx, &pb.GetPoints{
		CollectionName: c.spec.Name,
		Ids:            ids,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return fmt.Errorf("qdrant: check ids in %s: %w", c.spec.Name, err)
	}
	if existing := got.GetResult(); len(existing) > 0 {
		return fmt.Errorf("%w: %q", vectorstore.ErrDuplicateID, existing[0].GetPayload()[fieldID].GetStringValue())
	}

	base, err := c.Count(ctx)
	if err != nil {
		return err
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		payload := make(map[string]*pb.Value, len(r.Metadata)+3)
		for k, v := range r.Metadata {
			payload[k] = stringValue(v)
		}
		payload[fieldID] = stringValue(r.ID)
		payload[fieldDocument] = stringValue(r.Document)
		payload[fieldSeq] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(base + i)}}

		points[i] = &pb.PointStruct{
			Id: ids[i],
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Embedding},
				},
			},
			Payload: payload,
		}
	}

	wait := true
	if _, err := c.store.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.spec.Name,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("qdrant: upsert %d points into %s: %w", len(records), c.spec.Name, err)
	}
	return nil
}

// Count implements [vectorstore.Collection].
func (c *Collection) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := c.store.points.Count(ctx, &pb.CountPoints{CollectionName: c.spec.Name, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count %s: %w", c.spec.Name, err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Query implements [vectorstore.Collection].
func (c *Collection) Query(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	empty, err := vectorstore.CheckQuery(ctx, c.Count, c.spec, q)
	if err != nil {
		return nil, err
	}
	if empty {
		return []vectorstore.Match{}, nil
	}
	if q.K <= 0 {
		return []vectorstore.Match{}, nil
	}

	req := &pb.SearchPoints{
		CollectionName: c.spec.Name,
		Vector:         q.Embedding,
		Limit:          uint64(q.K),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: q.IncludeEmbeddings}},
		Filter:         filter(q.Where),
	}
	resp, err := c.store.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search %s: %w", c.spec.Name, err)
	}

	matches := make([]vectorstore.Match, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		m := vectorstore.Match{Record: record(p.GetPayload())}
		if q.IncludeEmbeddings {
			m.Embedding = p.GetVectors().GetVector().GetData()
		}
		// Qdrant reports cosine similarity; euclid is already a distance.
		m.Distance = p.GetScore()
		if c.spec.Distance == vectorstore.Cosine {
			m.Distance = 1 - p.GetScore()
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Get implements [vectorstore.Collection]. Points are scrolled page by page
// and returned in insertion order.
func (c *Collection) Get(ctx context.Context, g vectorstore.Get) ([]vectorstore.Record, error) {
	type seqRecord struct {
		seq int64
		vectorstore.Record
	}
	var (
		all    []seqRecord
		offset *pb.PointId
		limit  = uint32(scrollPage)
	)
	for {
		resp, err := c.store.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: c.spec.Name,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
			WithVectors:    &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: g.IncludeEmbeddings}},
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant: scroll %s: %w", c.spec.Name, err)
		}
		for _, p := range resp.GetResult() {
			r := record(p.GetPayload())
			if g.IncludeEmbeddings {
				r.Embedding = p.GetVectors().GetVector().GetData()
			}
			all = append(all, seqRecord{seq: p.GetPayload()[fieldSeq].GetIntegerValue(), Record: r})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	slices.SortStableFunc(all, func(a, b seqRecord) int { return cmp.Compare(a.seq, b.seq) })
	if g.Limit > 0 && len(all) > g.Limit {
		all = all[:g.Limit]
	}
	out := make([]vectorstore.Record, len(all))
	for i, r := range all {
		out[i] = r.Record
	}
	return out, nil
}

// pointID maps a record id onto a Qdrant point id.
func pointID(id string) *pb.PointId {
	u, err := uuid.Parse(id)
	if err != nil {
		u = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
}

func record(payload map[string]*pb.Value) vectorstore.Record {
	r := vectorstore.Record{
		ID:       payload[fieldID].GetStringValue(),
		Document: payload[fieldDocument].GetStringValue(),
		Metadata: make(map[string]string, len(payload)),
	}
	for k, v := range payload {
		switch k {
		case fieldID, fieldDocument, fieldSeq:
		default:
			r.Metadata[k] = v.GetStringValue()
		}
	}
	return r
}

func filter(where map[string]string) *pb.Filter {
	if len(where) == 0 {
		return nil
	}
	must := make([]*pb.Condition, 0, len(where))
	for k, v := range where {
		must = append(must, fieldMatch(k, v))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func toQdrant(d vectorstore.Distance) pb.Distance {
	if d == vectorstore.L2 {
		return pb.Distance_Euclid
	}
	return pb.Distance_Cosine
}

func fromQdrant(d pb.Distance) vectorstore.Distance {
	switch d {
	case pb.Distance_Euclid:
		return vectorstore.L2
	case pb.Distance_Cosine:
		return vectorstore.Cosine
	default:
		return vectorstore.Distance(d.String())
	}
}
