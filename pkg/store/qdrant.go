package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	qdrantclient "github.com/qdrant/go-client/qdrant"
	"github.com/xhad/documind/internal/models"
	"github.com/xhad/documind/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	payloadChunkID = "chunk_id"
	payloadText    = "text"
	payloadSource  = "source"
	payloadPage    = "page"
)

// QdrantIndex stores chunks as points in a Qdrant collection over gRPC.
// Qdrant has no collection-level metadata, so Info reports no model name
// and the compatibility check relies on the vector size.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	collections qdrantclient.CollectionsClient
	points      qdrantclient.PointsClient
	collection  string
	apiKey      string
	batchSize   int
	writable    bool
}

var _ types.VectorIndex = (*QdrantIndex)(nil)

func NewQdrantIndex(ctx context.Context, cfg Config) (*QdrantIndex, error) {
	target, err := grpcTarget(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to Qdrant: %w", types.ErrIndexUnavailable, err)
	}

	q := &QdrantIndex{
		conn:        conn,
		collections: qdrantclient.NewCollectionsClient(conn),
		points:      qdrantclient.NewPointsClient(conn),
		collection:  cfg.Collection,
		apiKey:      cfg.APIKey,
		batchSize:   cfg.BatchSize,
		writable:    cfg.Create,
	}

	exists, err := q.exists(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	if !exists && !cfg.Create {
		conn.Close()
		return nil, fmt.Errorf("%w: collection %q does not exist", types.ErrIndexUnavailable, cfg.Collection)
	}
	return q, nil
}

// grpcTarget accepts host:port or an http(s) URL.
func grpcTarget(raw string) (string, error) {
	if raw == "" {
		return "localhost:6334", nil
	}
	if !strings.Contains(raw, "://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid qdrant url %q: %w", raw, err)
	}
	if u.Port() == "" {
		return u.Hostname() + ":6334", nil
	}
	return u.Host, nil
}

func (q *QdrantIndex) auth(ctx context.Context) context.Context {
	if q.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", q.apiKey)
}

func (q *QdrantIndex) exists(ctx context.Context) (bool, error) {
	resp, err := q.collections.CollectionExists(q.auth(ctx), &qdrantclient.CollectionExistsRequest{
		CollectionName: q.collection,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check collection: %w", err)
	}
	return resp.GetResult().GetExists(), nil
}

func (q *QdrantIndex) create(ctx context.Context, dimension int) error {
	_, err := q.collections.Create(q.auth(ctx), &qdrantclient.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &qdrantclient.VectorsConfig{
			Config: &qdrantclient.VectorsConfig_Params{
				Params: &qdrantclient.VectorParams{
					Size:     uint64(dimension),
					Distance: qdrantclient.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (q *QdrantIndex) dimension(ctx context.Context) (int, error) {
	resp, err := q.collections.Get(q.auth(ctx), &qdrantclient.GetCollectionInfoRequest{
		CollectionName: q.collection,
	})
	if err != nil {
		return 0, q.wrap(err)
	}
	params := resp.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams()
	return int(params.GetSize()), nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	exists, err := q.exists(ctx)
	if err != nil {
		return q.wrap(err)
	}
	dimension := len(chunks[0].Embedding)
	if exists {
		if dimension, err = q.dimension(ctx); err != nil {
			return err
		}
	}
	if err := validateChunks(chunks, dimension); err != nil {
		return err
	}
	if !exists {
		if err := q.create(ctx, dimension); err != nil {
			return err
		}
	}
	return q.upsert(ctx, chunks)
}

func (q *QdrantIndex) upsert(ctx context.Context, chunks []models.Chunk) error {
	wait := true
	for _, group := range batches(chunks, q.batchSize) {
		points := make([]*qdrantclient.PointStruct, 0, len(group))
		for _, c := range group {
			points = append(points, toPoint(c))
		}
		_, err := q.points.Upsert(q.auth(ctx), &qdrantclient.UpsertPoints{
			CollectionName: q.collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert points: %w", err)
		}
	}
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, vector []float32, k int) (models.RetrievalResult, error) {
	dimension, err := q.dimension(ctx)
	if q.pending(err) {
		return nil, validateQuery(vector, k, 0)
	}
	if err != nil {
		return nil, err
	}
	if err := validateQuery(vector, k, dimension); err != nil {
		return nil, err
	}

	resp, err := q.points.Search(q.auth(ctx), &qdrantclient.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload: &qdrantclient.WithPayloadSelector{
			SelectorOptions: &qdrantclient.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, q.wrap(fmt.Errorf("failed to search: %w", err))
	}

	matches := make([]models.Match, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		matches = append(matches, models.Match{
			Chunk: fromPayload(point.GetPayload()),
			// Cosine collections score by similarity.
			Distance: 1 - float64(point.GetScore()),
		})
	}
	return topK(matches, k), nil
}

func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := q.points.Count(q.auth(ctx), &qdrantclient.CountPoints{
		CollectionName: q.collection,
		Exact:          &exact,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrantclient.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(id))
	}
	wait := true
	_, err := q.points.Delete(q.auth(ctx), &qdrantclient.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &qdrantclient.PointsSelector{
			PointsSelectorOneOf: &qdrantclient.PointsSelector_Points{
				Points: &qdrantclient.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return q.wrap(fmt.Errorf("failed to delete points: %w", err))
	}
	return nil
}

// Replace recreates the collection. Unlike the SQL backends this is not
// atomic: a failure midway leaves a partially filled collection.
func (q *QdrantIndex) Replace(ctx context.Context, info models.IndexInfo, chunks []models.Chunk) error {
	if err := validateChunks(chunks, info.Dimension); err != nil {
		return err
	}

	exists, err := q.exists(ctx)
	if err != nil {
		return q.wrap(err)
	}
	if exists {
		_, err := q.collections.Delete(q.auth(ctx), &qdrantclient.DeleteCollection{
			CollectionName: q.collection,
		})
		if err != nil {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
	}
	if err := q.create(ctx, info.Dimension); err != nil {
		return err
	}
	return q.upsert(ctx, chunks)
}

func (q *QdrantIndex) Info(ctx context.Context) (models.IndexInfo, error) {
	dimension, err := q.dimension(ctx)
	if q.pending(err) {
		return models.IndexInfo{Collection: q.collection}, nil
	}
	if err != nil {
		return models.IndexInfo{}, err
	}
	n, err := q.Count(ctx)
	if err != nil {
		return models.IndexInfo{}, err
	}
	return models.IndexInfo{
		Collection: q.collection,
		Dimension:  dimension,
		Count:      n,
	}, nil
}

func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}

// pending reports a collection that a writer may create on first upsert.
func (q *QdrantIndex) pending(err error) bool {
	return q.writable && status.Code(err) == codes.NotFound
}

func (q *QdrantIndex) wrap(err error) error {
	if status.Code(err) == codes.NotFound || status.Code(err) == codes.Unavailable {
		return fmt.Errorf("%w: %w", types.ErrIndexUnavailable, err)
	}
	return err
}

// pointID maps a chunk id to a Qdrant point id. Qdrant only accepts
// unsigned integers and UUIDs.
func pointID(id string) *qdrantclient.PointId {
	u, err := uuid.Parse(id)
	if err != nil {
		u = uuid.NewSHA1(uuid.NameSpaceURL, []byte(id))
	}
	return &qdrantclient.PointId{
		PointIdOptions: &qdrantclient.PointId_Uuid{Uuid: u.String()},
	}
}

func toPoint(c models.Chunk) *qdrantclient.PointStruct {
	payload := map[string]*qdrantclient.Value{
		payloadChunkID: {Kind: &qdrantclient.Value_StringValue{StringValue: c.ID}},
		payloadText:    {Kind: &qdrantclient.Value_StringValue{StringValue: c.Text}},
		payloadSource:  {Kind: &qdrantclient.Value_StringValue{StringValue: c.Metadata.Source}},
		payloadPage:    {Kind: &qdrantclient.Value_NullValue{}},
	}
	if c.Metadata.Page != nil {
		payload[payloadPage] = &qdrantclient.Value{
			Kind: &qdrantclient.Value_IntegerValue{IntegerValue: int64(*c.Metadata.Page)},
		}
	}

	return &qdrantclient.PointStruct{
		Id: pointID(c.ID),
		Vectors: &qdrantclient.Vectors{
			VectorsOptions: &qdrantclient.Vectors_Vector{
				Vector: &qdrantclient.Vector{Data: c.Embedding},
			},
		},
		Payload: payload,
	}
}

func fromPayload(payload map[string]*qdrantclient.Value) models.Chunk {
	c := models.Chunk{
		ID:   payload[payloadChunkID].GetStringValue(),
		Text: payload[payloadText].GetStringValue(),
		Metadata: models.Metadata{
			Source: payload[payloadSource].GetStringValue(),
		},
	}
	if v, ok := payload[payloadPage].GetKind().(*qdrantclient.Value_IntegerValue); ok {
		c.Metadata.Page = models.IntPtr(int(v.IntegerValue))
	}
	return c
}
