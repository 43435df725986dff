package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/minesafe/whs-rag/engine/domain"
)

// PointsAPI is the subset of pb.PointsClient the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// CollectionsAPI is the subset of pb.CollectionsClient the store uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantStore is a Store backed by Qdrant over gRPC. Collections are
// created with cosine distance; Qdrant reports similarity, which Query
// converts to distance as 1 - similarity.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
}

// NewQdrant creates a QdrantStore connected to Qdrant at the given gRPC address.
func NewQdrant(addr string) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// NewQdrantWithClients builds a store around existing clients (tests).
func NewQdrantWithClients(points PointsAPI, collections CollectionsAPI) *QdrantStore {
	return &QdrantStore{points: points, collections: collections}
}

// Close closes the underlying gRPC connection.
func (q *QdrantStore) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// HasCollection reports whether the named collection exists.
func (q *QdrantStore) HasCollection(ctx context.Context, name string) (bool, error) {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return true, nil
		}
	}
	return false, nil
}

// EnsureCollection creates the collection if it doesn't exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	ok, err := q.HasCollection(ctx, name)
	if err != nil || ok {
		return err
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", name, err)
	}
	return nil
}

// Upsert stores records into the named collection.
func (q *QdrantStore) Upsert(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		payload := map[string]*pb.Value{
			KeyText:       stringValue(r.Text),
			KeySourcePath: stringValue(r.Meta.SourcePath),
		}
		if r.Meta.DocType != "" {
			payload[KeyDocType] = stringValue(r.Meta.DocType)
		}
		if r.Meta.PageNumber != nil {
			payload[KeyPageNumber] = &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(*r.Meta.PageNumber)}}
		}

		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Vector},
				},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: name,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points into %s: %w", len(records), name, mapQdrantErr(err))
	}
	return nil
}

// DeleteBySource removes every point ingested from sourcePath. Used for re-ingestion.
func (q *QdrantStore) DeleteBySource(ctx context.Context, name, sourcePath string) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: name,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{fieldMatch(KeySourcePath, sourcePath)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete %s from %s: %w", sourcePath, name, mapQdrantErr(err))
	}
	return nil
}

// Query returns the n nearest points to vector in the named collection.
func (q *QdrantStore) Query(ctx context.Context, name string, vector []float32, n int) ([]Hit, error) {
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: name,
		Vector:         vector,
		Limit:          uint64(n),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", name, mapQdrantErr(err))
	}

	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		d := 1 - float64(r.GetScore())
		h := Hit{
			ID:       pointID(r.GetId()),
			Distance: &d,
		}
		for k, val := range r.GetPayload() {
			switch k {
			case KeyText:
				h.Text = val.GetStringValue()
			case KeyDocType:
				h.Meta.DocType = val.GetStringValue()
			case KeySourcePath:
				h.Meta.SourcePath = val.GetStringValue()
			case KeyPageNumber:
				h.Meta.PageNumber = intValue(val)
			}
		}
		hits[i] = h
	}
	return hits, nil
}

func mapQdrantErr(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %v", domain.ErrCollectionNotFound, err)
	}
	return err
}

func pointID(id *pb.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprint(id.GetNum())
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(v *pb.Value) *int {
	switch kv := v.GetKind().(type) {
	case *pb.Value_IntegerValue:
		n := int(kv.IntegerValue)
		return &n
	case *pb.Value_DoubleValue:
		n := int(kv.DoubleValue)
		return &n
	}
	return nil
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
