// Package vector implements transform.VectorSink against Milvus, the
// teacher's own declared-but-unused milvus-sdk-go/v2 dependency, wired here
// for real: every BlockGroup's embeddings are upserted into a fixed-schema
// collection ("id" varchar primary key, "vector" float_vector, "metadata"
// json) keyed by block ID.
package vector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/rakunlabs/cortex/internal/transform"
)

const (
	fieldID       = "id"
	fieldVector   = "vector"
	fieldMetadata = "metadata"
)

type Sink struct {
	client    client.Client
	dimension int
}

func New(ctx context.Context, address string, dimension int) (*Sink, error) {
	c, err := client.NewGrpcClient(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("vector: connect to milvus at %q: %w", address, err)
	}
	return &Sink{client: c, dimension: dimension}, nil
}

// ensureCollection creates the collection on first use if it does not yet exist.
func (s *Sink) ensureCollection(ctx context.Context, collection string) error {
	exists, err := s.client.HasCollection(ctx, collection)
	if err != nil {
		return fmt.Errorf("vector: has collection %q: %w", collection, err)
	}
	if exists {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: collection,
		Fields: []*entity.Field{
			{Name: fieldID, DataType: entity.FieldTypeVarChar, PrimaryKey: true, TypeParams: map[string]string{"max_length": "512"}},
			{Name: fieldVector, DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": fmt.Sprintf("%d", s.dimension)}},
			{Name: fieldMetadata, DataType: entity.FieldTypeJSON},
		},
	}
	if err := s.client.CreateCollection(ctx, schema, 1); err != nil {
		return fmt.Errorf("vector: create collection %q: %w", collection, err)
	}
	return s.client.LoadCollection(ctx, collection, false)
}

func (s *Sink) Upsert(ctx context.Context, collection, id string, vec []float32, metadata map[string]any) error {
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("vector: marshal metadata: %w", err)
	}

	idCol := entity.NewColumnVarChar(fieldID, []string{id})
	vecCol := entity.NewColumnFloatVector(fieldVector, s.dimension, [][]float32{vec})
	metaCol := entity.NewColumnJSONBytes(fieldMetadata, [][]byte{metaBytes})

	if _, err := s.client.Upsert(ctx, collection, "", idCol, vecCol, metaCol); err != nil {
		return fmt.Errorf("vector: upsert %q in %q: %w", id, collection, err)
	}
	return nil
}

func (s *Sink) Delete(ctx context.Context, collection, id string) error {
	expr := fmt.Sprintf("%s == %q", fieldID, id)
	if err := s.client.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("vector: delete %q from %q: %w", id, collection, err)
	}
	return nil
}

var _ transform.VectorSink = (*Sink)(nil)
