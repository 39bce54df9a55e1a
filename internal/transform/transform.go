// Package transform implements the Transform/Sink Orchestrator (component
// H): it fans each connector BlockGroup out to the blob, vector, and graph
// sinks in that fixed order, validating the graph write against any
// registered collection schema (internal/schema) before it is issued. If a
// later sink fails after an earlier one already wrote, the earlier writes
// are kept (no rollback or cleanup) and the record is marked FAILED.
package transform

import (
	"context"
	"fmt"

	"github.com/rakunlabs/cortex/internal/connector"
	"github.com/rakunlabs/cortex/internal/schema"
)

// BlobSink persists raw block text/bytes to an object store, returning the
// address (e.g. an S3 key) each block was written under.
type BlobSink interface {
	PutBlock(ctx context.Context, recordID string, blockIndex int, data []byte) (address string, err error)
	DeleteBlock(ctx context.Context, address string) error

	// PutReconciliationMetadata persists metadata observed this run under
	// recordID, so the connector's next run can load and diff against it.
	PutReconciliationMetadata(ctx context.Context, recordID string, metadata map[string]any) error
}

// VectorSink indexes a block's embedding for semantic retrieval.
type VectorSink interface {
	Upsert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any) error
	Delete(ctx context.Context, collection string, id string) error
}

// GraphSink persists a record and its relations as typed rows/edges.
type GraphSink interface {
	UpsertRecord(ctx context.Context, rec connector.Record) error
	UpsertFileRecord(ctx context.Context, file connector.FileRecord) error
	UpsertPermissions(ctx context.Context, recordID string, perms []connector.Permission) error
	UpsertBlock(ctx context.Context, recordID string, blk connector.Block, blobAddress string) error
	// UpdateStatus best-effort updates a previously-written record's
	// indexing status alone, used when a later sink aborts the pipeline and
	// the full record (not yet upserted this run) cannot carry the failure.
	UpdateStatus(ctx context.Context, recordID string, status connector.IndexingStatus) error
	DeleteRecord(ctx context.Context, recordID string) error
}

// Embedder turns block text into a vector, kept as an interface so the
// orchestrator does not depend on any one embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SchemaValidator validates metadata against a named collection's schema,
// satisfied by internal/schema.Validator.
type SchemaValidator interface {
	Validate(collection string, mode schema.Mode, doc map[string]any) error
}

// Orchestrator fans BlockGroups out to the three sinks.
type Orchestrator struct {
	blob     BlobSink
	vector   VectorSink
	graph    GraphSink
	embedder Embedder
	schema   SchemaValidator

	vectorCollection string
}

type Config struct {
	Blob             BlobSink
	Vector           VectorSink
	Graph            GraphSink
	Embedder         Embedder
	Schema           SchemaValidator
	VectorCollection string
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		blob:             cfg.Blob,
		vector:           cfg.Vector,
		graph:            cfg.Graph,
		embedder:         cfg.Embedder,
		schema:           cfg.Schema,
		vectorCollection: cfg.VectorCollection,
	}
}

// Process writes one BlockGroup through blob, then vector, then
// reconciliation metadata, then graph, in that fixed order. A failure at any
// stage aborts the remaining stages for this record and marks it FAILED;
// whatever earlier stages already wrote (blob, vector) is retained rather
// than rolled back, since order is fixed and each later stage only ever
// builds on, never undoes, the invariants the earlier stage established.
func (o *Orchestrator) Process(ctx context.Context, group connector.BlockGroup) error {
	rec := group.Record

	if o.schema != nil {
		doc := map[string]any{
			"id":           rec.ID,
			"org_id":       rec.OrgID,
			"name":         rec.Name,
			"content_hash": rec.ContentHash,
		}
		if err := o.schema.Validate("records", schema.ModeFull, doc); err != nil {
			return connector.NewSchemaValidationError(rec.ID, "records", err)
		}
	}

	rec.IndexingStatus = connector.IndexingInProgress
	_ = o.graph.UpdateStatus(ctx, rec.ID, connector.IndexingInProgress)

	addresses := make([]string, len(group.Blocks))
	for i, blk := range group.Blocks {
		addr, err := o.blob.PutBlock(ctx, rec.ID, blk.Index, []byte(blk.Text))
		if err != nil {
			// Blob is the first sink: nothing earlier to retain, nothing
			// partial to mark beyond the in-progress status already set.
			_ = o.graph.UpdateStatus(ctx, rec.ID, connector.IndexingFailed)
			return connector.NewVectorStoreError(rec.ID, "blob put", err)
		}
		addresses[i] = addr
	}

	for i, blk := range group.Blocks {
		vec, err := o.embedder.Embed(ctx, blk.Text)
		if err != nil {
			_ = o.graph.UpdateStatus(ctx, rec.ID, connector.IndexingFailed)
			return connector.NewEmbeddingError(rec.ID, fmt.Sprintf("block %d", i), err)
		}
		id := fmt.Sprintf("%s:%d", rec.ID, blk.Index)
		if err := o.vector.Upsert(ctx, o.vectorCollection, id, vec, blk.Metadata); err != nil {
			_ = o.graph.UpdateStatus(ctx, rec.ID, connector.IndexingFailed)
			return connector.NewVectorStoreError(rec.ID, "vector upsert", err)
		}
	}

	if group.ReconciliationContext != nil {
		if err := o.blob.PutReconciliationMetadata(ctx, rec.ID, group.ReconciliationContext); err != nil {
			_ = o.graph.UpdateStatus(ctx, rec.ID, connector.IndexingFailed)
			return connector.NewVectorStoreError(rec.ID, "persist reconciliation metadata", err)
		}
	}

	rec.IndexingStatus = connector.IndexingCompleted
	rec.ExtractionStatus = connector.IndexingCompleted

	if err := o.graph.UpsertRecord(ctx, rec); err != nil {
		_ = o.graph.UpdateStatus(ctx, rec.ID, connector.IndexingFailed)
		return connector.NewVectorStoreError(rec.ID, "graph upsert record", err)
	}
	if group.FileRecord != nil {
		if err := o.graph.UpsertFileRecord(ctx, *group.FileRecord); err != nil {
			_ = o.graph.UpdateStatus(ctx, rec.ID, connector.IndexingFailed)
			return connector.NewVectorStoreError(rec.ID, "graph upsert file record", err)
		}
	}
	if len(rec.Permissions) > 0 {
		if err := o.graph.UpsertPermissions(ctx, rec.ID, rec.Permissions); err != nil {
			_ = o.graph.UpdateStatus(ctx, rec.ID, connector.IndexingFailed)
			return connector.NewVectorStoreError(rec.ID, "graph upsert permissions", err)
		}
	}
	for i, blk := range group.Blocks {
		if err := o.graph.UpsertBlock(ctx, rec.ID, blk, addresses[i]); err != nil {
			_ = o.graph.UpdateStatus(ctx, rec.ID, connector.IndexingFailed)
			return connector.NewVectorStoreError(rec.ID, "graph upsert block", err)
		}
	}

	return nil
}
