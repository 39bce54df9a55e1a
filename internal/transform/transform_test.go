package transform

import (
	"context"
	"errors"
	"testing"

	"github.com/rakunlabs/cortex/internal/connector"
	"github.com/rakunlabs/cortex/internal/schema"
)

type fakeBlob struct {
	puts            int
	deletes         int
	reconciliations int
	failPut         bool
}

func (f *fakeBlob) PutBlock(_ context.Context, recordID string, blockIndex int, _ []byte) (string, error) {
	if f.failPut {
		return "", errors.New("put failed")
	}
	f.puts++
	return "addr", nil
}
func (f *fakeBlob) DeleteBlock(context.Context, string) error {
	f.deletes++
	return nil
}
func (f *fakeBlob) PutReconciliationMetadata(context.Context, string, map[string]any) error {
	f.reconciliations++
	return nil
}

type fakeVector struct {
	upserts    int
	deletes    int
	failUpsert bool
}

func (f *fakeVector) Upsert(context.Context, string, string, []float32, map[string]any) error {
	if f.failUpsert {
		return errors.New("upsert failed")
	}
	f.upserts++
	return nil
}
func (f *fakeVector) Delete(context.Context, string, string) error {
	f.deletes++
	return nil
}

type fakeGraph struct {
	records     int
	fileRecords int
	permissions int
	blocks      int
	statusCalls []connector.IndexingStatus
	failRecord  bool
}

func (f *fakeGraph) UpsertRecord(_ context.Context, rec connector.Record) error {
	if f.failRecord {
		return errors.New("upsert record failed")
	}
	f.records++
	return nil
}
func (f *fakeGraph) UpsertFileRecord(context.Context, connector.FileRecord) error {
	f.fileRecords++
	return nil
}
func (f *fakeGraph) UpsertPermissions(context.Context, string, []connector.Permission) error {
	f.permissions++
	return nil
}
func (f *fakeGraph) UpsertBlock(context.Context, string, connector.Block, string) error {
	f.blocks++
	return nil
}
func (f *fakeGraph) UpdateStatus(_ context.Context, _ string, status connector.IndexingStatus) error {
	f.statusCalls = append(f.statusCalls, status)
	return nil
}
func (f *fakeGraph) DeleteRecord(context.Context, string) error { return nil }

type fakeEmbedder struct{ failNext bool }

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.failNext {
		return nil, errors.New("embed failed")
	}
	return []float32{0.1, 0.2}, nil
}

func sampleGroup() connector.BlockGroup {
	return connector.BlockGroup{
		Record: connector.Record{ID: "r1", Name: "doc", ContentHash: "h1"},
		Blocks: []connector.Block{
			{ID: "r1:0", RecordID: "r1", Index: 0, Text: "hello"},
			{ID: "r1:1", RecordID: "r1", Index: 1, Text: "world"},
		},
	}
}

func TestProcessHappyPath(t *testing.T) {
	blob := &fakeBlob{}
	vec := &fakeVector{}
	graph := &fakeGraph{}
	o := New(Config{Blob: blob, Vector: vec, Graph: graph, Embedder: &fakeEmbedder{}, VectorCollection: "records"})

	if err := o.Process(context.Background(), sampleGroup()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if blob.puts != 2 || vec.upserts != 2 || graph.records != 1 || graph.blocks != 2 {
		t.Fatalf("unexpected counts: blob=%d vec=%d graphRec=%d graphBlk=%d", blob.puts, vec.upserts, graph.records, graph.blocks)
	}
}

func TestProcessRetainsBlobOnVectorFailure(t *testing.T) {
	blob := &fakeBlob{}
	vec := &fakeVector{failUpsert: true}
	graph := &fakeGraph{}
	o := New(Config{Blob: blob, Vector: vec, Graph: graph, Embedder: &fakeEmbedder{}, VectorCollection: "records"})

	err := o.Process(context.Background(), sampleGroup())
	if err == nil {
		t.Fatal("Process: want error, got nil")
	}
	if blob.puts != 2 {
		t.Fatalf("blob.puts = %d, want 2 (both block writes retained)", blob.puts)
	}
	if blob.deletes != 0 {
		t.Fatalf("blob.deletes = %d, want 0 (no rollback)", blob.deletes)
	}
	if graph.records != 0 {
		t.Fatal("graph should not have been written after vector failure")
	}
	if len(graph.statusCalls) == 0 || graph.statusCalls[len(graph.statusCalls)-1] != connector.IndexingFailed {
		t.Fatalf("statusCalls = %v, want last entry failed", graph.statusCalls)
	}
}

func TestProcessRetainsEarlierSinksOnGraphFailure(t *testing.T) {
	blob := &fakeBlob{}
	vec := &fakeVector{}
	graph := &fakeGraph{failRecord: true}
	o := New(Config{Blob: blob, Vector: vec, Graph: graph, Embedder: &fakeEmbedder{}, VectorCollection: "records"})

	err := o.Process(context.Background(), sampleGroup())
	if err == nil {
		t.Fatal("Process: want error, got nil")
	}
	if blob.deletes != 0 || vec.deletes != 0 {
		t.Fatalf("rollback counts = blob:%d vec:%d, want 0, 0 (earlier sinks retained)", blob.deletes, vec.deletes)
	}
	if blob.puts != 2 || vec.upserts != 2 {
		t.Fatalf("writes = blob:%d vec:%d, want 2, 2", blob.puts, vec.upserts)
	}
}

func TestProcessPersistsReconciliationMetadataWhenProvided(t *testing.T) {
	blob := &fakeBlob{}
	vec := &fakeVector{}
	graph := &fakeGraph{}
	o := New(Config{Blob: blob, Vector: vec, Graph: graph, Embedder: &fakeEmbedder{}, VectorCollection: "records"})

	group := sampleGroup()
	group.ReconciliationContext = map[string]any{"content_hash": "h1"}

	if err := o.Process(context.Background(), group); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if blob.reconciliations != 1 {
		t.Fatalf("blob.reconciliations = %d, want 1", blob.reconciliations)
	}
}

func recordsSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"id", "org_id", "name", "content_hash"},
		"properties": map[string]any{
			"org_id": map[string]any{"type": "string", "minLength": 1},
		},
	}
}

func TestProcessFailsWhenOrgIDMissing(t *testing.T) {
	blob := &fakeBlob{}
	vec := &fakeVector{}
	graph := &fakeGraph{}
	validator := schema.New()
	if err := validator.Register("records", recordsSchema()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	o := New(Config{Blob: blob, Vector: vec, Graph: graph, Embedder: &fakeEmbedder{}, Schema: validator, VectorCollection: "records"})

	if err := o.Process(context.Background(), sampleGroup()); err == nil {
		t.Fatal("Process: want schema validation error for missing org_id, got nil")
	}
	if blob.puts != 0 {
		t.Fatal("blob should not be written when org_id is missing")
	}
}

type fakeSchema struct{ failValidate bool }

func (f *fakeSchema) Validate(string, schema.Mode, map[string]any) error {
	if f.failValidate {
		return errors.New("schema invalid")
	}
	return nil
}

func TestProcessFailsOnSchemaValidation(t *testing.T) {
	blob := &fakeBlob{}
	vec := &fakeVector{}
	graph := &fakeGraph{}
	o := New(Config{Blob: blob, Vector: vec, Graph: graph, Embedder: &fakeEmbedder{}, Schema: &fakeSchema{failValidate: true}, VectorCollection: "records"})

	if err := o.Process(context.Background(), sampleGroup()); err == nil {
		t.Fatal("Process: want schema validation error, got nil")
	}
	if blob.puts != 0 {
		t.Fatal("blob should not be written when schema validation fails up front")
	}
}
