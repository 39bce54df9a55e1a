package connector

import "fmt"

// IndexingError is the base shape for every typed error a connector or the
// transform pipeline can raise against a single record; RecordID and
// Details name the failing record and step. It carries no errkind.Kind, and
// the sync task manager records a failed run's error without retrying it.
type IndexingError struct {
	Op       string
	RecordID string
	Details  string
	Err      error
}

func (e *IndexingError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s: record %s: %s: %v", e.Op, e.RecordID, e.Details, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Details, e.Err)
}

func (e *IndexingError) Unwrap() error { return e.Err }

func newIndexingError(op, recordID, details string, err error) *IndexingError {
	return &IndexingError{Op: op, RecordID: recordID, Details: details, Err: err}
}

// DocumentProcessingError wraps a failure turning a raw fetched item into
// Blocks (parsing is explicitly out of scope; this covers structural
// failures in the connector's own normalization step).
type DocumentProcessingError struct{ *IndexingError }

func NewDocumentProcessingError(recordID, details string, err error) *DocumentProcessingError {
	return &DocumentProcessingError{newIndexingError("document_processing", recordID, details, err)}
}

// EmbeddingError wraps a failure computing or receiving vectors for a block group.
type EmbeddingError struct{ *IndexingError }

func NewEmbeddingError(recordID, details string, err error) *EmbeddingError {
	return &EmbeddingError{newIndexingError("embedding", recordID, details, err)}
}

// VectorStoreError wraps a failure writing to the vector sink. The transform
// orchestrator also returns it for blob, reconciliation-metadata, and graph
// write failures.
type VectorStoreError struct{ *IndexingError }

func NewVectorStoreError(recordID, details string, err error) *VectorStoreError {
	return &VectorStoreError{newIndexingError("vector_store", recordID, details, err)}
}

// ChunkingError wraps a failure splitting a Record into Blocks.
type ChunkingError struct{ *IndexingError }

func NewChunkingError(recordID, details string, err error) *ChunkingError {
	return &ChunkingError{newIndexingError("chunking", recordID, details, err)}
}

// ExtractionError wraps a failure fetching a raw item from the upstream source.
type ExtractionError struct{ *IndexingError }

func NewExtractionError(recordID, details string, err error) *ExtractionError {
	return &ExtractionError{newIndexingError("extraction", recordID, details, err)}
}

// SchemaValidationError wraps a failure validating a graph write against its
// collection's registered schema (internal/schema).
type SchemaValidationError struct{ *IndexingError }

func NewSchemaValidationError(recordID, details string, err error) *SchemaValidationError {
	return &SchemaValidationError{newIndexingError("schema_validation", recordID, details, err)}
}
