// Package graph implements transform.GraphSink over Postgres relational
// tables via goqu, grounded on the teacher's own store/postgres tables
// (provider/workflow/trigger rows built the same way): no graph database
// driver appears anywhere in the retrieval pack, so records, file records,
// permissions, and blocks are modeled as four related tables instead, with
// the last three referencing their owning record by foreign key.
package graph

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/rakunlabs/muz"

	"github.com/rakunlabs/cortex/internal/connector"
	"github.com/rakunlabs/cortex/internal/transform"
)

//go:embed migrations/*
var migrationFS embed.FS

type Sink struct {
	raw              *sql.DB
	goqu             *goqu.Database
	tableRecords     goqu.Expression
	tableFileRecords goqu.Expression
	tablePermissions goqu.Expression
	tableBlocks      goqu.Expression
}

func New(ctx context.Context, db *sql.DB, tablePrefix string) (*Sink, error) {
	migrationTable := tablePrefix + "graph_migrations"
	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    map[string]string{"TABLE_PREFIX": tablePrefix},
	}
	driver := muz.NewPostgresDriver(db, migrationTable, slog.Default())
	if err := m.Migrate(ctx, driver); err != nil {
		return nil, fmt.Errorf("graph: run migrations: %w", err)
	}

	return &Sink{
		raw:              db,
		goqu:             goqu.New("postgres", db),
		tableRecords:     goqu.T(tablePrefix + "records"),
		tableFileRecords: goqu.T(tablePrefix + "file_records"),
		tablePermissions: goqu.T(tablePrefix + "permissions"),
		tableBlocks:      goqu.T(tablePrefix + "blocks"),
	}, nil
}

func (s *Sink) UpsertRecord(ctx context.Context, rec connector.Record) error {
	row := goqu.Record{
		"id":                    rec.ID,
		"org_id":                rec.OrgID,
		"connector_id":          rec.ConnectorID,
		"connector_name":        rec.ConnectorName,
		"external_id":           rec.ExternalID,
		"external_revision_id":  rec.ExternalRevisionID,
		"record_type":           string(rec.Type),
		"origin":                string(rec.Origin),
		"virtual_record_id":     rec.VirtualRecordID,
		"content_hash":          rec.ContentHash,
		"name":                  rec.Name,
		"web_url":               rec.WebURL,
		"mime_type":             rec.MimeType,
		"source_created_at":     rec.SourceCreatedAt,
		"source_modified_at":    rec.SourceModifiedAt,
		"indexing_status":       string(rec.IndexingStatus),
		"extraction_status":     string(rec.ExtractionStatus),
		"updated_at":            rec.UpdatedAt,
	}

	query, _, err := s.goqu.Insert(s.tableRecords).
		Rows(row).
		OnConflict(goqu.DoUpdate("id", row)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("graph: build upsert record query: %w", err)
	}
	if _, err := s.raw.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("graph: upsert record %q: %w", rec.ID, err)
	}
	return nil
}

// UpsertFileRecord writes the is_of_type edge between a Record and its file
// metadata; its created_at/updated_at are the edge's own timestamps, not
// the parent Record's.
func (s *Sink) UpsertFileRecord(ctx context.Context, file connector.FileRecord) error {
	row := goqu.Record{
		"record_id":      file.RecordID,
		"extension":      file.Extension,
		"mime_type":      file.MimeType,
		"size_bytes":     file.SizeBytes,
		"path":           file.Path,
		"etag":           file.ETag,
		"ctag":           file.CTag,
		"quick_xor_hash": file.QuickXorHash,
		"crc32":          file.CRC32,
		"md5":            file.MD5,
		"sha1":           file.SHA1,
		"sha256":         file.SHA256,
		"created_at":     file.CreatedAt,
		"updated_at":     file.UpdatedAt,
	}

	query, _, err := s.goqu.Insert(s.tableFileRecords).
		Rows(row).
		OnConflict(goqu.DoUpdate("record_id", row)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("graph: build upsert file record query: %w", err)
	}
	if _, err := s.raw.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("graph: upsert file record %q: %w", file.RecordID, err)
	}
	return nil
}

// UpsertPermissions replaces recordID's permission edges with perms:
// principal access on a resource is a snapshot of the source's current
// ACL, not an append log, so the old edge set is cleared first.
func (s *Sink) UpsertPermissions(ctx context.Context, recordID string, perms []connector.Permission) error {
	delQuery, _, err := s.goqu.Delete(s.tablePermissions).Where(goqu.I("record_id").Eq(recordID)).ToSQL()
	if err != nil {
		return fmt.Errorf("graph: build delete permissions query: %w", err)
	}
	if _, err := s.raw.ExecContext(ctx, delQuery); err != nil {
		return fmt.Errorf("graph: clear permissions for record %q: %w", recordID, err)
	}

	rows := make([]any, len(perms))
	for i, p := range perms {
		rows[i] = goqu.Record{
			"record_id":   recordID,
			"external_id": p.ExternalID,
			"email":       p.Email,
			"entity_type": string(p.EntityType),
			"role":        string(p.Role),
			"created_at":  p.CreatedAt,
			"updated_at":  p.UpdatedAt,
		}
	}
	if len(rows) == 0 {
		return nil
	}

	insQuery, _, err := s.goqu.Insert(s.tablePermissions).Rows(rows...).ToSQL()
	if err != nil {
		return fmt.Errorf("graph: build insert permissions query: %w", err)
	}
	if _, err := s.raw.ExecContext(ctx, insQuery); err != nil {
		return fmt.Errorf("graph: insert permissions for record %q: %w", recordID, err)
	}
	return nil
}

// UpdateStatus best-effort updates just a record's indexing status, used
// when the pipeline aborts before the full record is (re-)upserted this
// run. Affecting zero rows (record not yet written) is not an error.
func (s *Sink) UpdateStatus(ctx context.Context, recordID string, status connector.IndexingStatus) error {
	query, _, err := s.goqu.Update(s.tableRecords).
		Set(goqu.Record{"indexing_status": string(status)}).
		Where(goqu.I("id").Eq(recordID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("graph: build update status query: %w", err)
	}
	if _, err := s.raw.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("graph: update status for record %q: %w", recordID, err)
	}
	return nil
}

func (s *Sink) UpsertBlock(ctx context.Context, recordID string, blk connector.Block, blobAddress string) error {
	metadata, err := json.Marshal(blk.Metadata)
	if err != nil {
		return fmt.Errorf("graph: marshal block metadata: %w", err)
	}

	row := goqu.Record{
		"id":           blk.ID,
		"record_id":    recordID,
		"index":        blk.Index,
		"blob_address": blobAddress,
		"metadata":     metadata,
	}

	query, _, err := s.goqu.Insert(s.tableBlocks).
		Rows(row).
		OnConflict(goqu.DoUpdate("id", row)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("graph: build upsert block query: %w", err)
	}
	if _, err := s.raw.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("graph: upsert block %q: %w", blk.ID, err)
	}
	return nil
}

func (s *Sink) DeleteRecord(ctx context.Context, recordID string) error {
	delBlocks, _, err := s.goqu.Delete(s.tableBlocks).Where(goqu.I("record_id").Eq(recordID)).ToSQL()
	if err != nil {
		return fmt.Errorf("graph: build delete blocks query: %w", err)
	}
	if _, err := s.raw.ExecContext(ctx, delBlocks); err != nil {
		return fmt.Errorf("graph: delete blocks for record %q: %w", recordID, err)
	}

	delRecord, _, err := s.goqu.Delete(s.tableRecords).Where(goqu.I("id").Eq(recordID)).ToSQL()
	if err != nil {
		return fmt.Errorf("graph: build delete record query: %w", err)
	}
	if _, err := s.raw.ExecContext(ctx, delRecord); err != nil {
		return fmt.Errorf("graph: delete record %q: %w", recordID, err)
	}
	return nil
}

var _ transform.GraphSink = (*Sink)(nil)
