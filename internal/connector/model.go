// Package connector defines the Record/Block/Permission data model shared
// by every connector instance, and the Connector interface each concrete
// connector implements (create, init, test_connection_and_access, run_sync,
// cleanup).
package connector

import "time"

// PermissionEntityType is the closed set of principal kinds a Permission
// edge can grant access to.
type PermissionEntityType string

const (
	PermissionUser           PermissionEntityType = "user"
	PermissionGroup          PermissionEntityType = "group"
	PermissionRoleEntity     PermissionEntityType = "role"
	PermissionDomain         PermissionEntityType = "domain"
	PermissionOrg            PermissionEntityType = "organization"
	PermissionTeam           PermissionEntityType = "team"
	PermissionAnyone         PermissionEntityType = "anyone"
	PermissionAnyoneWithLink PermissionEntityType = "anyone_with_link"
)

// PermissionRole is the access level a Permission edge grants.
type PermissionRole string

const (
	RoleReader    PermissionRole = "reader"
	RoleWriter    PermissionRole = "writer"
	RoleOwner     PermissionRole = "owner"
	RoleCommenter PermissionRole = "commenter"
	RoleOther     PermissionRole = "others"
)

// Permission is one principal's access grant on a Record. The graph sink
// persists these as edges between principal and resource nodes, not as a
// column on Record.
type Permission struct {
	ExternalID string               `json:"external_id,omitempty"`
	Email      string               `json:"email,omitempty"`
	EntityType PermissionEntityType `json:"entity_type"`
	Role       PermissionRole       `json:"role"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// RecordType is the closed set of content shapes a Record can represent.
type RecordType string

const (
	RecordTypeFile     RecordType = "file"
	RecordTypeMail     RecordType = "mail"
	RecordTypeLink     RecordType = "link"
	RecordTypePage     RecordType = "page"
	RecordTypeWebpage  RecordType = "webpage"
	RecordTypeComment  RecordType = "comment"
	RecordTypeTicket   RecordType = "ticket"
	RecordTypeProject  RecordType = "project"
	RecordTypeSQLTable RecordType = "sql_table"
	RecordTypeSQLView  RecordType = "sql_view"
)

// RecordOrigin reports whether a Record was discovered by a connector crawl
// or added directly by a user upload.
type RecordOrigin string

const (
	OriginConnector RecordOrigin = "connector"
	OriginUpload    RecordOrigin = "upload"
)

// IndexingStatus is the closed progression a Record's indexing and
// extraction pipelines move through. Once Completed, a Record is not
// re-indexed unless its ExternalRevisionID changes (Invariant 2).
type IndexingStatus string

const (
	IndexingNotStarted IndexingStatus = "not_started"
	IndexingInProgress IndexingStatus = "in_progress"
	IndexingCompleted  IndexingStatus = "completed"
	IndexingFailed     IndexingStatus = "failed"
	IndexingAutoOff    IndexingStatus = "auto_index_off"
)

// Record is the base unit of content a connector yields. A Record of
// Type=RecordTypeFile has exactly one FileRecord related via an "is_of_type"
// edge (Invariant 1); the edge itself is not a field here — see FileRecord
// and the graph sink's file-record table.
type Record struct {
	ID            string       `json:"id"`
	OrgID         string       `json:"org_id"`
	ConnectorID   string       `json:"connector_id"`
	ConnectorName string       `json:"connector_name"`
	ExternalID    string       `json:"external_id"`

	Type   RecordType   `json:"type"`
	Origin RecordOrigin `json:"origin"`

	// VirtualRecordID groups Records that are the same logical content
	// surfaced through different connectors or at different revisions.
	// Equality is defined purely by ContentHash — two records share a
	// VirtualRecordID iff the connector computed the same ContentHash for
	// both; no other field is ever used to infer grouping.
	VirtualRecordID string `json:"virtual_record_id"`
	ContentHash     string `json:"content_hash"`

	Name                string       `json:"name"`
	WebURL              string       `json:"web_url"`
	MimeType            string       `json:"mime_type"`
	ExternalRevisionID  string       `json:"external_revision_id"`
	Permissions         []Permission `json:"permissions"`

	SourceCreatedAt  time.Time `json:"source_created_at"`
	SourceModifiedAt time.Time `json:"source_modified_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	IndexingStatus   IndexingStatus `json:"indexing_status"`
	ExtractionStatus IndexingStatus `json:"extraction_status"`
}

// FileRecord specializes a Record of Type=RecordTypeFile with file-shaped
// metadata. It is a distinct entity related to its Record by an "is_of_type"
// edge carrying its own creation/update timestamps (Invariant 1) — it does
// not embed Record.
type FileRecord struct {
	RecordID  string `json:"record_id"`
	Extension string `json:"extension"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Path      string `json:"path"`
	ETag      string `json:"etag"`
	CTag      string `json:"ctag"`

	QuickXorHash string `json:"quick_xor_hash,omitempty"`
	CRC32        string `json:"crc32,omitempty"`
	MD5          string `json:"md5,omitempty"`
	SHA1         string `json:"sha1,omitempty"`
	SHA256       string `json:"sha256,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Block is one normalized content chunk belonging to a Record.
type Block struct {
	ID       string         `json:"id"`
	RecordID string         `json:"record_id"`
	Index    int            `json:"index"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// BlockGroup is an ordered set of Blocks belonging to one Record, the unit
// the transform pipeline fans out to the blob/vector/graph sinks together.
type BlockGroup struct {
	Record     Record
	FileRecord *FileRecord
	Blocks     []Block

	// ReconciliationContext, if the connector provides one, carries the diff
	// between the previously stored blob metadata and what was just
	// observed. The orchestrator persists it back to blob for the next run.
	ReconciliationContext map[string]any
}

// SyncPoint is the connector-opaque cursor persisted between sync runs.
type SyncPoint struct {
	ConnectorID string    `json:"connector_id"`
	Cursor      string    `json:"cursor"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Instance describes one configured connector instance as stored in the KV
// store at "/connectors/{id}".
type Instance struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Enabled      bool              `json:"enabled"`
	Settings     map[string]string `json:"settings"`
	CredentialID string            `json:"credential_id"`
}
