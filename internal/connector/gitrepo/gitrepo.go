// Package gitrepo implements a GitHub-shaped connector backed by
// github.com/go-git/go-git/v5: on every run it removes any previous scratch
// worktree, shallow-clones the repository into it afresh, and walks its tree
// as Records, standing in for the spec's GitHub connector without a GitHub
// API SDK (an explicit Non-goal).
package gitrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/rakunlabs/cortex/internal/connector"
)

func init() {
	connector.RegisterType("git_repo", New)
}

// Connector walks the tree of a single branch's HEAD commit.
type Connector struct {
	url       string
	branch    string
	authToken string
	workdir   string
}

func New(settings map[string]string) (connector.Connector, error) {
	c := &Connector{}
	if err := c.Create(settings); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connector) Create(settings map[string]string) error {
	url, ok := settings["url"]
	if !ok || url == "" {
		return fmt.Errorf("git_repo: 'url' setting is required")
	}
	c.url = url
	c.branch = settings["branch"]
	if c.branch == "" {
		c.branch = "main"
	}
	c.authToken = settings["auth_token"]
	return nil
}

func (c *Connector) Init(_ context.Context) error {
	dir, err := os.MkdirTemp("", "cortex-gitrepo-*")
	if err != nil {
		return fmt.Errorf("git_repo: create workdir: %w", err)
	}
	c.workdir = dir
	return nil
}

func (c *Connector) auth() *http.BasicAuth {
	if c.authToken == "" {
		return nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: c.authToken}
}

func (c *Connector) TestConnectionAndAccess(ctx context.Context) error {
	_, err := git.PlainCloneContext(ctx, c.workdir+"/probe", false, &git.CloneOptions{
		URL:           c.url,
		ReferenceName: plumbing.NewBranchReferenceName(c.branch),
		Depth:         1,
		Auth:          c.auth(),
	})
	if err != nil {
		return fmt.Errorf("git_repo: clone probe failed: %w", err)
	}
	return os.RemoveAll(c.workdir + "/probe")
}

// RunSync re-clones shallowly each run (cursor holds the last synced commit
// hash so unchanged repos short-circuit immediately) and walks every blob in
// the HEAD tree as one BlockGroup.
func (c *Connector) RunSync(ctx context.Context, from connector.SyncPoint, yield func(connector.BlockGroup) (bool, error)) (connector.SyncPoint, error) {
	repoDir := filepath.Join(c.workdir, "repo")
	_ = os.RemoveAll(repoDir)

	repo, err := git.PlainCloneContext(ctx, repoDir, false, &git.CloneOptions{
		URL:           c.url,
		ReferenceName: plumbing.NewBranchReferenceName(c.branch),
		Depth:         1,
		Auth:          c.auth(),
	})
	if err != nil {
		return from, connector.NewExtractionError("", "clone repository", err)
	}

	head, err := repo.Head()
	if err != nil {
		return from, connector.NewExtractionError("", "resolve HEAD", err)
	}

	if head.Hash().String() == from.Cursor {
		// Nothing changed since the last sync.
		return from, nil
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return from, connector.NewExtractionError("", "load HEAD commit", err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return from, connector.NewExtractionError("", "load HEAD tree", err)
	}

	walkErr := tree.Files().ForEach(func(f *object.File) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		group, err := c.toBlockGroup(from.ConnectorID, f, commit.Committer.When)
		if err != nil {
			return connector.NewDocumentProcessingError(f.Name, "normalize file", err)
		}

		keepGoing, err := yield(group)
		if err != nil {
			return err
		}
		if !keepGoing {
			return io.EOF // signal early stop without propagating as a sync failure
		}
		return nil
	})
	if walkErr != nil && walkErr != io.EOF {
		return from, walkErr
	}

	return connector.SyncPoint{
		ConnectorID: from.ConnectorID,
		Cursor:      head.Hash().String(),
		UpdatedAt:   time.Now(),
	}, nil
}

func (c *Connector) toBlockGroup(connectorID string, f *object.File, committedAt time.Time) (connector.BlockGroup, error) {
	contents, err := f.Contents()
	if err != nil {
		return connector.BlockGroup{}, err
	}

	sum := sha256.Sum256([]byte(contents))
	hash := hex.EncodeToString(sum[:])

	rec := connector.Record{
		ID:                 f.Name,
		ConnectorID:        connectorID,
		ConnectorName:      "git_repo",
		ExternalID:         f.Name,
		ExternalRevisionID: f.Hash.String(),
		Type:               connector.RecordTypeFile,
		Origin:             connector.OriginConnector,
		VirtualRecordID:    hash,
		ContentHash:        hash,
		Name:               filepath.Base(f.Name),
		WebURL:             c.url + "/blob/" + c.branch + "/" + f.Name,
		MimeType:           mimeTypeFor(f.Name),
		SourceModifiedAt:   committedAt,
		UpdatedAt:          committedAt,
		IndexingStatus:     connector.IndexingNotStarted,
		ExtractionStatus:   connector.IndexingNotStarted,
	}

	file := &connector.FileRecord{
		RecordID:  f.Name,
		Extension: strings.TrimPrefix(filepath.Ext(f.Name), "."),
		MimeType:  rec.MimeType,
		SizeBytes: f.Size,
		Path:      f.Name,
		SHA1:      f.Hash.String(),
		CreatedAt: committedAt,
		UpdatedAt: committedAt,
	}

	return connector.BlockGroup{
		Record:     rec,
		FileRecord: file,
		Blocks: []connector.Block{{
			ID:       f.Name + "#0",
			RecordID: f.Name,
			Index:    0,
			Text:     contents,
			Metadata: map[string]any{"path": f.Name},
		}},
	}, nil
}

// mimeTypeFor guesses a MIME type from a file's extension, good enough for
// a reference connector standing in for a real content-sniffing pipeline.
func mimeTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (c *Connector) Cleanup(_ context.Context) error {
	if c.workdir == "" {
		return nil
	}
	return os.RemoveAll(c.workdir)
}
