// Package sample implements a reference HTTP/JSON polling connector. It
// exercises every step of the Connector contract without claiming to be a
// production SDK integration, standing in for the concrete third-party
// connectors (Drive, Slack, Jira, ...) spec.md puts out of scope.
package sample

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/cortex/internal/connector"
)

func init() {
	connector.RegisterType("sample_http", New)
}

// item is the shape returned by the upstream JSON endpoint.
type item struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Updated time.Time `json:"updated_at"`
}

// Connector polls a JSON endpoint of the form
// "<base_url>?since=<cursor>" which is expected to return a JSON array of
// item, ordered oldest-first.
type Connector struct {
	baseURL string
	client  *klient.Client
}

func New(settings map[string]string) (connector.Connector, error) {
	c := &Connector{}
	if err := c.Create(settings); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connector) Create(settings map[string]string) error {
	baseURL, ok := settings["base_url"]
	if !ok || baseURL == "" {
		return fmt.Errorf("sample_http: 'base_url' setting is required")
	}
	c.baseURL = baseURL
	return nil
}

func (c *Connector) Init(_ context.Context) error {
	cl, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(false),
	)
	if err != nil {
		return fmt.Errorf("sample_http: build client: %w", err)
	}
	c.client = cl
	return nil
}

func (c *Connector) TestConnectionAndAccess(ctx context.Context) error {
	var out []item
	return c.fetchJSON(ctx, c.baseURL+"?limit=1", &out)
}

// fetchJSON issues a GET request through the shared klient.Client and
// decodes a JSON array response.
func (c *Connector) fetchJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sample_http: unexpected status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Connector) RunSync(ctx context.Context, from connector.SyncPoint, yield func(connector.BlockGroup) (bool, error)) (connector.SyncPoint, error) {
	cursor := from.Cursor

	var items []item
	url := c.baseURL
	if cursor != "" {
		url = fmt.Sprintf("%s?since=%s", c.baseURL, cursor)
	}
	if err := c.fetchJSON(ctx, url, &items); err != nil {
		return from, connector.NewExtractionError("", "fetch item list", err)
	}

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return connector.SyncPoint{ConnectorID: from.ConnectorID, Cursor: cursor, UpdatedAt: time.Now()}, err
		}

		group, err := toBlockGroup(from.ConnectorID, it)
		if err != nil {
			return from, connector.NewDocumentProcessingError(it.ID, "normalize item", err)
		}

		keepGoing, err := yield(group)
		if err != nil {
			return from, err
		}
		cursor = it.Updated.Format(time.RFC3339)
		if !keepGoing {
			break
		}
	}

	return connector.SyncPoint{ConnectorID: from.ConnectorID, Cursor: cursor, UpdatedAt: time.Now()}, nil
}

func (c *Connector) Cleanup(_ context.Context) error { return nil }

func toBlockGroup(connectorID string, it item) (connector.BlockGroup, error) {
	raw, err := json.Marshal(it)
	if err != nil {
		return connector.BlockGroup{}, err
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	rec := connector.Record{
		ID:                 it.ID,
		ConnectorID:        connectorID,
		ConnectorName:      "sample_http",
		ExternalID:         it.ID,
		ExternalRevisionID: hash,
		Type:               connector.RecordTypeWebpage,
		Origin:             connector.OriginConnector,
		VirtualRecordID:    hash,
		ContentHash:        hash,
		Name:               it.Title,
		SourceModifiedAt:   it.Updated,
		UpdatedAt:          it.Updated,
		IndexingStatus:     connector.IndexingNotStarted,
		ExtractionStatus:   connector.IndexingNotStarted,
	}

	return connector.BlockGroup{
		Record: rec,
		Blocks: []connector.Block{{
			ID:       it.ID + "#0",
			RecordID: it.ID,
			Index:    0,
			Text:     it.Body,
		}},
	}, nil
}
