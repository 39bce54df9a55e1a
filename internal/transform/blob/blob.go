// Package blob implements transform.BlobSink against S3-compatible object
// storage. Client construction (config.LoadDefaultConfig + region option)
// is grounded on the Bedrock provider's aws-sdk-go-v2 bootstrap.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rakunlabs/cortex/internal/transform"
)

type Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

func New(ctx context.Context, region, bucket, prefix string) (*Sink, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("blob: load AWS config: %w", err)
	}
	return &Sink{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func (s *Sink) key(recordID string, blockIndex int) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s/%d", recordID, blockIndex)
	}
	return fmt.Sprintf("%s/%s/%d", s.prefix, recordID, blockIndex)
}

func (s *Sink) PutBlock(ctx context.Context, recordID string, blockIndex int, data []byte) (string, error) {
	key := s.key(recordID, blockIndex)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("blob: put object %q: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// metadataKey is the reconciliation metadata's address, kept distinct from
// any blockIndex key so it is never mistaken for block content.
func (s *Sink) metadataKey(recordID string) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s/_reconciliation", recordID)
	}
	return fmt.Sprintf("%s/%s/_reconciliation", s.prefix, recordID)
}

// PutReconciliationMetadata persists metadata (the diff-relevant fields
// observed this run) under recordID, for the connector's next run to load
// and diff against.
func (s *Sink) PutReconciliationMetadata(ctx context.Context, recordID string, metadata map[string]any) error {
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("blob: marshal reconciliation metadata: %w", err)
	}

	key := s.metadataKey(recordID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("blob: put reconciliation metadata %q: %w", key, err)
	}
	return nil
}

func (s *Sink) DeleteBlock(ctx context.Context, address string) error {
	bucket, key, err := parseAddress(address)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("blob: delete object %q: %w", key, err)
	}
	return nil
}

func parseAddress(address string) (bucket, key string, err error) {
	const schemePrefix = "s3://"
	if len(address) <= len(schemePrefix) || address[:len(schemePrefix)] != schemePrefix {
		return "", "", fmt.Errorf("blob: malformed address %q", address)
	}
	rest := address[len(schemePrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("blob: malformed address %q", address)
}

var _ transform.BlobSink = (*Sink)(nil)
