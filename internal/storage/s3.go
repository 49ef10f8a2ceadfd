// Package storage uploads reindex manifests for the search indexer. A
// manifest lists, one JSON object per line, the vertices a pass touched.
package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
)

func NewS3Client(ctx context.Context) (*s3.Client, error) {
	region := util.GetEnv("AWS_REGION")
	endpoint := util.GetEnv("AWS_ENDPOINT")
	accessKey := util.GetEnv("AWS_ACCESS_KEY")
	secretKey := util.GetEnv("AWS_SECRET_KEY")
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return client, nil
}

type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ManifestEntry is one line of a reindex manifest.
type ManifestEntry struct {
	ID     string  `json:"id"`
	Kind   kb.Kind `json:"kind"`
	PassID string  `json:"pass_id"`
}

type Manifests struct {
	client objectStore
	bucket string
	prefix string
}

// NewManifests writes to bucket under prefix. An empty bucket falls back to
// AWS_BUCKET.
func NewManifests(client objectStore, bucket, prefix string) *Manifests {
	if bucket == "" {
		bucket = util.GetEnv("AWS_BUCKET")
	}
	return &Manifests{client: client, bucket: bucket, prefix: prefix}
}

func (m *Manifests) Key(kind kb.Kind, passID string) string {
	return path.Join(m.prefix, string(kind), passID+".jsonl")
}

// Write uploads the manifest of a finished pass. Passes that touched nothing
// produce no object; the returned key is then empty.
func (m *Manifests) Write(ctx context.Context, res *resolve.PassResult) (string, error) {
	if res == nil || len(res.Touched) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, id := range res.Touched {
		if err := enc.Encode(ManifestEntry{ID: id, Kind: res.Kind, PassID: res.PassID}); err != nil {
			return "", err
		}
	}

	key := m.Key(res.Kind, res.PassID)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload manifest to S3: %w", err)
	}
	logger.Info("[Manifest] Uploaded", "kind", res.Kind, "pass_id", res.PassID, "key", key, "entries", len(res.Touched))
	return key, nil
}

// Read downloads and decodes a manifest.
func (m *Manifests) Read(ctx context.Context, key string) ([]ManifestEntry, error) {
	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest from S3: %w", err)
	}
	defer result.Body.Close()

	var out []ManifestEntry
	sc := bufio.NewScanner(result.Body)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e ManifestEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("invalid manifest line: %w", err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
