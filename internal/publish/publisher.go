// Package publish stores written articles as JSON documents on local disk or S3.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"news-pipeline/internal/config"
	"news-pipeline/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Publisher writes one document per written article.
type Publisher struct {
	prefix   string
	uploader uploader
}

// Document is the published form of an article.
type Document struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Category    string     `json:"category,omitempty"`
	Headline    string     `json:"headline"`
	Body        string     `json:"body"`
	Research    string     `json:"research,omitempty"`
	Analysis    string     `json:"analysis,omitempty"`
	WrittenAt   time.Time  `json:"written_at"`
}

// Enabled reports whether cfg names any destination.
func Enabled(cfg config.PublishConfig) bool {
	return cfg.S3Bucket != "" || cfg.OutputDir != ""
}

// New picks the S3 uploader when a bucket is configured, else the local one.
func New(ctx context.Context, cfg config.PublishConfig) (*Publisher, error) {
	switch {
	case cfg.S3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Publisher{prefix: cfg.Prefix, uploader: &s3Uploader{client: client, bucket: cfg.S3Bucket}}, nil
	case cfg.OutputDir != "":
		return &Publisher{prefix: cfg.Prefix, uploader: &localUploader{baseDir: cfg.OutputDir}}, nil
	}
	return nil, errors.New("publish: neither an output dir nor an s3 bucket is configured")
}

func newS3Client(ctx context.Context, cfg config.PublishConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Publish uploads the article under <prefix>/<yyyy-mm-dd>/<id>.json, dated by
// when it was written.
func (p *Publisher) Publish(ctx context.Context, a models.Article) error {
	doc, err := NewDocument(a)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", a.ID, err)
	}
	if _, err := p.uploader.Upload(ctx, Key(p.prefix, doc), body, "application/json"); err != nil {
		return fmt.Errorf("upload %s: %w", a.ID, err)
	}
	return nil
}

// NewDocument flattens the stage results of a written article.
func NewDocument(a models.Article) (Document, error) {
	if a.Stage != models.StageWritten {
		return Document{}, fmt.Errorf("article %s is %s, not written", a.ID, a.Stage)
	}
	w, ok := a.StageResults.Get(models.StepWriting)
	if !ok || w.Writing == nil {
		return Document{}, fmt.Errorf("article %s has no writing result", a.ID)
	}
	doc := Document{
		ID:          a.ID,
		Title:       a.Title,
		URL:         a.URL,
		PublishedAt: a.PublishedAt,
		Headline:    w.Writing.Headline,
		Body:        w.Writing.Body,
		WrittenAt:   w.CompletedAt.UTC(),
	}
	if r, ok := a.StageResults.Get(models.StepRelevance); ok && r.Relevance != nil {
		doc.Category = r.Relevance.Category
	}
	if r, ok := a.StageResults.Get(models.StepResearch); ok && r.Research != nil {
		doc.Research = r.Research.Findings
	}
	if r, ok := a.StageResults.Get(models.StepAnalysis); ok && r.Analysis != nil {
		doc.Analysis = r.Analysis.Text
	}
	return doc, nil
}

// Key is the object key a document is stored under.
func Key(prefix string, doc Document) string {
	return path.Join(strings.Trim(prefix, "/"), doc.WrittenAt.Format("2006-01-02"), doc.ID+".json")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	// Write then rename so readers never see a partial document.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("rename file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
