package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

// SpacesClient stores uploaded lesson source documents in an S3-compatible
// object store so a lesson can be regenerated later without re-uploading.
type SpacesClient struct {
	s3Client *s3.S3
	bucket   string
}

// SpacesConfig holds configuration for the Spaces client
type SpacesConfig struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Endpoint  string
}

// NewSpacesClient creates a new Spaces client
func NewSpacesClient(config SpacesConfig) (*SpacesClient, error) {
	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		),
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Spaces session: %w", err)
	}

	return &SpacesClient{
		s3Client: s3.New(sess),
		bucket:   config.Bucket,
	}, nil
}

// SourceDocumentKey builds a unique object key for a lesson source file,
// namespaced by teacher.
func SourceDocumentKey(teacherID uint, filename string) string {
	return fmt.Sprintf("sources/%d/%s-%s", teacherID, uuid.New().String(), path.Base(filename))
}

// UploadSourceDocument stores a source document privately and returns the
// object key.
func (s *SpacesClient) UploadSourceDocument(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        aws.ReadSeekCloser(bytes.NewReader(data)),
		ACL:         aws.String("private"),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload source document: %w", err)
	}
	return key, nil
}

// DownloadSourceDocument fetches a stored source document by key.
func (s *SpacesClient) DownloadSourceDocument(ctx context.Context, key string) ([]byte, error) {
	result, err := s.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download source document: %w", err)
	}
	defer result.Body.Close()

	return io.ReadAll(result.Body)
}

// DeleteSourceDocument removes a stored source document.
func (s *SpacesClient) DeleteSourceDocument(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete source document: %w", err)
	}
	return nil
}

// ListExpiredSourceDocuments returns keys under the sources/ prefix older
// than the retention cutoff, for the purge job.
func (s *SpacesClient) ListExpiredSourceDocuments(ctx context.Context, retention time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-retention)

	var expired []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String("sources/"),
	}
	err := s.s3Client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
					expired = append(expired, aws.StringValue(obj.Key))
				}
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list source documents: %w", err)
	}
	return expired, nil
}
