package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
)

// objectAPI is the part of the Supabase storage client the store uses.
type objectAPI interface {
	UploadFile(bucketId string, relativePath string, data io.Reader, fileOptions ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
	DownloadFile(bucketId string, filePath string, urlOptions ...storage_go.UrlOptions) ([]byte, error)
	GetPublicUrl(bucketId string, filePath string, urlOptions ...storage_go.UrlOptions) storage_go.SignedUrlResponse
}

// SupabaseStore implements BlobStore on a public Supabase Storage bucket.
type SupabaseStore struct {
	client objectAPI
	bucket string
}

func NewSupabaseStore(client *storage_go.Client, bucket string) *SupabaseStore {
	return &SupabaseStore{client: client, bucket: bucket}
}

// The storage client has no context support, so ctx is only checked before each call.
func (s *SupabaseStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	upsert := false
	cacheControl := "31536000"
	resp, err := s.client.UploadFile(s.bucket, path, bytes.NewReader(data), storage_go.FileOptions{
		ContentType:  &contentType,
		CacheControl: &cacheControl,
		Upsert:       &upsert,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to bucket %s: %w", path, s.bucket, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("failed to upload %s to bucket %s: %s", path, s.bucket, resp.Error)
	}

	publicURL := s.client.GetPublicUrl(s.bucket, path).SignedURL
	if publicURL == "" {
		return "", fmt.Errorf("no public url for %s", path)
	}
	return publicURL, nil
}

func (s *SupabaseStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.client.DownloadFile(s.bucket, path)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download %s: %w", path, err)
	}
	return data, nil
}
