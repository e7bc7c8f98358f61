// Package storage uploads chat attachments to an HTTP object store.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrUpload = errors.New("upload failed")

// HTTPUploader writes objects with PUT {base}/object/{bucket}/{path}.
type HTTPUploader struct {
	baseURL string
	bucket  string
	token   string
	client  *http.Client
}

// NewHTTPUploader builds an uploader. token may be empty.
func NewHTTPUploader(baseURL, bucket, token string) *HTTPUploader {
	return &HTTPUploader{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Upload stores data at path and returns its public URL.
func (u *HTTPUploader) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	objectPath := escapePath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/object/%s/%s", u.baseURL, url.PathEscape(u.bucket), objectPath), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	req.Header.Set("Content-Type", contentType)
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUpload, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return u.PublicURL(path), nil
}

// PublicURL returns the unauthenticated URL of the object at path.
func (u *HTTPUploader) PublicURL(path string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", u.baseURL, url.PathEscape(u.bucket), escapePath(path))
}

func escapePath(path string) string {
	parts := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
