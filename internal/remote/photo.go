package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joescharf/civtrack/internal/apperr"
)

// maxPhotoBytes caps a resolved photo payload.
const maxPhotoBytes = 20 << 20

// PhotoResolver turns an opaque photo reference into bytes. It understands
// base64 data URIs, as written by the mobile camera plugin, and http(s) URLs.
type PhotoResolver struct {
	client *http.Client
}

// NewPhotoResolver creates a resolver whose downloads time out after timeout.
func NewPhotoResolver(timeout time.Duration) *PhotoResolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PhotoResolver{client: &http.Client{Timeout: timeout}}
}

// Resolve returns the photo bytes and their content type.
func (r *PhotoResolver) Resolve(ctx context.Context, ref string) ([]byte, string, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return decodeDataURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.fetch(ctx, ref)
	default:
		return nil, "", apperr.Validation("photos", "unsupported photo reference")
	}
}

func decodeDataURI(ref string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, "", apperr.Validation("photos", "data URI has no payload")
	}
	contentType := "application/octet-stream"
	params := strings.Split(meta, ";")
	if params[0] != "" {
		contentType = params[0]
	}
	isBase64 := false
	for _, p := range params[1:] {
		if p == "base64" {
			isBase64 = true
		}
	}
	if !isBase64 {
		return []byte(payload), contentType, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", apperr.Validation("photos", "invalid base64 payload: %v", err)
	}
	return data, contentType, nil
}

func (r *PhotoResolver) fetch(ctx context.Context, ref string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", apperr.Validation("photos", "invalid photo URL: %v", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", apperr.RemoteUnavailable("photo", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", apperr.NotFound("photo", ref)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", apperr.RemoteUnavailable("photo", fmt.Errorf("photo host returned %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return nil, "", apperr.RemoteUnavailable("photo", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
