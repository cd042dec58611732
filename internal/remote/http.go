package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joescharf/civtrack/internal/apperr"
)

// HTTPConfig configures an HTTPStore.
type HTTPConfig struct {
	// BaseURL is the database root, e.g. https://project.firebaseio.com.
	BaseURL string

	// Collection is the path holding issue documents.
	Collection string

	// AuthToken is sent as the "auth" query parameter when set.
	AuthToken string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// RetryMaxElapsed bounds all attempts of one call. Zero disables retries.
	RetryMaxElapsed time.Duration

	Logger *slog.Logger
}

// HTTPStore talks to a Firebase Realtime Database style REST API:
// GET {base}/{collection}.json lists, PATCH {base}/{collection}/{key}.json
// merges and PUT on the same path replaces.
type HTTPStore struct {
	cfg    HTTPConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPStore validates cfg and returns a store.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("remote collection is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPStore{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

func (s *HTTPStore) endpoint(key string) string {
	path := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + strings.Trim(s.cfg.Collection, "/")
	if key != "" {
		path += "/" + url.PathEscape(key)
	}
	path += ".json"
	if s.cfg.AuthToken != "" {
		path += "?auth=" + url.QueryEscape(s.cfg.AuthToken)
	}
	return path
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.code, e.body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (s *HTTPStore) newBackoff(ctx context.Context) backoff.BackOff {
	var bo backoff.BackOff
	if s.cfg.RetryMaxElapsed <= 0 {
		bo = &backoff.StopBackOff{}
	} else {
		// BackOff implementations are stateful; always build a fresh one.
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 200 * time.Millisecond
		eb.MaxElapsedTime = s.cfg.RetryMaxElapsed
		bo = eb
	}
	return backoff.WithContext(bo, ctx)
}

// do runs one request with retries and decodes the JSON response into out.
func (s *HTTPStore) do(ctx context.Context, op, method, key string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return apperr.Internal(op, fmt.Errorf("encode document: %w", err))
		}
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.endpoint(key), reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			s.logger.Debug("remote request failed", "op", op, "key", key, "attempt", attempt, "error", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
			if retryable(resp.StatusCode) {
				s.logger.Debug("remote request failed", "op", op, "key", key, "attempt", attempt, "status", resp.StatusCode)
				return serr
			}
			return backoff.Permanent(serr)
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}, s.newBackoff(ctx))
	if err != nil {
		return apperr.RemoteUnavailable(op, err)
	}
	return nil
}

func (s *HTTPStore) ListAll(ctx context.Context) ([]Document, error) {
	var raw map[string]any
	if err := s.do(ctx, "list", http.MethodGet, "", nil, &raw); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		if !IsReservedKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	docs := make([]Document, 0, len(keys))
	for _, k := range keys {
		fields, _ := raw[k].(map[string]any)
		docs = append(docs, Document{Key: k, Fields: fields})
	}
	return docs, nil
}

func (s *HTTPStore) Upsert(ctx context.Context, key string, fields map[string]any) (string, error) {
	if key == "" {
		return "", apperr.Validation("remoteId", "remote key is required")
	}
	if err := s.do(ctx, "upsert", http.MethodPatch, key, fields, nil); err != nil {
		return "", err
	}
	return key, nil
}

func (s *HTTPStore) Replace(ctx context.Context, key string, fields map[string]any) error {
	if key == "" {
		return apperr.Validation("remoteId", "remote key is required")
	}
	return s.do(ctx, "replace", http.MethodPut, key, fields, nil)
}

func (s *HTTPStore) Get(ctx context.Context, key string) (map[string]any, error) {
	var raw any
	if err := s.do(ctx, "get", http.MethodGet, key, nil, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, apperr.NotFound("remote document", key)
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, apperr.Malformed(key, "", "document is not an object")
	}
	return fields, nil
}

// IsStatus reports whether err carries an HTTP status code equal to code.
func IsStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == code
}
