package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/civtrack/internal/apperr"
)

// fakeRTDB mimics the REST surface of a realtime database collection.
type fakeRTDB struct {
	mu       sync.Mutex
	docs     map[string]map[string]any
	failures atomic.Int32
	lastAuth string
}

func (f *fakeRTDB) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAuth = r.URL.Query().Get("auth")

	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/signalements_mobile"), ".json")
	key := strings.TrimPrefix(path, "/")

	switch {
	case r.Method == http.MethodGet && key == "":
		if len(f.docs) == 0 {
			_, _ = w.Write([]byte("null"))
			return
		}
		_ = json.NewEncoder(w).Encode(f.docs)
	case r.Method == http.MethodGet:
		doc, ok := f.docs[key]
		if !ok {
			_, _ = w.Write([]byte("null"))
			return
		}
		_ = json.NewEncoder(w).Encode(doc)
	case r.Method == http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		doc, ok := f.docs[key]
		if !ok {
			doc = map[string]any{}
			f.docs[key] = doc
		}
		for k, v := range patch {
			doc[k] = v
		}
		_ = json.NewEncoder(w).Encode(patch)
	case r.Method == http.MethodPut:
		var doc map[string]any
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.docs[key] = doc
		_ = json.NewEncoder(w).Encode(doc)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func newFakeStore(t *testing.T, retry time.Duration) (*HTTPStore, *fakeRTDB) {
	t.Helper()
	fake := &fakeRTDB{docs: map[string]map[string]any{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewHTTPStore(HTTPConfig{
		BaseURL:         srv.URL,
		Collection:      "signalements_mobile",
		AuthToken:       "secret",
		Timeout:         2 * time.Second,
		RetryMaxElapsed: retry,
	})
	require.NoError(t, err)
	return s, fake
}

func TestHTTPStore_ListAllEmpty(t *testing.T) {
	s, _ := newFakeStore(t, 0)
	docs, err := s.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestHTTPStore_ListSkipsReservedKeys(t *testing.T) {
	s, fake := newFakeStore(t, 0)
	fake.docs["-Nb"] = map[string]any{"latitude": 1.5}
	fake.docs["-Na"] = map[string]any{"latitude": 2.5}
	fake.docs["_metadata"] = map[string]any{"source": "manager-web"}

	docs, err := s.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "-Na", docs[0].Key)
	assert.Equal(t, json.Number("2.5"), docs[0].Fields["latitude"])
	assert.Equal(t, "secret", fake.lastAuth)
}

func TestHTTPStore_UpsertMerges(t *testing.T) {
	s, fake := newFakeStore(t, 0)
	fake.docs["-Nx"] = map[string]any{"description": "mobile", "status": "nouveau"}

	key, err := s.Upsert(context.Background(), "-Nx", map[string]any{"status": "en_cours"})
	require.NoError(t, err)
	assert.Equal(t, "-Nx", key)

	doc, err := s.Get(context.Background(), "-Nx")
	require.NoError(t, err)
	assert.Equal(t, "mobile", doc["description"])
	assert.Equal(t, "en_cours", doc["status"])
}

func TestHTTPStore_ReplaceDropsMissingKeys(t *testing.T) {
	s, fake := newFakeStore(t, 0)
	fake.docs["-Nx"] = map[string]any{"description": "mobile", "budget": 1000}

	require.NoError(t, s.Replace(context.Background(), "-Nx", map[string]any{"description": "mobile", "status": "rejete"}))

	doc, err := s.Get(context.Background(), "-Nx")
	require.NoError(t, err)
	assert.Equal(t, "rejete", doc["status"])
	assert.Equal(t, "mobile", doc["description"])
	assert.NotContains(t, doc, "budget")

	assert.Error(t, s.Replace(context.Background(), "", map[string]any{}))
}

func TestHTTPStore_GetMissing(t *testing.T) {
	s, _ := newFakeStore(t, 0)
	_, err := s.Get(context.Background(), "-Nmissing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestHTTPStore_RetriesServerErrors(t *testing.T) {
	s, fake := newFakeStore(t, 5*time.Second)
	fake.failures.Store(2)

	_, err := s.Upsert(context.Background(), "-Nr", map[string]any{"status": "termine"})
	require.NoError(t, err)
	assert.Contains(t, fake.docs, "-Nr")
}

func TestHTTPStore_UnavailableWithoutRetry(t *testing.T) {
	s, fake := newFakeStore(t, 0)
	fake.failures.Store(1)

	_, err := s.ListAll(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRemoteUnavailable))
	assert.True(t, apperr.IsRetryable(err))
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
}

func TestHTTPStore_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"Permission denied"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	s, err := NewHTTPStore(HTTPConfig{BaseURL: srv.URL, Collection: "c", RetryMaxElapsed: 5 * time.Second})
	require.NoError(t, err)

	_, err = s.ListAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestHTTPStore_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	s, err := NewHTTPStore(HTTPConfig{BaseURL: srv.URL, Collection: "c", Timeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Upsert(ctx, "-Nslow", map[string]any{"a": 1})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRemoteUnavailable))
}

func TestNewHTTPStore_Validation(t *testing.T) {
	_, err := NewHTTPStore(HTTPConfig{Collection: "c"})
	assert.Error(t, err)
	_, err = NewHTTPStore(HTTPConfig{BaseURL: "https://x.firebaseio.com"})
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Put("-N1", map[string]any{"latitude": 1.0, "description": "mobile"})
	m.Put(MetadataKey, map[string]any{"source": "manager-web"})

	docs, err := m.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	_, err = m.Upsert(ctx, "-N1", map[string]any{"status": "en_cours"})
	require.NoError(t, err)
	doc, err := m.Get(ctx, "-N1")
	require.NoError(t, err)
	assert.Equal(t, "mobile", doc["description"])
	assert.Equal(t, "en_cours", doc["status"])
	assert.Equal(t, 1, m.Upserts())

	m.FailUpsert = func(string) error { return errors.New("offline") }
	_, err = m.Upsert(ctx, "-N1", map[string]any{})
	assert.True(t, apperr.Is(err, apperr.KindRemoteUnavailable))

	m.FailUpsert = nil
	require.NoError(t, m.Replace(ctx, "-N1", map[string]any{"status": "rejete"}))
	doc, err = m.Get(ctx, "-N1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "rejete"}, doc)
	assert.Equal(t, 2, m.Upserts())

	_, err = m.Get(ctx, "-N404")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestPhotoResolver_DataURI(t *testing.T) {
	r := NewPhotoResolver(time.Second)
	payload := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))

	data, ct, err := r.Resolve(context.Background(), "data:image/jpeg;base64,"+payload)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
	assert.Equal(t, "image/jpeg", ct)

	_, _, err = r.Resolve(context.Background(), "data:image/jpeg;base64,!!!")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, _, err = r.Resolve(context.Background(), "ftp://host/file")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestPhotoResolver_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "png-bytes")
	}))
	t.Cleanup(srv.Close)

	r := NewPhotoResolver(time.Second)
	data, ct, err := r.Resolve(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "image/png", ct)

	_, _, err = r.Resolve(context.Background(), srv.URL+"/missing.jpg")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
