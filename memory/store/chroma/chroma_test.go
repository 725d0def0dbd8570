package chroma_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibzlabs/fibz-memory/memory"
	"github.com/fibzlabs/fibz-memory/memory/store/chroma"
	"github.com/fibzlabs/fibz-memory/retry"
)

var fastRetry = retry.Options{
	MaxAttempts: 2,
	BaseDelay:   time.Millisecond,
	MaxDelay:    2 * time.Millisecond,
}

// fakeChroma is a minimal in-process Chroma good enough to exercise the
// wire protocol.
type fakeChroma struct {
	legacyGone  bool
	collections []map[string]any
	tenants     []string
	databases   []string
	upserts     atomic.Int64
	counts      map[string]int
}

func newFakeChroma() *fakeChroma {
	return &fakeChroma{counts: map[string]int{}}
}

func (f *fakeChroma) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/collections", func(w http.ResponseWriter, r *http.Request) {
		if f.legacyGone {
			w.WriteHeader(http.StatusGone)
			return
		}
		f.handleCollections(w, r)
	})
	mux.HandleFunc("/api/v1/tenants/", func(w http.ResponseWriter, r *http.Request) {
		f.tenants = append(f.tenants, r.Header.Get("X-Chroma-Tenant"))
		f.databases = append(f.databases, r.Header.Get("X-Chroma-Database"))
		f.handleCollections(w, r)
	})
	mux.HandleFunc("/api/v1/collections/", func(w http.ResponseWriter, r *http.Request) {
		f.handleCollectionOp(w, r)
	})
	return mux
}

func (f *fakeChroma) handleCollections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(f.collections)
	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		col := map[string]any{"id": "id-" + body.Name, "name": body.Name}
		f.collections = append(f.collections, col)
		json.NewEncoder(w).Encode(col)
	}
}

func (f *fakeChroma) handleCollectionOp(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case pathSuffix(path) == "upsert":
		f.upserts.Add(1)
		var body struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.counts[collectionID(path)] += len(body.IDs)
		w.Write([]byte("null"))
	case pathSuffix(path) == "count":
		json.NewEncoder(w).Encode(f.counts[collectionID(path)])
	case pathSuffix(path) == "query":
		json.NewEncoder(w).Encode(map[string]any{
			"ids":       [][]string{{"r1"}},
			"documents": [][]string{{"hello"}},
			"metadatas": [][]map[string]any{{{"user_id": "u1"}}},
			"distances": [][]float64{{0.25}},
		})
	case pathSuffix(path) == "get":
		json.NewEncoder(w).Encode(map[string]any{
			"ids":       []string{"r1", "r2"},
			"documents": []string{"alpha", "beta"},
			"metadatas": []map[string]any{{"k": "a"}, {"k": "b"}},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func pathSuffix(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

// collectionID extracts {id} from /api/v1/collections/{id}/{op}.
func collectionID(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	if len(segs) < 2 {
		return ""
	}
	return segs[len(segs)-2]
}

func newStore(t *testing.T, url string) *chroma.Store {
	t.Helper()
	return chroma.New(nil, chroma.Config{URL: url, Retry: fastRetry})
}

func TestUpsertCreatesCollectionOnce(t *testing.T) {
	fake := newFakeChroma()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := newStore(t, srv.URL)
	ctx := context.Background()

	records := []memory.Record{{ID: "a", Document: "doc", Embedding: []float32{1, 0}}}
	require.NoError(t, s.Upsert(ctx, memory.CollectionMessages, records))
	require.NoError(t, s.Upsert(ctx, memory.CollectionMessages, records))

	assert.Equal(t, int64(2), fake.upserts.Load())
	assert.Len(t, fake.collections, 1, "collection must be created once and cached")
	assert.Equal(t, "fibz_messages", fake.collections[0]["name"])
}

func TestGoneSwitchesToTenantScopedPaths(t *testing.T) {
	fake := newFakeChroma()
	fake.legacyGone = true
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := newStore(t, srv.URL)
	ctx := context.Background()

	err := s.Upsert(ctx, memory.CollectionMessages, []memory.Record{
		{ID: "a", Document: "doc", Embedding: []float32{1}},
	})
	require.NoError(t, err)

	require.NotEmpty(t, fake.tenants, "tenant-scoped listing expected after 410")
	assert.Equal(t, "default_tenant", fake.tenants[0])
	assert.Equal(t, "default_database", fake.databases[0])
	assert.True(t, s.Available(), "410 must not trip the circuit")
	assert.Equal(t, int64(1), fake.upserts.Load())
}

func TestQueryParsesNestedArrays(t *testing.T) {
	fake := newFakeChroma()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := newStore(t, srv.URL)
	results, err := s.Query(context.Background(), memory.CollectionMessages, []float32{1, 0}, 5, map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].ID)
	assert.Equal(t, "hello", results[0].Document)
	assert.Equal(t, 0.25, results[0].Distance)
	assert.Equal(t, "u1", results[0].Metadata["user_id"])
}

func TestGetParsesFlatArrays(t *testing.T) {
	fake := newFakeChroma()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := newStore(t, srv.URL)
	results, err := s.Get(context.Background(), memory.CollectionSelfContext, nil, 100, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Document)
	assert.Equal(t, "b", results[1].Metadata["k"])
}

func TestCount(t *testing.T) {
	fake := newFakeChroma()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := newStore(t, srv.URL)
	ctx := context.Background()

	n, err := s.Count(ctx, memory.CollectionMessages)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.Upsert(ctx, memory.CollectionMessages, []memory.Record{
		{ID: "a", Document: "x", Embedding: []float32{1}},
		{ID: "b", Document: "y", Embedding: []float32{1}},
	}))

	n, err = s.Count(ctx, memory.CollectionMessages)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCircuitTripsOnServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newStore(t, srv.URL)
	ctx := context.Background()

	results, err := s.Query(ctx, memory.CollectionMessages, []float32{1}, 5, nil)
	assert.NoError(t, err, "query results degrade to empty, never to an error")
	assert.Nil(t, results)
	assert.False(t, s.Available())

	before := calls.Load()
	_, err = s.Get(ctx, memory.CollectionMessages, nil, 10, 0)
	assert.NoError(t, err)
	assert.Equal(t, before, calls.Load(), "open circuit must short-circuit without I/O")
}

func TestCircuitTripsOnConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := newStore(t, url)
	results, err := s.Query(context.Background(), memory.CollectionMessages, []float32{1}, 5, nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
	assert.False(t, s.Available())
}

func TestNotFoundDoesNotTripCircuit(t *testing.T) {
	fake := newFakeChroma()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := newStore(t, srv.URL)
	// The fake has no handler for delete, so it answers 404.
	err := s.Delete(context.Background(), memory.CollectionMessages, map[string]any{"user_id": "u1"})
	assert.NoError(t, err)
	assert.True(t, s.Available())
}

func TestReprobeAfterAllowsRecovery(t *testing.T) {
	fake := newFakeChroma()
	healthy := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fake.handler().ServeHTTP(w, r)
	}))
	defer srv.Close()

	s := chroma.New(nil, chroma.Config{URL: srv.URL, Retry: fastRetry},
		chroma.WithReprobeAfter(5*time.Millisecond))
	ctx := context.Background()

	s.Query(ctx, memory.CollectionMessages, []float32{1}, 5, nil)
	require.False(t, s.Available())

	healthy.Store(true)
	time.Sleep(10 * time.Millisecond)
	results, err := s.Query(ctx, memory.CollectionMessages, []float32{1}, 5, nil)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.True(t, s.Available())
}

func TestWarmResolvesCollections(t *testing.T) {
	fake := newFakeChroma()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	s := newStore(t, srv.URL)
	err := s.Warm(context.Background(), memory.CollectionMessages, memory.CollectionSelfContext)
	require.NoError(t, err)
	assert.Len(t, fake.collections, 2)
}
