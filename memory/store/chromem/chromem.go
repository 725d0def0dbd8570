// Package chromem provides an embedded, process-local vector store
// backend. It is the zero-infrastructure alternative to the remote
// index: same interface, no server, optional on-disk persistence.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/fibzlabs/fibz-memory/memory"
)

// Store implements memory.Store on top of chromem-go. Similarity search
// is delegated to chromem; a side index keeps the original metadata
// values so filtered reads round-trip without the string coercion the
// underlying library applies.
type Store struct {
	db     *chromemgo.DB
	prefix string

	mu      sync.RWMutex
	records map[memory.CollectionKey]map[string]memory.Record
}

// Options configures the embedded store.
type Options struct {
	// Path enables on-disk persistence. Empty keeps everything in memory.
	Path string

	// CollectionPrefix namespaces collection names. Defaults to "fibz".
	CollectionPrefix string
}

// New creates an embedded store.
func New(opts Options) (*Store, error) {
	if opts.CollectionPrefix == "" {
		opts.CollectionPrefix = "fibz"
	}
	var db *chromemgo.DB
	var err error
	if opts.Path != "" {
		db, err = chromemgo.NewPersistentDB(opts.Path, false)
		if err != nil {
			return nil, fmt.Errorf("chromem: open %s: %w", opts.Path, err)
		}
	} else {
		db = chromemgo.NewDB()
	}
	return &Store{
		db:      db,
		prefix:  opts.CollectionPrefix,
		records: make(map[memory.CollectionKey]map[string]memory.Record),
	}, nil
}

// noEmbed rejects library-side embedding. Every record carries its
// vector already.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem: embeddings must be provided by the caller")
}

func (s *Store) collection(key memory.CollectionKey) (*chromemgo.Collection, error) {
	return s.db.GetOrCreateCollection(s.prefix+"_"+string(key), nil, noEmbed)
}

// Upsert implements memory.Store. chromem has no native replace, so
// existing ids are deleted before the add.
func (s *Store) Upsert(ctx context.Context, collection memory.CollectionKey, records []memory.Record) error {
	if len(records) == 0 {
		return nil
	}
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(records))
	docs := make([]chromemgo.Document, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("chromem: record %s has no embedding", r.ID)
		}
		ids = append(ids, r.ID)
		docs = append(docs, chromemgo.Document{
			ID:        r.ID,
			Content:   r.Document,
			Embedding: r.Embedding,
			Metadata:  stringifyMetadata(r.Metadata),
		})
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return err
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return err
	}

	s.mu.Lock()
	byID := s.records[collection]
	if byID == nil {
		byID = make(map[string]memory.Record)
		s.records[collection] = byID
	}
	for _, r := range records {
		byID[r.ID] = r
	}
	s.mu.Unlock()
	return nil
}

// Query implements memory.Store.
func (s *Store) Query(ctx context.Context, collection memory.CollectionKey, embedding []float32, limit int, where map[string]any) ([]memory.Result, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults beyond what the collection can return, so
	// clamp against the records the filter can actually match.
	s.mu.RLock()
	matching := 0
	for _, r := range s.records[collection] {
		if matchesWhere(r.Metadata, where) {
			matching++
		}
	}
	s.mu.RUnlock()
	if limit > matching {
		limit = matching
	}
	results := make([]memory.Result, 0, limit)
	if limit <= 0 {
		return results, nil
	}

	hits, err := col.QueryEmbedding(ctx, embedding, limit, stringifyMetadata(where), nil)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	byID := s.records[collection]
	for _, h := range hits {
		r := memory.Result{
			ID:       h.ID,
			Document: h.Content,
			Distance: 1 - float64(h.Similarity),
		}
		if stored, ok := byID[h.ID]; ok {
			r.Metadata = stored.Metadata
		}
		results = append(results, r)
	}
	s.mu.RUnlock()
	return results, nil
}

// Get implements memory.Store by scanning the side index, which keeps
// the original metadata types intact.
func (s *Store) Get(ctx context.Context, collection memory.CollectionKey, where map[string]any, limit, offset int) ([]memory.Result, error) {
	s.mu.RLock()
	byID := s.records[collection]
	matched := make([]memory.Result, 0, len(byID))
	for _, r := range byID {
		if !matchesWhere(r.Metadata, where) {
			continue
		}
		matched = append(matched, memory.Result{ID: r.ID, Document: r.Document, Metadata: r.Metadata})
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if offset > 0 {
		if offset >= len(matched) {
			return []memory.Result{}, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Delete implements memory.Store. An empty filter is a no-op.
func (s *Store) Delete(ctx context.Context, collection memory.CollectionKey, where map[string]any) error {
	if len(where) == 0 {
		return nil
	}
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	s.mu.Lock()
	byID := s.records[collection]
	doomed := make([]string, 0)
	for id, r := range byID {
		if matchesWhere(r.Metadata, where) {
			doomed = append(doomed, id)
			delete(byID, id)
		}
	}
	s.mu.Unlock()

	if len(doomed) == 0 {
		return nil
	}
	return col.Delete(ctx, nil, nil, doomed...)
}

// Count implements memory.Store.
func (s *Store) Count(ctx context.Context, collection memory.CollectionKey) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[collection]), nil
}

// Close implements memory.Store.
func (s *Store) Close() error { return nil }

func matchesWhere(metadata, where map[string]any) bool {
	for k, want := range where {
		got, ok := metadata[k]
		if !ok || stringify(got) != stringify(want) {
			return false
		}
	}
	return true
}

func stringifyMetadata(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

var _ memory.Store = (*Store)(nil)
