package chroma

import (
	"context"
	"net/http"

	"github.com/fibzlabs/fibz-memory/memory"
)

// Upsert implements memory.Store. An unreachable index is logged once
// by the request layer and absorbed here; dropping a write is the
// documented behavior when the circuit is open.
func (s *Store) Upsert(ctx context.Context, collection memory.CollectionKey, records []memory.Record) error {
	if len(records) == 0 {
		return nil
	}
	id := s.ensureCollection(ctx, collection)
	if id == "" {
		return nil
	}

	ids := make([]string, 0, len(records))
	documents := make([]string, 0, len(records))
	metadatas := make([]map[string]any, 0, len(records))
	embeddings := make([][]float32, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
		documents = append(documents, r.Document)
		metadatas = append(metadatas, r.Metadata)
		embeddings = append(embeddings, r.Embedding)
	}

	body := map[string]any{
		"ids":        ids,
		"documents":  documents,
		"metadatas":  metadatas,
		"embeddings": embeddings,
	}
	s.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/upsert", body, nil)
	return nil
}

type queryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

// Query implements memory.Store. A nil result slice means the index was
// unreachable; a non-nil empty slice means the search genuinely matched
// nothing.
func (s *Store) Query(ctx context.Context, collection memory.CollectionKey, embedding []float32, limit int, where map[string]any) ([]memory.Result, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	id := s.ensureCollection(ctx, collection)
	if id == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}

	body := map[string]any{
		"query_embeddings": [][]float32{embedding},
		"n_results":        limit,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	if len(where) > 0 {
		body["where"] = where
	}

	var out queryResponse
	notFound, err := s.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/query", body, &out)
	if err != nil {
		return nil, nil
	}
	results := make([]memory.Result, 0)
	if notFound || len(out.IDs) == 0 {
		return results, nil
	}
	for i, rid := range out.IDs[0] {
		r := memory.Result{ID: rid}
		if len(out.Documents) > 0 && i < len(out.Documents[0]) {
			r.Document = out.Documents[0][i]
		}
		if len(out.Metadatas) > 0 && i < len(out.Metadatas[0]) {
			r.Metadata = out.Metadatas[0][i]
		}
		if len(out.Distances) > 0 && i < len(out.Distances[0]) {
			r.Distance = out.Distances[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

type getResponse struct {
	IDs       []string         `json:"ids"`
	Documents []string         `json:"documents"`
	Metadatas []map[string]any `json:"metadatas"`
}

// Get implements memory.Store with the same nil-vs-empty convention as
// Query.
func (s *Store) Get(ctx context.Context, collection memory.CollectionKey, where map[string]any, limit, offset int) ([]memory.Result, error) {
	id := s.ensureCollection(ctx, collection)
	if id == "" {
		return nil, nil
	}

	body := map[string]any{
		"include": []string{"documents", "metadatas"},
	}
	if len(where) > 0 {
		body["where"] = where
	}
	if limit > 0 {
		body["limit"] = limit
	}
	if offset > 0 {
		body["offset"] = offset
	}

	var out getResponse
	notFound, err := s.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/get", body, &out)
	if err != nil {
		return nil, nil
	}
	results := make([]memory.Result, 0, len(out.IDs))
	if notFound {
		return results, nil
	}
	for i, rid := range out.IDs {
		r := memory.Result{ID: rid}
		if i < len(out.Documents) {
			r.Document = out.Documents[i]
		}
		if i < len(out.Metadatas) {
			r.Metadata = out.Metadatas[i]
		}
		results = append(results, r)
	}
	return results, nil
}

// Delete implements memory.Store. An empty filter is refused so a
// caller bug cannot wipe a collection.
func (s *Store) Delete(ctx context.Context, collection memory.CollectionKey, where map[string]any) error {
	if len(where) == 0 {
		return nil
	}
	id := s.ensureCollection(ctx, collection)
	if id == "" {
		return nil
	}
	body := map[string]any{"where": where}
	s.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/delete", body, nil)
	return nil
}

// Count implements memory.Store. Unlike the data-path methods it
// surfaces ErrUnavailable, because its main caller uses the count as a
// guard and must be able to tell "empty" apart from "unknown".
func (s *Store) Count(ctx context.Context, collection memory.CollectionKey) (int, error) {
	id := s.ensureCollection(ctx, collection)
	if id == "" {
		return 0, ErrUnavailable
	}
	var raw int
	notFound, err := s.do(ctx, http.MethodGet, "/api/v1/collections/"+id+"/count", nil, &raw)
	if err != nil {
		return 0, err
	}
	if notFound {
		return 0, nil
	}
	return raw, nil
}

var _ memory.Store = (*Store)(nil)
var _ memory.Warmer = (*Store)(nil)
