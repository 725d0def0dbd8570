package chroma

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fibzlabs/fibz-memory/memory"
)

type collectionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// collectionName maps a logical key to its remote name, e.g.
// "fibz_messages".
func (s *Store) collectionName(key memory.CollectionKey) string {
	return s.cfg.CollectionPrefix + "_" + string(key)
}

// ensureCollection resolves the remote id for a logical collection,
// listing first and creating only on a miss so repeated calls converge
// on the same remote collection. An empty return means the index is
// unreachable; callers treat it as the short-circuit path.
func (s *Store) ensureCollection(ctx context.Context, key memory.CollectionKey) string {
	s.mu.Lock()
	if id, ok := s.collections[string(key)]; ok {
		s.mu.Unlock()
		return id
	}
	s.mu.Unlock()

	name := s.collectionName(key)
	existing, err := s.listCollections(ctx)
	if err != nil {
		return ""
	}
	for _, c := range existing {
		if c.Name == name {
			s.cacheCollection(key, c.ID)
			return c.ID
		}
	}

	created, err := s.createCollection(ctx, name, map[string]any{"collection_key": string(key)})
	if err != nil || created == "" {
		return ""
	}
	s.cacheCollection(key, created)
	return created
}

func (s *Store) cacheCollection(key memory.CollectionKey, id string) {
	s.mu.Lock()
	s.collections[string(key)] = id
	s.mu.Unlock()
}

// listCollections is where the protocol switch happens: a 410 from the
// legacy path flips the client to tenant-scoped paths and the listing
// is retried once against the new shape.
func (s *Store) listCollections(ctx context.Context) ([]collectionInfo, error) {
	var raw json.RawMessage
	notFound, err := s.do(ctx, http.MethodGet, s.collectionsPath(), nil, &raw)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusGone {
			s.switchToTenantScoped()
			notFound, err = s.do(ctx, http.MethodGet, s.collectionsPath(), nil, &raw)
		}
	}
	if err != nil {
		return nil, err
	}
	if notFound || len(raw) == 0 {
		return nil, nil
	}
	return decodeCollections(raw)
}

// decodeCollections accepts both response shapes Chroma has shipped: a
// bare array and an object wrapping a "collections" array.
func decodeCollections(raw json.RawMessage) ([]collectionInfo, error) {
	var flat []collectionInfo
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var wrapped struct {
		Collections []collectionInfo `json:"collections"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Collections, nil
}

func (s *Store) createCollection(ctx context.Context, name string, metadata map[string]any) (string, error) {
	body := map[string]any{
		"name":          name,
		"get_or_create": true,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var out collectionInfo
	if _, err := s.do(ctx, http.MethodPost, s.collectionsPath(), body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Warm implements memory.Warmer by resolving every named collection up
// front. It returns ErrUnavailable if none could be resolved.
func (s *Store) Warm(ctx context.Context, collections ...memory.CollectionKey) error {
	resolved := 0
	for _, key := range collections {
		if s.ensureCollection(ctx, key) != "" {
			resolved++
		}
	}
	if resolved == 0 && len(collections) > 0 {
		return ErrUnavailable
	}
	return nil
}
