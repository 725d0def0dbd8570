package memory

import (
	"context"
)

// Snippet is one first-person fact the assistant knows about itself.
type Snippet struct {
	ID       string
	Document string
	Metadata map[string]any
}

// SnippetMeta carries the optional fields of a self-context write.
type SnippetMeta struct {
	Title   string
	Consent Consent
	Tags    []string
}

// StoreSelfContextSnippet upserts a self-context fact under a stable
// per-key id, then refreshes the in-process cache so reads see the
// write without touching the network.
func (s *Service) StoreSelfContextSnippet(ctx context.Context, key, content string, meta SnippetMeta) error {
	if key == "" || content == "" {
		// A key-less write would collapse every snippet onto one id.
		return nil
	}
	consent := meta.Consent
	if consent == "" {
		consent = ConsentShareable
	}
	title := meta.Title
	if title == "" {
		title = "Insight"
	}
	err := s.upsertBatches(ctx, CollectionSelfContext, []item{{
		id:       DeterministicID("self", key),
		document: content,
		metadata: s.baseMetadata(map[string]any{
			"key":       key,
			"title":     title,
			MetaConsent: string(consent),
			MetaTags:    encodeList(append([]string{"self"}, meta.Tags...)),
		}),
	}}, 1)
	s.RefreshSelfContext(ctx)
	return err
}

// RefreshSelfContext re-reads one page of the self-context collection
// and replaces the cache wholesale. The cache is read-through, never
// read-modify-write: a failed refresh leaves the previous snapshot in
// place.
func (s *Service) RefreshSelfContext(ctx context.Context) {
	results, err := s.store.Get(ctx, CollectionSelfContext, nil, selfContextPageSize, 0)
	if err != nil {
		s.log.Warnw("self-context refresh failed", "error", err)
		return
	}
	if results == nil {
		return
	}
	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		if r.Document == "" {
			continue
		}
		snippets = append(snippets, Snippet{ID: r.ID, Document: r.Document, Metadata: r.Metadata})
	}
	s.selfMu.Lock()
	s.selfContext = snippets
	s.selfMu.Unlock()
}

// SelfContextSnippets returns up to limit cached snippets. It never
// performs I/O.
func (s *Service) SelfContextSnippets(limit int) []Snippet {
	if limit <= 0 {
		limit = 3
	}
	s.selfMu.RLock()
	defer s.selfMu.RUnlock()
	if len(s.selfContext) == 0 {
		return nil
	}
	if limit > len(s.selfContext) {
		limit = len(s.selfContext)
	}
	out := make([]Snippet, limit)
	copy(out, s.selfContext[:limit])
	return out
}
