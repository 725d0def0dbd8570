package memory

import (
	"context"
)

// CollectionKey names a logical partition of the vector index.
type CollectionKey string

// The four partitions the memory system writes to. A collection is
// resolved against the backend at most once per process lifetime.
const (
	CollectionMessages    CollectionKey = "messages"
	CollectionSelfContext CollectionKey = "self_context"
	CollectionEntities    CollectionKey = "entities"
	CollectionArchives    CollectionKey = "archives"
)

// Consent controls whether a record may be disclosed to a requester
// other than its subject.
type Consent string

const (
	ConsentPrivate   Consent = "private"
	ConsentRequired  Consent = "consent_required"
	ConsentShareable Consent = "shareable"
	ConsentUnknown   Consent = "unknown"
)

const (
	// MaxDocumentLength caps stored document text. Longer documents are
	// truncated deterministically, never rejected.
	MaxDocumentLength = 6000

	// DefaultBatchSize bounds one upsert request.
	DefaultBatchSize = 8

	// SchemaVersion is stamped onto every record's metadata.
	SchemaVersion = "v1"
)

// Record is one content-addressed entry headed for the index: parallel
// id/document/metadata/embedding on the wire.
type Record struct {
	ID        string
	Document  string
	Metadata  map[string]any
	Embedding []float32
}

// Result is one retrieved entry. Distance is the backend's similarity
// distance (ascending = more similar); zero when the backend supplied
// none, e.g. for exact-id lookups.
type Result struct {
	ID       string
	Document string
	Metadata map[string]any
	Distance float64
}

// Store is the vector index backend.
//
// Implementations fail soft on backend unavailability: they return
// empty results and nil errors rather than surfacing transport
// failures, so a degraded index degrades the conversation instead of
// breaking it. A nil error therefore does not certify durability.
type Store interface {
	// Upsert writes records to a collection. Re-submitting a record with
	// the same id replaces it, so content-addressed writes are idempotent.
	Upsert(ctx context.Context, collection CollectionKey, records []Record) error

	// Query runs a nearest-neighbor search. where is a metadata equality
	// filter; an empty filter matches the whole collection, so callers
	// must scope it whenever a scope is knowable.
	Query(ctx context.Context, collection CollectionKey, embedding []float32, limit int, where map[string]any) ([]Result, error)

	// Get fetches records by metadata filter without an embedding.
	Get(ctx context.Context, collection CollectionKey, where map[string]any, limit, offset int) ([]Result, error)

	// Delete removes every record matching the filter. Deleting with an
	// empty filter is a no-op, never a wipe.
	Delete(ctx context.Context, collection CollectionKey, where map[string]any) error

	// Count reports the number of records in a collection.
	Count(ctx context.Context, collection CollectionKey) (int, error)

	// Close releases resources.
	Close() error
}

// Warmer is an optional Store capability: resolve collections up front
// instead of lazily on first use.
type Warmer interface {
	Warm(ctx context.Context, collections ...CollectionKey) error
}

// Embedder converts text to a fixed-dimensionality vector.
// Implementations: mock (tests), onnx (local model), openai
// (API-based).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Metadata keys shared across collections. Values are scalars on the
// wire; list-valued fields (tags, roles, aliases) are JSON-encoded
// strings.
const (
	MetaHistoryID       = "history_id"
	MetaGuildID         = "guild_id"
	MetaChannelID       = "channel_id"
	MetaUserID          = "user_id"
	MetaUsername        = "username"
	MetaRole            = "role"
	MetaConsent         = "consent"
	MetaTags            = "tags"
	MetaCreatedAt       = "created_at"
	MetaPersona         = "persona"
	MetaVersion         = "version"
	MetaEntityID        = "entity_id"
	MetaName            = "name"
	MetaLastMentionedAt = "last_mentioned_at"
)
