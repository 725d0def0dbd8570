package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

const (
	turnBatchSize       = 2
	entityCacheTTL      = 5 * time.Minute
	defaultQueryLimit   = 5
	selfContextPageSize = 100
)

// Identity names the assistant whose turns are being recorded.
type Identity struct {
	UserID   string
	Username string
}

// Service is the memory subsystem's front door. It owns the embedding
// adapter, the self-context cache, and the rules for how turns,
// insights, and self-facts become index records.
//
// Construct one Service at startup and share it; all methods are safe
// for concurrent use.
type Service struct {
	store    Store
	embedder Embedder
	log      *zap.SugaredLogger
	identity Identity

	entityCache *ristretto.Cache

	selfMu      sync.RWMutex
	selfContext []Snippet

	loggedEmbedFailure atomic.Bool
	loggedDropped      atomic.Bool
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger. Default: zap.NewNop.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Service) { s.log = log }
}

// WithIdentity overrides the assistant identity stamped on
// assistant-role records.
func WithIdentity(id Identity) Option {
	return func(s *Service) { s.identity = id }
}

// NewService creates a Service over the given store and embedder.
func NewService(store Store, embedder Embedder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		embedder: embedder,
		log:      zap.NewNop().Sugar(),
		identity: Identity{UserID: "fibz", Username: "Fibz"},
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err == nil {
		s.entityCache = cache
	}
	s.log = s.log.With("service", "memory")
	return s
}

// Initialize resolves the collections up front (when the store supports
// it) and primes the self-context cache. Failures degrade soft: an
// unavailable index leaves the service usable with empty results.
func (s *Service) Initialize(ctx context.Context) {
	if w, ok := s.store.(Warmer); ok {
		if err := w.Warm(ctx, CollectionSelfContext, CollectionMessages, CollectionEntities, CollectionArchives); err != nil {
			s.log.Warnw("collection warm-up failed", "error", err)
		}
	}
	s.RefreshSelfContext(ctx)
}

// Turn is one completed user/assistant exchange.
type Turn struct {
	HistoryID          string
	GuildID            string // empty for DMs
	ChannelID          string
	UserID             string
	Username           string
	DisplayName        string
	GlobalName         string
	Roles              []string
	UserMessageID      string
	AssistantMessageID string
	UserContent        string
	AssistantContent   string
	Persona            string
	LatencyMS          int64
	TokenCounts        *TokenCounts
	Consent            Consent // empty = derive from scope
	Tags               []string
}

// TokenCounts carries per-side token usage for a turn. When absent, the
// service records a length-based estimate instead.
type TokenCounts struct {
	User      int `json:"user"`
	Assistant int `json:"assistant"`
}

// StoreMessageTurn writes the user turn and its paired assistant turn
// as content-addressed records, user first. Consent defaults to private
// for DM-originated turns and shareable for guild-originated ones.
func (s *Service) StoreMessageTurn(ctx context.Context, turn Turn) error {
	guildKey := turn.GuildID
	if guildKey == "" {
		guildKey = "dm"
	}
	channelKey := turn.ChannelID
	if channelKey == "" {
		channelKey = turn.UserID
	}

	userConsent := turn.Consent
	if userConsent == "" {
		if turn.GuildID != "" {
			userConsent = ConsentShareable
		} else {
			userConsent = ConsentPrivate
		}
	}

	counts := turn.TokenCounts
	if counts == nil {
		counts = &TokenCounts{
			User:      estimateTokens(turn.UserContent),
			Assistant: estimateTokens(turn.AssistantContent),
		}
	}

	persona := turn.Persona
	if persona == "" {
		persona = "default"
	}

	var items []item
	if trimmed := strings.TrimSpace(turn.UserContent); trimmed != "" {
		items = append(items, item{
			id:       DeterministicID("message", guildKey, channelKey, messageSeq(turn.UserMessageID), "user"),
			document: turn.UserContent,
			metadata: s.baseMetadata(map[string]any{
				MetaHistoryID:  turn.HistoryID,
				MetaGuildID:    nullable(turn.GuildID),
				MetaChannelID:  nullable(turn.ChannelID),
				MetaUserID:     turn.UserID,
				MetaUsername:   turn.Username,
				"display_name": nullable(turn.DisplayName),
				"global_name":  nullable(turn.GlobalName),
				"roles":        encodeList(turn.Roles),
				MetaRole:       "user",
				MetaPersona:    persona,
				"message_id":   nullable(turn.UserMessageID),
				MetaConsent:    string(userConsent),
				MetaTags:       encodeList(append([]string{"user"}, turn.Tags...)),
				"latency":      turn.LatencyMS,
				"token_counts": counts.User,
			}),
		})
	}
	if trimmed := strings.TrimSpace(turn.AssistantContent); trimmed != "" {
		items = append(items, item{
			id:       DeterministicID("message", guildKey, channelKey, messageSeq(turn.AssistantMessageID), "assistant"),
			document: turn.AssistantContent,
			metadata: s.baseMetadata(map[string]any{
				MetaHistoryID:  turn.HistoryID,
				MetaGuildID:    nullable(turn.GuildID),
				MetaChannelID:  nullable(turn.ChannelID),
				MetaUserID:     s.identity.UserID,
				MetaUsername:   s.identity.Username,
				"display_name": s.identity.Username,
				"roles":        encodeList([]string{"bot"}),
				MetaRole:       "assistant",
				MetaPersona:    persona,
				"message_id":   nullable(turn.AssistantMessageID),
				MetaConsent:    string(ConsentShareable),
				MetaTags:       encodeList(append([]string{"assistant"}, turn.Tags...)),
				"latency":      turn.LatencyMS,
				"token_counts": counts.Assistant,
			}),
		})
	}
	if len(items) == 0 {
		return nil
	}
	return s.upsertBatches(ctx, CollectionMessages, items, turnBatchSize)
}

// Scope restricts a retrieval or deletion to one conversation context.
type Scope struct {
	HistoryID string
	GuildID   string
	ChannelID string
	UserID    string
}

// RetrieveRelevantMemories embeds the query and returns the most
// similar stored turns within the scope, ranked by ascending distance.
// The scope filter is mandatory: with neither a guild nor a user the
// call returns nothing rather than searching across every user.
// Failures of any kind yield an empty slice.
func (s *Service) RetrieveRelevantMemories(ctx context.Context, query string, scope Scope, limit int) []Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	where := map[string]any{}
	if scope.GuildID != "" {
		where[MetaGuildID] = scope.GuildID
		if scope.ChannelID != "" {
			where[MetaChannelID] = scope.ChannelID
		}
	} else if scope.UserID != "" {
		where[MetaUserID] = scope.UserID
	} else {
		s.log.Warnw("memory retrieval refused: no scope", "query_len", len(query))
		return nil
	}
	embedding := s.embed(ctx, query)
	if embedding == nil {
		return nil
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	results, err := s.store.Query(ctx, CollectionMessages, embedding, limit, where)
	if err != nil {
		s.log.Warnw("memory query failed", "error", err)
		return nil
	}
	return dropEmptyDocuments(results)
}

// EntityInsight is a derived fact about a third party referenced in
// conversation.
type EntityInsight struct {
	EntityID        string
	Name            string
	Summary         string
	Attributes      map[string]any
	GuildID         string
	ChannelID       string
	Tags            []string
	Consent         Consent
	LastMentionedAt time.Time
	Aliases         []string
	SourceMessageID string
}

// StoreEntityInsight writes one entity fact, keyed by entity and guild
// so later insights about the same entity replace earlier ones.
// Insights without an entity id or summary are skipped.
func (s *Service) StoreEntityInsight(ctx context.Context, insight EntityInsight) error {
	if insight.EntityID == "" || insight.Summary == "" {
		return nil
	}
	guildKey := insight.GuildID
	if guildKey == "" {
		guildKey = "global"
	}
	consent := insight.Consent
	if consent == "" {
		consent = ConsentShareable
	}
	mentioned := insight.LastMentionedAt
	if mentioned.IsZero() {
		mentioned = time.Now().UTC()
	}
	name := insight.Name
	if name == "" {
		name = insight.EntityID
	}
	attrs, err := json.Marshal(insight.Attributes)
	if err != nil {
		attrs = []byte("{}")
	}
	metadata := s.baseMetadata(map[string]any{
		MetaEntityID:        insight.EntityID,
		MetaName:            name,
		MetaGuildID:         nullable(insight.GuildID),
		MetaChannelID:       nullable(insight.ChannelID),
		"attributes":        string(attrs),
		MetaConsent:         string(consent),
		MetaTags:            encodeList(append([]string{"entity"}, insight.Tags...)),
		MetaLastMentionedAt: mentioned.Format(time.RFC3339),
		"aliases":           encodeList(insight.Aliases),
		"source_message_id": nullable(insight.SourceMessageID),
	})
	err = s.upsertBatches(ctx, CollectionEntities, []item{{
		id:       DeterministicID("entity", insight.EntityID, guildKey),
		document: insight.Summary,
		metadata: metadata,
	}}, 1)
	if s.entityCache != nil {
		s.entityCache.Del(insight.EntityID)
	}
	return err
}

// RetrieveEntityInsights runs a semantic search over stored entity
// facts, optionally restricted to one guild. The caller applies the
// consent filter per record.
func (s *Service) RetrieveEntityInsights(ctx context.Context, query, guildID string, limit int) []Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	embedding := s.embed(ctx, query)
	if embedding == nil {
		return nil
	}
	where := map[string]any{}
	if guildID != "" {
		where[MetaGuildID] = guildID
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	results, err := s.store.Query(ctx, CollectionEntities, embedding, limit, where)
	if err != nil {
		s.log.Warnw("entity query failed", "error", err)
		return nil
	}
	return dropEmptyDocuments(results)
}

// GetEntitiesByIDs resolves entities by exact identifier, no embedding
// involved. Hits are served from the read cache; the cache stores raw
// records only, so consent is still evaluated per read by the caller.
func (s *Service) GetEntitiesByIDs(ctx context.Context, entityIDs []string) []Result {
	results := make([]Result, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		if entityID == "" {
			continue
		}
		if s.entityCache != nil {
			if v, ok := s.entityCache.Get(entityID); ok {
				if r, ok := v.(Result); ok {
					results = append(results, r)
					continue
				}
			}
		}
		found, err := s.store.Get(ctx, CollectionEntities, map[string]any{MetaEntityID: entityID}, 1, 0)
		if err != nil {
			s.log.Warnw("entity lookup failed", "entity_id", entityID, "error", err)
			continue
		}
		if len(found) == 0 || found[0].Document == "" {
			continue
		}
		if s.entityCache != nil {
			s.entityCache.SetWithTTL(entityID, found[0], 1, entityCacheTTL)
		}
		results = append(results, found[0])
	}
	return results
}

// DeleteUserMemories purges stored turns matching the scope. The purge
// is irreversible; an empty scope deletes nothing.
func (s *Service) DeleteUserMemories(ctx context.Context, scope Scope) error {
	where := map[string]any{}
	if scope.HistoryID != "" {
		where[MetaHistoryID] = scope.HistoryID
	}
	if scope.UserID != "" {
		where[MetaUserID] = scope.UserID
	}
	if scope.GuildID != "" {
		where[MetaGuildID] = scope.GuildID
	}
	if scope.ChannelID != "" {
		where[MetaChannelID] = scope.ChannelID
	}
	if len(where) == 0 {
		return nil
	}
	return s.store.Delete(ctx, CollectionMessages, where)
}

// DeleteServerMemories purges every turn and entity fact recorded for a
// guild.
func (s *Service) DeleteServerMemories(ctx context.Context, guildID string) error {
	if guildID == "" {
		return nil
	}
	where := map[string]any{MetaGuildID: guildID}
	if err := s.store.Delete(ctx, CollectionMessages, where); err != nil {
		return err
	}
	return s.store.Delete(ctx, CollectionEntities, where)
}

// item is a record before embedding.
type item struct {
	id       string
	document string
	metadata map[string]any
}

// upsertBatches embeds and submits items in fixed-size batches. Items
// whose embedding is unavailable are dropped from the batch; within one
// call items are submitted in the order given.
func (s *Service) upsertBatches(ctx context.Context, collection CollectionKey, items []item, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		records := make([]Record, 0, end-start)
		for _, it := range items[start:end] {
			document := SanitizeDocument(it.document)
			embedding := s.embed(ctx, document)
			if embedding == nil {
				if s.loggedDropped.CompareAndSwap(false, true) {
					s.log.Warnw("dropping item without embedding", "collection", collection)
				}
				continue
			}
			metadata := it.metadata
			if metadata == nil {
				metadata = map[string]any{}
			}
			records = append(records, Record{
				ID:        it.id,
				Document:  document,
				Metadata:  metadata,
				Embedding: embedding,
			})
		}
		if len(records) == 0 {
			continue
		}
		if err := s.store.Upsert(ctx, collection, records); err != nil {
			return err
		}
	}
	return nil
}

// embed adapts the Embedder to the subsystem's failure model: empty
// input or a provider failure yields nil, never an error. Retrying, if
// wanted, belongs to whatever wraps the provider call.
func (s *Service) embed(ctx context.Context, text string) []float32 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || s.embedder == nil {
		return nil
	}
	embedding, err := s.embedder.Embed(ctx, SanitizeDocument(trimmed))
	if err != nil {
		if s.loggedEmbedFailure.CompareAndSwap(false, true) {
			s.log.Warnw("embedding failed", "error", err)
		}
		return nil
	}
	if len(embedding) == 0 {
		return nil
	}
	return embedding
}

// baseMetadata applies the record defaults, then the overrides.
func (s *Service) baseMetadata(overrides map[string]any) map[string]any {
	metadata := map[string]any{
		MetaConsent: string(ConsentUnknown),
		"modality":  "text",
		MetaVersion: SchemaVersion,
		MetaTags:    encodeList(nil),
	}
	for k, v := range overrides {
		metadata[k] = v
	}
	if _, ok := metadata[MetaCreatedAt]; !ok {
		metadata[MetaCreatedAt] = time.Now().UTC().Format(time.RFC3339)
	}
	return metadata
}

func dropEmptyDocuments(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Document != "" {
			out = append(out, r)
		}
	}
	return out
}

// encodeList stores a string list as a JSON-encoded scalar, since the
// index only accepts scalar metadata values.
func encodeList(values []string) string {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// DecodeList reverses encodeList for callers inspecting metadata.
func DecodeList(value any) []string {
	raw, ok := value.(string)
	if !ok || raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func messageSeq(messageID string) string {
	if messageID != "" {
		return messageID
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
