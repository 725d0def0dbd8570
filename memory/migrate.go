package memory

import (
	"context"
	"strconv"
	"strings"
)

// LegacyHistories is the flat-file history shape that predates the
// vector index: historyId → sub-conversation id → ordered messages.
type LegacyHistories map[string]map[string][]LegacyMessage

// LegacyMessage is one turn of a flat-file history.
type LegacyMessage struct {
	Role    string       `json:"role"`
	Content []LegacyPart `json:"content"`
}

// LegacyPart is one content fragment of a legacy turn.
type LegacyPart struct {
	Text string `json:"text,omitempty"`
}

// MigrateLegacyHistories bulk-imports flat-file histories into the
// messages collection, once. A non-empty destination means a previous
// run already imported (legacy rows are not content-addressed against
// live ids, so the count check is the idempotence guard) and the job is
// a no-op. Malformed entries are skipped, never fatal.
func (s *Service) MigrateLegacyHistories(ctx context.Context, histories LegacyHistories) error {
	if len(histories) == 0 {
		return nil
	}
	count, err := s.store.Count(ctx, CollectionMessages)
	if err != nil {
		s.log.Warnw("migration count check failed", "error", err)
		return err
	}
	if count > 0 {
		s.log.Infow("messages collection not empty, migration skipped", "count", count)
		return nil
	}

	var items []item
	for historyID, groups := range histories {
		if groups == nil {
			continue
		}
		for subID, entries := range groups {
			for index, entry := range entries {
				text := flattenParts(entry.Content)
				document := SanitizeDocument(text)
				if document == "" {
					continue
				}
				items = append(items, item{
					id:       DeterministicID("legacy", historyID, subID, strconv.Itoa(index), entry.Role),
					document: document,
					metadata: s.baseMetadata(map[string]any{
						MetaHistoryID:   historyID,
						"message_group": subID,
						MetaRole:        entry.Role,
						MetaTags:        encodeList([]string{"legacy", "import"}),
					}),
				})
			}
		}
	}
	if len(items) == 0 {
		return nil
	}
	s.log.Infow("migrating legacy histories", "items", len(items))
	return s.upsertBatches(ctx, CollectionMessages, items, DefaultBatchSize)
}

func flattenParts(parts []LegacyPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
