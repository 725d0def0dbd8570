package insight_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fibzlabs/fibz-memory/insight"
	"github.com/fibzlabs/fibz-memory/memory"
	"github.com/fibzlabs/fibz-memory/memory/embedder/mock"
	"github.com/fibzlabs/fibz-memory/memory/store/chromem"
)

// stubGenerator returns a canned reply and records the prompts it saw.
type stubGenerator struct {
	reply   string
	err     error
	prompts []string
	systems []string
}

func (g *stubGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	g.systems = append(g.systems, system)
	g.prompts = append(g.prompts, prompt)
	return g.reply, g.err
}

func newTestMemory(t *testing.T) (*memory.Service, memory.Store) {
	t.Helper()
	store, err := chromem.New(chromem.Options{})
	require.NoError(t, err)
	return memory.NewService(store, mock.New()), store
}

func payload() insight.Payload {
	return insight.Payload{
		UserMessage:      "I renamed the repo to widget-factory",
		AssistantMessage: "Got it, widget-factory it is.",
		Metadata: insight.TurnMetadata{
			MessageID: "msg-1",
			GuildID:   "g1",
			ChannelID: "c1",
			UserID:    "u1",
			Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestAnalyzePersistsExtractedFacts(t *testing.T) {
	svc, store := newTestMemory(t)
	gen := &stubGenerator{reply: `{
		"self_context": [
			{"title": "Naming", "summary": "I acknowledged the repo rename", "tags": ["repo"]}
		],
		"entities": [
			{"entity_id": "u1", "name": "Widget Dev", "summary": "Renamed their repo to widget-factory", "consent": "consent_required"}
		]
	}`}

	analyzer := insight.NewAnalyzer(gen, svc)
	require.NoError(t, analyzer.Analyze(context.Background(), payload()))

	n, err := store.Count(context.Background(), memory.CollectionSelfContext)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entities := svc.GetEntitiesByIDs(context.Background(), []string{"u1"})
	require.Len(t, entities, 1)
	assert.Equal(t, "Renamed their repo to widget-factory", entities[0].Document)
	assert.Equal(t, string(memory.ConsentRequired), entities[0].Metadata[memory.MetaConsent])
}

func TestAnalyzePromptCarriesTurn(t *testing.T) {
	svc, _ := newTestMemory(t)
	gen := &stubGenerator{reply: `{"self_context": [], "entities": []}`}

	analyzer := insight.NewAnalyzer(gen, svc)
	require.NoError(t, analyzer.Analyze(context.Background(), payload()))

	require.Len(t, gen.prompts, 1)
	var body struct {
		Metadata insight.TurnMetadata `json:"metadata"`
		Turn     struct {
			User      string `json:"user"`
			Assistant string `json:"assistant"`
		} `json:"conversation_turn"`
	}
	require.NoError(t, json.Unmarshal([]byte(gen.prompts[0]), &body))
	assert.Equal(t, "msg-1", body.Metadata.MessageID)
	assert.Equal(t, "I renamed the repo to widget-factory", body.Turn.User)
	assert.Contains(t, gen.systems[0], "self_context")
}

func TestAnalyzeDiscardsMalformedReplies(t *testing.T) {
	svc, store := newTestMemory(t)
	gen := &stubGenerator{reply: "I cannot answer in JSON today."}

	analyzer := insight.NewAnalyzer(gen, svc)
	require.NoError(t, analyzer.Analyze(context.Background(), payload()))

	n, err := store.Count(context.Background(), memory.CollectionSelfContext)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = store.Count(context.Background(), memory.CollectionEntities)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAnalyzeToleratesCodeFences(t *testing.T) {
	svc, store := newTestMemory(t)
	gen := &stubGenerator{reply: "```json\n{\"self_context\": [{\"summary\": \"fenced fact\"}], \"entities\": []}\n```"}

	analyzer := insight.NewAnalyzer(gen, svc)
	require.NoError(t, analyzer.Analyze(context.Background(), payload()))

	n, err := store.Count(context.Background(), memory.CollectionSelfContext)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAnalyzeSkipsSummarylessItems(t *testing.T) {
	svc, store := newTestMemory(t)
	gen := &stubGenerator{reply: `{
		"self_context": [{"title": "Empty"}],
		"entities": [{"entity_id": "u1", "name": "No Summary"}]
	}`}

	analyzer := insight.NewAnalyzer(gen, svc)
	require.NoError(t, analyzer.Analyze(context.Background(), payload()))

	for _, collection := range []memory.CollectionKey{memory.CollectionSelfContext, memory.CollectionEntities} {
		n, err := store.Count(context.Background(), collection)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
}
