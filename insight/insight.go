// Package insight runs background analysis of conversation turns. A
// bounded queue hands finished turns to a single worker, which asks a
// language model to extract durable facts and writes them back through
// the memory service. Analysis is strictly best-effort: a full queue
// drops the turn, a malformed model reply is discarded, and neither
// ever blocks or fails the conversation path.
package insight

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/fibzlabs/fibz-memory/memory"
)

// TurnMetadata identifies the source of an analyzed turn.
type TurnMetadata struct {
	MessageID string    `json:"message_id"`
	GuildID   string    `json:"guild_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is one finished conversation turn submitted for analysis.
type Payload struct {
	UserMessage      string
	AssistantMessage string
	Metadata         TurnMetadata
}

// Generator produces a model completion for a system prompt and a user
// prompt. It exists so the analyzer can be tested without network
// access.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// AnthropicGenerator backs Generator with the Anthropic Messages API.
type AnthropicGenerator struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicGenerator creates a generator. An empty model falls back
// to a small fast default, which is the right trade for background
// extraction work.
func NewAnthropicGenerator(client *anthropic.Client, model string) *AnthropicGenerator {
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	return &AnthropicGenerator{
		client:    client,
		model:     anthropic.Model(model),
		maxTokens: 1024,
	}
}

// Generate implements Generator.
func (g *AnthropicGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
	}
	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

const analyzerSystemPrompt = `You are Fibz's background analyst.
Respond ONLY in JSON with keys ` + "`self_context`" + ` and ` + "`entities`" + `.
For ` + "`self_context`" + `, capture new facts about Fibz's behaviour, capabilities, preferences, or status.
For ` + "`entities`" + `, capture knowledge about people or recurring topics.
Include ` + "`entity_id`" + `, ` + "`name`" + `, ` + "`summary`" + `, and optional attributes where relevant.
Respect consent: mark uncertain or sensitive items as ` + "`consent_required`" + ` and omit private material.
Return an empty array for any key when there is nothing new.`

type selfContextNote struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Consent string   `json:"consent"`
	Tags    []string `json:"tags"`
}

type entityFact struct {
	EntityID   string         `json:"entity_id"`
	Name       string         `json:"name"`
	Summary    string         `json:"summary"`
	Attributes map[string]any `json:"attributes"`
	Tags       []string       `json:"tags"`
	Consent    string         `json:"consent"`
}

type analysis struct {
	SelfContext []selfContextNote `json:"self_context"`
	Entities    []entityFact      `json:"entities"`
}

// Analyzer extracts durable facts from a turn and persists them.
type Analyzer struct {
	generator Generator
	mem       *memory.Service
}

// NewAnalyzer creates an analyzer writing through the given service.
func NewAnalyzer(generator Generator, mem *memory.Service) *Analyzer {
	return &Analyzer{generator: generator, mem: mem}
}

// buildPrompt serializes the turn for the model. The body is JSON so
// the model sees metadata and content with unambiguous structure.
func buildPrompt(p Payload) (string, error) {
	body := struct {
		Metadata TurnMetadata `json:"metadata"`
		Turn     struct {
			User      string `json:"user"`
			Assistant string `json:"assistant"`
		} `json:"conversation_turn"`
	}{Metadata: p.Metadata}
	body.Turn.User = p.UserMessage
	body.Turn.Assistant = p.AssistantMessage

	raw, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Analyze runs one extraction pass. Model failures and unparseable
// replies are swallowed after returning the error for logging; nothing
// here is allowed to propagate to the conversation path.
func (a *Analyzer) Analyze(ctx context.Context, p Payload) error {
	prompt, err := buildPrompt(p)
	if err != nil {
		return err
	}
	raw, err := a.generator.Generate(ctx, analyzerSystemPrompt, prompt)
	if err != nil {
		return err
	}

	parsed, ok := parseAnalysis(raw)
	if !ok {
		return nil
	}

	for _, note := range parsed.SelfContext {
		if note.Summary == "" {
			continue
		}
		title := note.Title
		if title == "" {
			title = "note"
		}
		key := "insight-" + p.Metadata.MessageID + "-" + title
		meta := memory.SnippetMeta{
			Title:   note.Title,
			Consent: memory.Consent(note.Consent),
			Tags:    append([]string{"insight"}, note.Tags...),
		}
		if err := a.mem.StoreSelfContextSnippet(ctx, key, note.Summary, meta); err != nil {
			return err
		}
	}

	for _, entity := range parsed.Entities {
		if entity.EntityID == "" || entity.Summary == "" {
			continue
		}
		name := entity.Name
		if name == "" {
			name = entity.EntityID
		}
		err := a.mem.StoreEntityInsight(ctx, memory.EntityInsight{
			EntityID:        entity.EntityID,
			Name:            name,
			Summary:         entity.Summary,
			Attributes:      entity.Attributes,
			GuildID:         p.Metadata.GuildID,
			ChannelID:       p.Metadata.ChannelID,
			Tags:            entity.Tags,
			Consent:         memory.Consent(entity.Consent),
			LastMentionedAt: p.Metadata.Timestamp,
			SourceMessageID: p.Metadata.MessageID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// parseAnalysis tolerates models that wrap the JSON in a code fence.
func parseAnalysis(raw string) (analysis, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed analysis
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return analysis{}, false
	}
	return parsed, true
}
