package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/chadiek/frontdesk/internal/retrieval"
	"github.com/chadiek/frontdesk/internal/session"
)

const (
	searchToolName = "search_knowledge"

	// maxToolRounds bounds retrieval latency per turn: after this many tool
	// rounds the model is forced to answer with what it has.
	maxToolRounds = 2
)

// Searcher is the retrieval capability handed to the generator. Keeping it an
// interface (rather than the model calling arbitrary functions) bounds what
// the model can do to exactly one operation.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Passage, error)
}

// Generator produces the agent's reply for a finished caller utterance,
// optionally grounding it on retrieved knowledge passages.
type Generator struct {
	client   openai.Client
	model    openai.ChatModel
	searcher Searcher
	topK     int
}

// New constructs a Generator. Extra request options are mainly for tests
// (pointing the client at a local server).
func New(apiKey, model string, searcher Searcher, topK int, opts ...option.RequestOption) *Generator {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if topK < 1 {
		topK = 3
	}
	allOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Generator{
		client:   openai.NewClient(allOpts...),
		model:    openai.ChatModel(model),
		searcher: searcher,
		topK:     topK,
	}
}

var searchTool = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
	Name:        searchToolName,
	Description: param.NewOpt("Search the clinic knowledge base for policies and procedures relevant to the caller's question."),
	Parameters: openai.FunctionParameters{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look up, phrased as a short search query.",
			},
		},
		"required": []string{"query"},
	},
})

// Generate runs the chat completion loop: the model may issue up to
// maxToolRounds knowledge searches before it must produce final text.
// The returned passage refs identify what actually grounded the reply.
func (g *Generator) Generate(ctx context.Context, history []session.Turn) (string, []session.PassageRef, error) {
	msgs := g.messagesFromHistory(history)

	var used []session.PassageRef
	for round := 0; ; round++ {
		params := openai.ChatCompletionNewParams{
			Model:       g.model,
			Messages:    msgs,
			Temperature: param.NewOpt(0.7),
		}
		if round < maxToolRounds {
			params.Tools = []openai.ChatCompletionToolUnionParam{searchTool}
		}

		resp, err := g.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", nil, fmt.Errorf("generate: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", nil, fmt.Errorf("generate: empty choices")
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 || round >= maxToolRounds {
			text := strings.TrimSpace(msg.Content)
			if text == "" {
				return "", used, fmt.Errorf("generate: empty completion")
			}
			return text, used, nil
		}

		msgs = append(msgs, msg.ToParam())
		for _, tc := range msg.ToolCalls {
			result, refs := g.runSearch(ctx, tc.Function.Name, tc.Function.Arguments)
			used = append(used, refs...)
			msgs = append(msgs, openai.ToolMessage(result, tc.ID))
		}
	}
}

// runSearch executes one tool call and formats its result for the model.
// Retrieval problems degrade to advisory notes; they never fail the turn.
func (g *Generator) runSearch(ctx context.Context, name, rawArgs string) (string, []session.PassageRef) {
	if name != searchToolName {
		return fmt.Sprintf("unknown tool %q", name), nil
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || strings.TrimSpace(args.Query) == "" {
		return "invalid search arguments; answer from the conversation so far", nil
	}

	passages, err := g.searcher.Retrieve(ctx, args.Query, g.topK)
	if err != nil {
		if errors.Is(err, retrieval.ErrUnavailable) {
			log.Printf("generator: knowledge base unavailable: %v", err)
			return unavailableNote, nil
		}
		return "search failed; answer from the conversation so far", nil
	}
	if len(passages) == 0 {
		return noResultsNote, nil
	}

	var b strings.Builder
	refs := make([]session.PassageRef, 0, len(passages))
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		b.WriteString(p.Content)
		refs = append(refs, session.PassageRef{ID: p.ID, SourceID: p.SourceID, Score: p.Score})
	}
	return b.String(), refs
}

// messagesFromHistory maps session turns to chat messages, newest last.
// Interrupted agent turns carry only what was actually spoken, with a marker
// so the model knows the caller cut in.
func (g *Generator) messagesFromHistory(history []session.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	msgs = append(msgs, openai.SystemMessage(SystemPrompt))
	for _, t := range history {
		switch t.Role {
		case session.RoleCaller:
			msgs = append(msgs, openai.UserMessage(t.Text))
		case session.RoleAgent:
			text := t.Text
			if t.Interrupted {
				text += " [interrupted by caller]"
			}
			if strings.TrimSpace(text) != "" {
				msgs = append(msgs, openai.AssistantMessage(text))
			}
		}
	}
	return msgs
}
