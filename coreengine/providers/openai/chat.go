package openai

import (
	"context"
	"strings"
	"time"

	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
)

// TextProvider implements agents.TextCapability with chat completions.
type TextProvider struct {
	client *Client
	model  string
	tokens *TokenCounter
}

var _ agents.TextCapability = (*TextProvider)(nil)

// NewTextProvider creates a text capability using model unless a request names its own.
func NewTextProvider(client *Client, model string) *TextProvider {
	return &TextProvider{client: client, model: model, tokens: NewTokenCounter()}
}

// Invoke sends the stage instructions and the transcript, and returns one
// capability message per choice.
func (p *TextProvider) Invoke(ctx context.Context, req agents.TextRequest) ([]envelope.Message, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := &ChatCompletionRequest{
		Model:       model,
		Messages:    BuildMessages(req),
		Temperature: req.Temperature,
	}
	if req.SearchGrounding {
		body.WebSearchOptions = &WebSearchOptions{}
	}
	if p.client.Azure() {
		body.Model = ""
	}
	observability.RecordPromptTokens(model, p.tokens.CountMessages(model, body.Messages))

	start := time.Now()
	var resp ChatCompletionResponse
	err := p.client.do(ctx, model, "chat/completions", body, &resp)
	observability.RecordCapabilityCall("text", model, callStatus(err), int(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, err
	}

	msgs := make([]envelope.Message, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		msgs = append(msgs, envelope.NewTextMessage(envelope.RoleCapability, choice.Message.Content))
	}
	return msgs, nil
}

// BuildMessages maps a text request onto chat messages: instructions as the
// system message, capability output as assistant turns, everything else as
// user turns, and the request directive last.
func BuildMessages(req agents.TextRequest) []ChatMessage {
	out := make([]ChatMessage, 0, len(req.Transcript)+2)
	if strings.TrimSpace(req.Instructions) != "" {
		out = append(out, ChatMessage{Role: "system", Content: req.Instructions})
	}
	for _, m := range req.Transcript {
		out = append(out, chatMessage(m))
	}
	if req.Directive != nil {
		out = append(out, chatMessage(*req.Directive))
	}
	return out
}

func chatMessage(m envelope.Message) ChatMessage {
	if m.Role == envelope.RoleCapability {
		return ChatMessage{Role: "assistant", Content: m.Text(), Name: chatName(m.Author)}
	}
	return ChatMessage{Role: "user", Content: m.Text()}
}

// chatName keeps only the characters the API accepts in a name.
func chatName(author string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return -1
	}, author)
}

func callStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
