package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/router-for-me/ReceiptRelay/internal/anticache"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/dispatch"
)

// ChatOptions tunes every turn of a chat.
type ChatOptions struct {
	Temperature *float64
}

// Chat is a conversation whose history is resent with every turn. Turns of
// one chat run one at a time.
type Chat struct {
	ID string

	opts    ChatOptions
	mu      sync.Mutex
	history []Message
}

// History returns a copy of the turns so far.
func (c *Chat) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// StartChat opens a chat seeded with history. No remote call is made.
func (s *Service) StartChat(history []Message, opts ChatOptions) *Chat {
	seed := make([]Message, 0, len(history))
	for _, m := range history {
		if m.Role != RoleModel {
			m.Role = RoleUser
		}
		seed = append(seed, m)
	}
	return &Chat{ID: uuid.NewString(), opts: opts, history: seed}
}

// SendMessage sends text with the chat's full history through the serial
// lane. Chat turns are never cached or mutated. The history only grows when
// the turn succeeds.
func (s *Service) SendMessage(ctx context.Context, chat *Chat, text string) (string, error) {
	if chat == nil || strings.TrimSpace(text) == "" {
		return "", wrap(opSendMessage, ErrMissingPrompt)
	}
	chat.mu.Lock()
	defer chat.mu.Unlock()

	history := make([]Message, len(chat.history))
	copy(history, chat.history)
	params := anticache.DefaultParams()
	if chat.opts.Temperature != nil {
		params.Temperature = *chat.opts.Temperature
	}

	reply, err := s.runSerial(ctx, func(ctx context.Context, attempt dispatch.Attempt) (string, error) {
		return s.client.GenerateContent(ctx, attempt.Credential, Request{Prompt: text, History: history, Params: params})
	})
	if err != nil {
		return "", wrap(opSendMessage, err)
	}
	chat.history = append(chat.history,
		Message{Role: RoleUser, Text: text},
		Message{Role: RoleModel, Text: reply},
	)
	return reply, nil
}
