package relay

import (
	"context"

	"github.com/router-for-me/ReceiptRelay/internal/anticache"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/auth"
)

// Chat roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Message is one chat turn.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request is a single generateContent call.
type Request struct {
	Prompt   string
	Media    []byte
	MimeType string
	History  []Message
	Params   anticache.GenerationParams
}

// Client talks to the remote generative API. Implementations must return a
// *retry.Error for upstream failures so the kind is decided where the
// response is read.
type Client interface {
	GenerateContent(ctx context.Context, cred auth.Credential, req Request) (string, error)
	CountTokens(ctx context.Context, cred auth.Credential, text string) (int, error)
}
