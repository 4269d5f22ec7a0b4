package llm

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mymydata/internal/logger"
	"github.com/mymydata/internal/service"
	"github.com/mymydata/internal/storage"
)

type ChatClient interface {
	Chat(ctx context.Context, messages []Message) (*ChatResponse, error)
}

// Generator answers user text with the chat model, using the conversation
// memory of the channel as context. Memory is only extended after a
// successful answer, so a failed turn leaves no trace in it.
type Generator struct {
	client       ChatClient
	memory       storage.ConversationStore
	systemPrompt string
}

func NewGenerator(client ChatClient, memory storage.ConversationStore, systemPrompt string) *Generator {
	return &Generator{client: client, memory: memory, systemPrompt: strings.TrimSpace(systemPrompt)}
}

func (g *Generator) Generate(ctx context.Context, req service.GenerateRequest) (string, error) {
	defer logger.DeferLogDuration("llm.Generate", time.Now())()

	history, err := g.memory.Recent(ctx, req.ConversationKey, req.ContextSize)
	if err != nil {
		return "", errors.Wrap(err, "load conversation memory")
	}

	messages := make([]Message, 0, len(history)+2)
	if g.systemPrompt != "" {
		messages = append(messages, NewSystemMessage(g.systemPrompt))
	}
	for _, t := range history {
		messages = append(messages, Message{Role: t.Role, Content: t.Content})
	}
	user := NewUserMessage(req.UserText)
	if req.Attachment != nil && len(req.Attachment.Data) > 0 {
		user.Images = []string{EncodeImage(req.Attachment.Data)}
	}
	messages = append(messages, user)

	resp, err := g.client.Chat(ctx, messages)
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Message.Content)
	if reply == "" {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "empty answer from model"}
	}

	err = g.memory.Append(ctx, req.ConversationKey,
		storage.Turn{Role: storage.RoleUser, Content: req.UserText},
		storage.Turn{Role: storage.RoleAssistant, Content: reply},
	)
	if err != nil {
		logger.Errorf("llm: save conversation memory key=%s: %v", req.ConversationKey, err)
	}
	return reply, nil
}
