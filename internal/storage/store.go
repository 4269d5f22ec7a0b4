package storage

import "context"

// Роли реплик в памяти диалога (совпадают с ролями chat API модели).
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn — одна реплика диалога, которую генератор ответов передаёт модели как контекст.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationStore — память диалога по ключу (id канала).
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type ConversationStore interface {
	// Append добавляет реплики в конец диалога; старые реплики сверх лимита отбрасываются.
	Append(ctx context.Context, key string, turns ...Turn) error
	// Recent возвращает не более n последних реплик, от старых к новым.
	Recent(ctx context.Context, key string, n int) ([]Turn, error)
	Clear(ctx context.Context, key string) error
	Close() error
}
