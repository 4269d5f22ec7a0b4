package llm

import (
	"context"
	"strings"

	"github.com/mymydata/internal/service"
)

// Static answers without a model. With an empty Reply it echoes the user
// text; used in dev mode.
type Static struct {
	Reply string
}

func (s Static) Generate(ctx context.Context, req service.GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Reply != "" {
		return s.Reply, nil
	}
	return "echo: " + strings.TrimSpace(req.UserText), nil
}
