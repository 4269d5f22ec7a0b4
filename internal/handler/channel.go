package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/mymydata/internal/logger"
	"github.com/mymydata/internal/model"
	"github.com/mymydata/internal/repository"
)

type ChannelStore interface {
	FindAll(ctx context.Context) ([]model.Channel, error)
	FindByID(ctx context.Context, id string) (*model.Channel, error)
	Create(ctx context.Context, name string) (model.Channel, error)
}

type ChannelHandler struct {
	channels ChannelStore
}

func NewChannelHandler(channels ChannelStore) *ChannelHandler {
	return &ChannelHandler{channels: channels}
}

type CreateChannelRequest struct {
	Name string `json:"name"`
}

// List returns every channel with its most recent message.
func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("channel.List", time.Now())()
	channels, err := h.channels.FindAll(r.Context())
	if err != nil {
		logger.Errorf("list channels: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := decodeJSON(w, r, &req, 1<<16); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	c, err := h.channels.Create(r.Context(), req.Name)
	if errors.Is(err, repository.ErrInvalidArgument) {
		writeError(w, http.StatusBadRequest, "invalid channel name")
		return
	}
	if err != nil {
		logger.Errorf("create channel: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create channel")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *ChannelHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.channels.FindByID(r.Context(), chi.URLParam(r, "channelId"))
	if err != nil {
		logger.Errorf("get channel: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get channel")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}
