package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/mymydata/internal/logger"
	"github.com/mymydata/internal/model"
	"github.com/mymydata/internal/service"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	maxPostBodySize     = 10 << 20
)

type MessageHistory interface {
	FindLatest(ctx context.Context, channelID string, fetchMax int, lastSeenID string) ([]model.Message, error)
}

type ChannelChecker interface {
	Exists(ctx context.Context, id string) bool
}

type TurnSender interface {
	Send(ctx context.Context, channelID, body string, attachment *model.Attachment) (*service.Turn, error)
}

type MessageHandler struct {
	channels ChannelChecker
	history  MessageHistory
	turns    TurnSender
}

func NewMessageHandler(channels ChannelChecker, history MessageHistory, turns TurnSender) *MessageHandler {
	return &MessageHandler{channels: channels, history: history, turns: turns}
}

type PostMessageRequest struct {
	Content string `json:"content"`
	// Attachment is an optional base64 encoded image.
	Attachment string `json:"attachment,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
}

type PostMessageResponse struct {
	UserMessage model.Message  `json:"user_message"`
	Reply       *model.Message `json:"reply,omitempty"`
}

// GetMessages returns up to limit messages, oldest first. With after set to
// a known message id only newer messages are returned.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("message.GetMessages", time.Now())()
	channelID := chi.URLParam(r, "channelId")
	if !h.channels.Exists(r.Context(), channelID) {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	messages, err := h.history.FindLatest(r.Context(), channelID, limit, r.URL.Query().Get("after"))
	if err != nil {
		logger.Errorf("get messages channel=%s: %v", channelID, err)
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// PostMessage runs a user turn and waits for its outcome.
func (h *MessageHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("message.PostMessage", time.Now())()
	channelID := chi.URLParam(r, "channelId")

	var req PostMessageRequest
	if err := decodeJSON(w, r, &req, maxPostBodySize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var att *model.Attachment
	if req.Attachment != "" {
		data, err := base64.StdEncoding.DecodeString(req.Attachment)
		if err != nil {
			writeError(w, http.StatusBadRequest, "attachment must be base64")
			return
		}
		att = &model.Attachment{MimeType: req.MimeType, Data: data}
	}

	turn, err := h.turns.Send(r.Context(), channelID, req.Content, att)
	switch {
	case errors.Is(err, service.ErrTrivialInput):
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, service.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "channel not found")
		return
	case errors.Is(err, service.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		logger.Errorf("post message channel=%s: %v", channelID, err)
		writeError(w, http.StatusInternalServerError, "failed to post message")
		return
	}

	select {
	case <-turn.Done():
	case <-r.Context().Done():
		// The answer keeps running; the client is gone.
		return
	}

	if err := turn.Err(); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	reply := turn.Reply()
	writeJSON(w, http.StatusCreated, PostMessageResponse{UserMessage: turn.UserMessage(), Reply: &reply})
}
