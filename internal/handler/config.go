package handler

import (
	"net/http"

	"github.com/mymydata/internal/config"
)

// ConfigHandler отдаёт публичные параметры конфигурации для клиента.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type ClientConfig struct {
	HistorySize      int   `json:"history_size"`
	CoalesceWindowMS int64 `json:"coalesce_window_ms"`
	MaxMessageSize   int64 `json:"max_message_size"`
}

// GetClientConfig возвращает размер окна истории и окно группировки live-событий.
func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ClientConfig{
		HistorySize:      h.cfg.HistorySize,
		CoalesceWindowMS: h.cfg.CoalesceWindow.Milliseconds(),
		MaxMessageSize:   h.cfg.WSMaxMessageSize,
	})
}
