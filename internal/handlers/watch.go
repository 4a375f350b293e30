package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/models"
)

const (
	watchInterval  = 2 * time.Second
	watchDeadline  = 10 * time.Minute
	watchWriteWait = 5 * time.Second
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// watchFrame is the JSON shape of every message pushed to the client.
type watchFrame struct {
	Type  string                    `json:"type"` // status, error
	Job   *models.JobStatusResponse `json:"job,omitempty"`
	Error string                    `json:"error,omitempty"`
}

// WatchJob handles GET /generation/jobs/{id}/watch. It upgrades to a
// WebSocket and pushes a status snapshot every two seconds until the job
// reaches a terminal status, the client disconnects, or the deadline passes.
func (h *Handler) WatchJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Watch upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), watchDeadline)
	defer cancel()

	// The client never sends application data; the read loop only detects
	// disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		status, err := h.dispatch.JobStatus(ctx, jobID)
		if err != nil {
			writeWatchFrame(conn, watchFrame{Type: "error", Error: "job not found"})
			return
		}
		if err := writeWatchFrame(conn, watchFrame{Type: "status", Job: status}); err != nil {
			return
		}
		if status.Status == models.JobStatusCompleted || status.Status == models.JobStatusFailed {
			deadline := time.Now().Add(watchWriteWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, status.Status), deadline)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeWatchFrame(conn *websocket.Conn, frame watchFrame) error {
	conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	return conn.WriteJSON(frame)
}
