package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// watchInterval is how often a watched job is polled for changes.
const watchInterval = 200 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWatchJob streams job snapshots over a websocket whenever they change
// and closes the socket once the job is done.
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request, userID string) {
	job, ok := s.job(w, r, userID)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	last := job.Snapshot()
	if err := conn.WriteJSON(last); err != nil {
		return
	}
	for !last.Done() {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		cur := job.Snapshot()
		if cur.Status == last.Status && cur.Progress == last.Progress && cur.Total == last.Total {
			continue
		}
		last = cur
		if err := conn.WriteJSON(cur); err != nil {
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(time.Second))
}
