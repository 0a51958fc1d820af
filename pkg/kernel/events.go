package kernel

import (
	"fmt"
	"net/http"

	"github.com/mlett/crossport/internal/core/domain"
)

// handleClientSSE streams job broadcasts to one client as server-sent
// events. Every frame is a full snapshot, so a client reconnecting mid-job
// rebuilds complete status from the first frame it receives.
func (s *Server) handleClientSSE(w http.ResponseWriter, r *http.Request) {
	clientID := domain.ClientID(r.PathValue("clientId"))
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := s.eventBus.Subscribe(clientID)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: job\ndata: %s\n\n", evt.Data)
			flusher.Flush()
		}
	}
}
