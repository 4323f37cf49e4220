package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"doc-access/internal/domain"
)

// Server-sent event names.
const (
	eventSession   = "session"
	eventDocUpdate = "docUpdate"
	eventReload    = "reload"
)

// stream subscribes the caller's session and relays its filtered updates
// as server-sent events. The stream ends after a reload event; the client
// is expected to reload and reconnect. Disconnecting unsubscribes the
// session, which evicts its cached access state.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("response writer %T cannot stream", w))
		return
	}
	sess := session(r)
	sub, err := h.doc.Subscribe(sess)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer h.doc.Unsubscribe(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, eventSession, map[string]string{"sessionId": sess.ID}); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case msg := <-sub.Messages():
			if msg.Reload {
				_ = writeEvent(w, eventReload, map[string]string{"errorCode": domain.CodeReloadRequired})
				flusher.Flush()
				return
			}
			if err := writeEvent(w, eventDocUpdate, msg.Update); err != nil {
				h.logger.Warn("stream write failed", "session", sess.ID, "error", err)
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
