package server

import (
	"net/http"
	gosync "sync"
	"time"

	"github.com/wesm/wizardsync/internal/wizard"
)

// hub fans out "progress changed" signals per user to open
// watch streams. Signals carry no data: a stream reloads the
// record itself, so a burst of changes costs one reload.
type hub struct {
	mu     gosync.Mutex
	subs   map[string]map[chan struct{}]struct{}
	closed chan struct{}
	once   gosync.Once
}

func newHub() *hub {
	return &hub{
		subs:   make(map[string]map[chan struct{}]struct{}),
		closed: make(chan struct{}),
	}
}

// subscribe registers interest in userID. The returned cancel
// func must be called when the stream ends.
func (h *hub) subscribe(userID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.subs[userID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(set, ch)
		if cur, ok := h.subs[userID]; ok && len(cur) == 0 {
			delete(h.subs, userID)
		}
	}
}

func (h *hub) notify(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// close ends every stream, e.g. on shutdown.
func (h *hub) close() {
	h.once.Do(func() { close(h.closed) })
}

func (s *Server) handleWatchProgress(
	w http.ResponseWriter, r *http.Request, user *wizard.User,
) {
	stream, err := NewSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			"streaming not supported")
		return
	}
	s.metrics.streams.Inc()
	defer s.metrics.streams.Dec()

	updates, cancel := s.hub.subscribe(user.ID)
	defer cancel()

	if !s.sendProgress(r, stream, user.ID) {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.hub.closed:
			stream.ForceWriteDeadlineNow()
			return
		case <-updates:
			if !s.sendProgress(r, stream, user.ID) {
				return
			}
		case <-heartbeat.C:
			if !stream.Send("heartbeat", time.Now().Format(time.RFC3339)) {
				return
			}
		}
	}
}

// sendProgress loads the user's record and writes it as a
// "progress" event tagged with the record version.
func (s *Server) sendProgress(
	r *http.Request, stream *SSEStream, userID string,
) bool {
	rec, err := s.db.GetProgress(r.Context(), userID, s.def)
	if err != nil {
		return stream.Send("error", err.Error())
	}
	return stream.SendJSON("progress", rec.Version, rec)
}
