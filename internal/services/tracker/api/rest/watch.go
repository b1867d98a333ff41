package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
	"github.com/louisbranch/waypost/internal/services/tracker/hub"
)

// handleRunWatch upgrades to a websocket and streams the run's live
// frames. Browsers pass credentials as ?api_key= or ?grant= because they
// cannot set headers on an upgrade. ?after= replays buffered frames past
// a sequence, so a reconnecting watcher misses nothing recent.
func (s *Server) handleRunWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}

	run, err := s.stores.Runs.GetRun(r.Context(), r.PathValue("runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorizeRead(r, run.ProjectID, run.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	afterSeq := int64(0)
	if after := strings.TrimSpace(r.URL.Query().Get("after")); after != "" {
		parsed, err := strconv.ParseInt(after, 10, 64)
		if err != nil || parsed < 0 {
			s.writeError(w, r, apperrors.New(apperrors.CodePayloadInvalid, "after must be a sequence number"))
			return
		}
		afterSeq = parsed
	}

	websocket.Handler(func(conn *websocket.Conn) {
		s.serveWatch(conn, run.ID, afterSeq)
	}).ServeHTTP(w, r)
}

// watchPeer serializes frame writes onto one websocket connection.
type watchPeer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *watchPeer) Send(frame hub.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(frame)
}

func (s *Server) serveWatch(conn *websocket.Conn, runID string, afterSeq int64) {
	defer conn.Close()

	peer := &watchPeer{enc: json.NewEncoder(conn)}
	latest := s.feed.Subscribe(runID, peer)
	defer s.feed.Unsubscribe(runID, peer)

	// The hello carries the latest sequence so the client can detect a
	// replay gap and fall back to the REST history.
	if err := peer.Send(hub.Frame{Type: "watch.hello", RunID: runID, Sequence: latest}); err != nil {
		return
	}
	for _, frame := range s.feed.Replay(runID, afterSeq) {
		if err := peer.Send(frame); err != nil {
			return
		}
	}

	// Watchers never speak; block until the client goes away.
	_, _ = io.Copy(io.Discard, conn)
}
