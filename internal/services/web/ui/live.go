package ui

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// liveHandler bridges a browser websocket to the tracker's watch stream.
//
// Browsers cannot attach the dashboard's API key to an upgrade request,
// and handing the key to the page would leak it. The bridge dials the
// tracker with the server-side key, or passes a share grant through for
// share viewers, and relays frames to the browser unchanged.
func (h *Handler) liveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireGet(w, r) {
			return
		}

		grant := strings.TrimSpace(r.URL.Query().Get("grant"))
		if grant == "" && !h.authorized(r) {
			http.Error(w, "login required", http.StatusUnauthorized)
			return
		}

		// The page already rendered history, so subscribe live-only
		// unless the client asks for a replay.
		afterSeq := int64(-1)
		if after := strings.TrimSpace(r.URL.Query().Get("after")); after != "" {
			parsed, err := strconv.ParseInt(after, 10, 64)
			if err != nil || parsed < 0 {
				http.Error(w, "after must be a sequence number", http.StatusBadRequest)
				return
			}
			afterSeq = parsed
		}

		runID := r.PathValue("runID")
		target := h.tracker.WatchURL(runID, afterSeq)
		if grant != "" {
			// The tracker checks the grant's scope itself.
			target = h.tracker.GrantWatchURL(runID, grant, afterSeq)
		}

		websocket.Handler(func(browser *websocket.Conn) {
			h.bridge(browser, target)
		}).ServeHTTP(w, r)
	})
}

// bridge relays watch frames from the tracker to the browser until either
// side disconnects.
func (h *Handler) bridge(browser *websocket.Conn, target string) {
	defer browser.Close()

	upstream, err := websocket.Dial(target, "", h.tracker.BaseURL())
	if err != nil {
		h.logger.Warn("dial tracker watch", zap.Error(err))
		return
	}
	defer upstream.Close()

	// Viewers never send data; a read on the browser side only returns
	// once the browser goes away, and closing the upstream then unblocks
	// the relay loop.
	go func() {
		_, _ = io.Copy(io.Discard, browser)
		upstream.Close()
	}()

	for {
		var frame string
		if err := websocket.Message.Receive(upstream, &frame); err != nil {
			return
		}
		if err := websocket.Message.Send(browser, frame); err != nil {
			return
		}
	}
}
