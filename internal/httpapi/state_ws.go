package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const stateWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS streams a store snapshot after every change. The first frame
// is the current state. Inbound frames are read only to notice the close.
func (r *Router) handleStateWS(w http.ResponseWriter, req *http.Request) {
	if !r.streams.Add() {
		writeError(w, http.StatusServiceUnavailable, "server is draining")
		return
	}
	defer r.streams.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("state feed upgrade failed")
		return
	}
	defer conn.Close()

	r.metrics.RecordSubscriber(1)
	defer r.metrics.RecordSubscriber(-1)

	updates, cancel := r.store.Subscribe()
	defer cancel()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-r.streams.Draining():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(stateWriteTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				r.logger.Debug().Err(err).Msg("state feed write failed")
				return
			}
		}
	}
}
