package httpapi

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/lukasbauer/avatarchat/internal/eventlog"
)

// handleConversationEvents lists the logged events of one conversation.
func (r *Router) handleConversationEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := r.eventLog.List(req.Context(), id, limit)
	if err != nil {
		r.logger.Error().Err(err).Str("conversation_id", id).Msg("list conversation events")
		captureError(req, err, "list conversation events")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"persisted":      r.eventLog.Enabled(),
		"events":         events,
	})
}
