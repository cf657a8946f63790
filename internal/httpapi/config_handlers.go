package httpapi

import (
	"net/http"

	"github.com/lukasbauer/avatarchat/internal/avatar"
)

func (r *Router) handleGetAvatarConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.cfg.Avatar)
}

func (r *Router) handleGetBaseAPIURL(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"baseApiUrl": r.cfg.BaseAPIURL})
}

// handleGetAccessToken mints a streaming session token with the server's API
// key and returns it as plain text.
func (r *Router) handleGetAccessToken(w http.ResponseWriter, req *http.Request) {
	if r.cfg.HeyGenAPIKey == "" {
		writeError(w, http.StatusInternalServerError, "API key is missing")
		return
	}

	token, err := avatar.CreateToken(req.Context(), r.cfg.HTTPClient, r.cfg.BaseAPIURL, r.cfg.HeyGenAPIKey)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to retrieve access token")
		captureError(req, err, "create streaming token")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve access token")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(token))
}

func (r *Router) handleListAvatars(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Avatars)
}

func (r *Router) handleListSTTLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, STTLanguages)
}
