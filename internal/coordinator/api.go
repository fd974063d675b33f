package coordinator

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ferry-ci/ferry/internal/servicemsg"
)

// API exposes the build-log channel over HTTP. Build references use the
// id locator form the runner's channel client produces: id:<build-id>.
type API struct {
	logger   *slog.Logger
	store    *Store
	username string
	password string
}

// NewAPI wires the handler set. Empty username disables the basic auth
// check so unauthenticated setups keep working.
func NewAPI(logger *slog.Logger, store *Store, username, password string) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, store: store, username: username, password: password}, nil
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /builds/{build_ref}/log", api.handleAppendLog)
	mux.HandleFunc("PUT /builds/{build_ref}/finish", api.handleFinishBuild)
	mux.HandleFunc("GET /builds/{build_ref}/log", api.handleGetLog)
}

func (api *API) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	if !api.authorized(r) {
		api.writeUnauthorized(w, r)
		return
	}
	buildID, err := buildIDFromRef(r.PathValue("build_ref"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_build_ref")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	line := strings.TrimRight(string(body), "\r\n")

	m, err := servicemsg.Parse(line)
	if err != nil {
		api.logger.Warn("rejected log line", "build_id", buildID, "error", err)
		api.writeError(w, r, http.StatusBadRequest, "invalid_service_message")
		return
	}

	if err := api.store.Append(buildID, m); err != nil {
		if errors.Is(err, ErrFinished) {
			api.writeError(w, r, http.StatusConflict, "build_finished")
			return
		}
		api.writeError(w, r, http.StatusBadRequest, "unsupported_message")
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"build_id": buildID,
		"status":   "ok",
	})
}

func (api *API) handleFinishBuild(w http.ResponseWriter, r *http.Request) {
	if !api.authorized(r) {
		api.writeUnauthorized(w, r)
		return
	}
	buildID, err := buildIDFromRef(r.PathValue("build_ref"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_build_ref")
		return
	}

	if err := api.store.Finish(buildID); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_build_ref")
		return
	}

	api.writeJSON(w, http.StatusOK, map[string]any{
		"build_id": buildID,
		"status":   "finished",
	})
}

func (api *API) handleGetLog(w http.ResponseWriter, r *http.Request) {
	if !api.authorized(r) {
		api.writeUnauthorized(w, r)
		return
	}
	buildID, err := buildIDFromRef(r.PathValue("build_ref"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_build_ref")
		return
	}

	b, ok := api.store.Snapshot(buildID)
	if !ok {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, b.Output)
}

func buildIDFromRef(ref string) (string, error) {
	id, ok := strings.CutPrefix(ref, "id:")
	if !ok || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("build ref must look like id:<build-id>: %q", ref)
	}
	return id, nil
}

func (api *API) authorized(r *http.Request) bool {
	if api.username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(api.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(api.password)) == 1
	return userOK && passOK
}

func (api *API) writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Basic realm="ferry"`)
	api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
