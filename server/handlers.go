package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/petaltodo/todo"
)

const (
	componentHealthy   = "healthy"
	componentUnhealthy = "unhealthy"
	statusHealthy      = "healthy"
	statusDegraded     = "degraded"
)

// handleRoot describes the API.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Todo REST API",
		"version": s.version,
		"endpoints": map[string]string{
			"create_todo": "POST /todos",
			"list_todos":  "GET /todos",
			"get_todo":    "GET /todos/{id}",
			"update_todo": "PUT /todos/{id}",
			"delete_todo": "DELETE /todos/{id}",
			"health":      "GET /health",
			"stats":       "GET /stats",
			"metrics":     "GET /metrics",
		},
	})
}

type healthResponse struct {
	Status        string            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Version       string            `json:"version"`
	Components    map[string]string `json:"components"`
}

// handleHealth checks every registered component. Any failing component
// degrades the whole service.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.healthChecks))
	for name := range s.healthChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{
		Status:        statusHealthy,
		Timestamp:     s.now(),
		UptimeSeconds: s.stats.Uptime().Seconds(),
		Version:       s.version,
		Components:    make(map[string]string, len(names)),
	}
	for _, name := range names {
		if err := s.healthChecks[name](r); err != nil {
			s.logger.Warn("health check failed",
				slog.String("event", "health_check_failed"),
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
			resp.Components[name] = componentUnhealthy
			resp.Status = statusDegraded
			continue
		}
		resp.Components[name] = componentHealthy
	}

	status := http.StatusOK
	if resp.Status != statusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleStats returns the aggregator snapshot.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// createTodoRequest mirrors todo.CreateInput with optional booleans so that
// a JSON null counts as absent.
type createTodoRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Completed   *bool   `json:"completed"`
	Favorite    *bool   `json:"favorite"`
}

// handleCreateTodo validates and stores a new record.
func (s *Server) handleCreateTodo(w http.ResponseWriter, r *http.Request) {
	var req createTodoRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	in := todo.CreateInput{Description: req.Description}
	if req.Title != nil {
		in.Title = *req.Title
	}
	if req.Completed != nil {
		in.Completed = *req.Completed
	}
	if req.Favorite != nil {
		in.Favorite = *req.Favorite
	}
	in, err := in.Normalize()
	if err != nil {
		writeTodoError(w, err)
		return
	}

	rec, err := s.store.Create(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleListTodos returns a page of records ordered by id.
func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeTodoError(w, err)
		return
	}
	filter, err = filter.Normalize()
	if err != nil {
		writeTodoError(w, err)
		return
	}

	records, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetTodo returns a single record by id.
func (s *Server) handleGetTodo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, found, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		writeTodoError(w, todo.NotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpdateTodo applies a partial update. An empty patch only advances
// updated_at.
func (s *Server) handleUpdateTodo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch todo.Patch
	if !s.decodeBody(w, r, &patch) {
		return
	}
	patch, err := patch.Normalize()
	if err != nil {
		writeTodoError(w, err)
		return
	}

	rec, err := s.store.Update(r.Context(), id, patch)
	if err != nil {
		if errors.Is(err, todo.ErrNotFound) {
			writeTodoError(w, todo.NotFound(id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteTodo removes a record.
func (s *Server) handleDeleteTodo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, todo.ErrNotFound) {
			writeTodoError(w, todo.NotFound(id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads a JSON object body into dst. An empty body decodes as {}.
// It writes the error response itself and reports whether decoding succeeded.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", describeJSONError(err))
		return false
	}
	return true
}

func describeJSONError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("%s must be of type %s", typeErr.Field, jsonTypeName(typeErr.Type.Kind().String()))
	}
	return "request body must be a valid JSON object"
}

func jsonTypeName(kind string) string {
	switch kind {
	case "bool":
		return "boolean"
	case "ptr", "string":
		return "string"
	default:
		return kind
	}
}

func parseListFilter(r *http.Request) (todo.ListFilter, error) {
	var filter todo.ListFilter
	query := r.URL.Query()

	if raw := strings.TrimSpace(query.Get("skip")); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil {
			return todo.ListFilter{}, todo.Errorf(todo.KindValidation, "skip must be an integer")
		}
		filter.Skip = skip
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return todo.ListFilter{}, todo.Errorf(todo.KindValidation, "limit must be an integer")
		}
		if limit == 0 {
			return todo.ListFilter{}, todo.Errorf(todo.KindValidation, "limit must be between 1 and %d", todo.MaxListLimit)
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(query.Get("completed")); raw != "" {
		completed, err := strconv.ParseBool(raw)
		if err != nil {
			return todo.ListFilter{}, todo.Errorf(todo.KindValidation, "completed must be a boolean")
		}
		filter.Completed = &completed
	}
	return filter, nil
}

// pathID parses the {id} segment. Any integer is accepted; ids that were
// never issued simply resolve to 404.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id must be an integer")
		return 0, false
	}
	return id, true
}

// writeTodoError renders a classified todo error with the matching status.
func writeTodoError(w http.ResponseWriter, err error) {
	message := err.Error()
	if classified, ok := todo.AsError(err); ok {
		message = classified.Message
	}
	switch todo.KindOf(err) {
	case todo.KindValidation:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", message)
	case todo.KindNotFound:
		writeError(w, http.StatusNotFound, "NOT_FOUND", message)
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
	}
}
