package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

const sessionCookieName = "spamxpert_sid"

// maxBodyBytes bounds submission bodies.
const maxBodyBytes = 1 << 20

type sessionCtxKey struct{}

// Server wires the pipeline, the attempt log and the form adapters into an
// HTTP handler.
type Server struct {
	cfg      *Config
	pipeline *Pipeline
	attempts *AttemptLogger
	settings *Settings
	adapters []FormAdapter
	logger   *slog.Logger
}

func NewServer(cfg *Config, pipeline *Pipeline, attempts *AttemptLogger, settings *Settings, adapters []FormAdapter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		attempts: attempts,
		settings: settings,
		adapters: adapters,
		logger:   logger.With("component", "http"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !slices.Contains(s.cfg.AllowedOrigins, "*"),
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(sessionMiddleware(s.cfg.SessionTTL))
		r.Get("/api/fields/{formID}", fieldsHandler(s.pipeline))
		r.Post("/api/validate", validateHandler(s.pipeline))
		for _, a := range s.adapters {
			a.Attach(r, s.pipeline)
		}
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(adminAuth(s.cfg.AdminToken))
		r.Get("/logs", logsHandler(s.attempts))
		r.Delete("/logs", deleteLogsHandler(s.attempts))
		r.Delete("/logs/all", clearLogsHandler(s.attempts))
		r.Get("/logs/export", exportLogsHandler(s.attempts, s.logger))
		r.Get("/logs/{id}", logHandler(s.attempts))
		r.Get("/stats", statsHandler(s.attempts))
		r.Get("/settings", settingsHandler(s.settings))
		r.Put("/settings", updateSettingsHandler(s.settings))
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sessionMiddleware makes sure every request carries a browser session id,
// issuing a cookie on first contact.
func sessionMiddleware(ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sid := ""
			if c, err := r.Cookie(sessionCookieName); err == nil {
				if _, err := uuid.Parse(c.Value); err == nil {
					sid = c.Value
				}
			}
			if sid == "" {
				sid = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     sessionCookieName,
					Value:    sid,
					Path:     "/",
					MaxAge:   int(ttl / time.Second),
					HttpOnly: true,
					Secure:   r.TLS != nil,
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionCtxKey{}, sid)))
		})
	}
}

func sessionID(ctx context.Context) string {
	sid, _ := ctx.Value(sessionCtxKey{}).(string)
	return sid
}

// FieldsResponse is the trap field rendering contract.
type FieldsResponse struct {
	FieldSet
	Markup string `json:"html"`
}

func renderFieldSet(w http.ResponseWriter, r *http.Request, p *Pipeline, formID string) {
	fs := p.Render(r.Context(), sessionID(r.Context()), formID)
	html, err := fs.HTML()
	if err != nil {
		http.Error(w, "Failed to render fields", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, FieldsResponse{FieldSet: fs, Markup: html})
}

func fieldsHandler(p *Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formID := chi.URLParam(r, "formID")
		if len(formID) > maxFormIDLength {
			http.Error(w, "formId is too long", http.StatusBadRequest)
			return
		}
		renderFieldSet(w, r, p, formID)
	}
}

// ValidateRequest is the body of the submission validation contract.
type ValidateRequest struct {
	FormID  string            `json:"formId"`
	FormRef string            `json:"formRef"`
	Data    map[string]string `json:"data"`
}

type ValidateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeVerdict(w http.ResponseWriter, v Verdict) {
	if v.Passed {
		writeJSON(w, http.StatusOK, ValidateResponse{Success: true})
		return
	}
	writeJSON(w, http.StatusForbidden, ValidateResponse{Success: false, Message: v.Message()})
}

func validateHandler(p *Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ValidateRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.FormID == "" {
			http.Error(w, "formId is required", http.StatusBadRequest)
			return
		}
		if len(req.FormID) > maxFormIDLength {
			http.Error(w, "formId is too long", http.StatusBadRequest)
			return
		}

		v := p.Validate(r.Context(), Submission{
			FormID:    req.FormID,
			SessionID: sessionID(r.Context()),
			Data:      req.Data,
			FormRef:   req.FormRef,
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			Headers:   r.Header,
		})
		writeVerdict(w, v)
	}
}

// adminAuth requires "Authorization: Bearer <token>". An empty token
// disables the admin API.
func adminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "Admin API disabled", http.StatusNotFound)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseDay(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation("2006-01-02", v, time.UTC)
}

func parseLogFilter(r *http.Request) (LogFilter, error) {
	q := r.URL.Query()
	from, err := parseDay(q.Get("date_from"))
	if err != nil {
		return LogFilter{}, fmt.Errorf("date_from: %w", err)
	}
	to, err := parseDay(q.Get("date_to"))
	if err != nil {
		return LogFilter{}, fmt.Errorf("date_to: %w", err)
	}
	return LogFilter{
		FormType: q.Get("form_type"),
		IP:       q.Get("ip_address"),
		DateFrom: from,
		DateTo:   to,
	}, nil
}

func parseLogQuery(r *http.Request) (LogQuery, error) {
	lq := DefaultLogQuery()
	f, err := parseLogFilter(r)
	if err != nil {
		return lq, err
	}
	lq.LogFilter = f

	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if lq.Page, err = strconv.Atoi(v); err != nil {
			return lq, fmt.Errorf("page: %w", err)
		}
	}
	if v := q.Get("per_page"); v != "" {
		if lq.PageSize, err = strconv.Atoi(v); err != nil {
			return lq, fmt.Errorf("per_page: %w", err)
		}
		lq.PageSize = clamp(lq.PageSize, 1, 500)
	}
	if v := q.Get("orderby"); v != "" {
		lq.OrderBy = v
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		lq.Desc = false
	}
	return lq, nil
}

func logsHandler(a *AttemptLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseLogQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		page, err := a.Query(r.Context(), q)
		if err != nil {
			http.Error(w, "Failed to query logs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func logHandler(a *AttemptLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid id", http.StatusBadRequest)
			return
		}
		e, err := a.Get(r.Context(), id)
		if errors.Is(err, ErrLogNotFound) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "Failed to load log", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

type DeleteLogsRequest struct {
	IDs []int64 `json:"ids"`
}

func deleteLogsHandler(a *AttemptLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DeleteLogsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		n, err := a.Delete(r.Context(), req.IDs)
		if err != nil {
			http.Error(w, "Failed to delete logs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

func clearLogsHandler(a *AttemptLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := a.ClearAll(r.Context())
		if err != nil {
			http.Error(w, "Failed to clear logs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

func exportLogsHandler(a *AttemptLogger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseLogFilter(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		name := "spamxpert-logs-" + time.Now().UTC().Format("2006-01-02-15-04-05") + ".csv"
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename="+name)
		if err := a.ExportCSV(r.Context(), w, f); err != nil {
			// Headers are already out; the truncated body is all we can do.
			logger.Error("export logs", "error", err)
		}
	}
}

func statsHandler(a *AttemptLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := a.Stats(r.Context())
		if err != nil {
			http.Error(w, "Failed to compute stats", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func settingsHandler(s *Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Current())
	}
}

func updateSettingsHandler(s *Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		keys := make([]string, 0, len(req))
		for k := range req {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := s.Set(k, req[k]); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, ErrInvalidSetting) || errors.Is(err, ErrUnknownSetting) {
					status = http.StatusUnprocessableEntity
				}
				http.Error(w, err.Error(), status)
				return
			}
		}
		writeJSON(w, http.StatusOK, s.Current())
	}
}
