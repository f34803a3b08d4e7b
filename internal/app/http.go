package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"salesdesk/api/internal/auth"
	"salesdesk/api/internal/authpw"
	"salesdesk/api/internal/metrics"
	"salesdesk/api/internal/rbac"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps collects everything NewRouter wires into the HTTP surface.
type RouterDeps struct {
	Leads         *LeadCoordinator
	Activities    *ActivityCoordinator
	Users         *UserDirectory
	Authenticator *Authenticator
	Realtime      http.Handler
	Database      pinger

	Metrics           *metrics.Collector
	Gatherer          prometheus.Gatherer
	Logger            *slog.Logger
	CORSOrigin        string
	AuthRatePerMinute int
}

type HTTPServer struct {
	deps RouterDeps
}

// NewRouter builds the API. The returned stop function releases the rate limiter.
func NewRouter(deps RouterDeps) (http.Handler, func()) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &HTTPServer{deps: deps}
	limiter := newRateLimiter(deps.AuthRatePerMinute, 5*time.Minute)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(corsMiddleware(deps.CORSOrigin))
	r.Use(loggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(recoveryMiddleware(deps.Logger))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	if deps.Realtime != nil {
		r.Handle("/api/realtime", deps.Realtime)
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.With(limiter.middleware).Post("/register", s.handleRegister)
		r.With(limiter.middleware).Post("/login", s.handleLogin)
		r.With(s.requireActor).Get("/me", s.handleMe)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireActor)

		r.Route("/api/leads", func(r chi.Router) {
			r.Get("/", s.handleListLeads)
			r.Post("/", s.handleCreateLead)
			r.Get("/{id}", s.handleGetLead)
			r.Put("/{id}", s.handleUpdateLead)
			r.Delete("/{id}", s.handleDeleteLead)
		})

		r.Route("/api/activities", func(r chi.Router) {
			r.Get("/lead/{leadId}", s.handleListActivities)
			r.Post("/", s.handleCreateActivity)
			r.Put("/{id}", s.handleUpdateActivity)
			r.Delete("/{id}", s.handleDeleteActivity)
		})

		r.Get("/api/users", s.handleListUsers)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	return r, limiter.stop
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "OK", "time": time.Now().UTC()})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if s.deps.Database == nil {
		checks["database"] = map[string]any{"status": "skipped"}
	} else if err := s.deps.Database.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// Auth

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.deps.Authenticator.Register(r.Context(), authpw.RegisterRequest{
		Name:     body.Name,
		Email:    body.Email,
		Password: body.Password,
		Role:     body.Role,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.deps.Authenticator.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	user, err := s.deps.Users.Get(r.Context(), actor.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Leads

func (s *HTTPServer) handleListLeads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := queryInt(query.Get("page"), "page")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(query.Get("limit"), "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.deps.Leads.List(r.Context(), actorFrom(r.Context()), LeadQuery{
		Status: query.Get("status"),
		Search: query.Get("search"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := s.deps.Leads.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *HTTPServer) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var body LeadInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.deps.Leads.Create(r.Context(), actorFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result.Lead)
}

func (s *HTTPServer) handleUpdateLead(w http.ResponseWriter, r *http.Request) {
	var body LeadInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.deps.Leads.Update(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result.Lead)
}

func (s *HTTPServer) handleDeleteLead(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Leads.Delete(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Lead removed"})
}

// Activities

func (s *HTTPServer) handleListActivities(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Activities.ListForLead(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "leadId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleCreateActivity(w http.ResponseWriter, r *http.Request) {
	var body ActivityInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.deps.Activities.Create(r.Context(), actorFrom(r.Context()), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result.Activity)
}

func (s *HTTPServer) handleUpdateActivity(w http.ResponseWriter, r *http.Request) {
	var body ActivityPatch
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	activity, err := s.deps.Activities.Update(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

func (s *HTTPServer) handleDeleteActivity(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Activities.Delete(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Activity removed"})
}

// Users

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Users.List(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// requireActor resolves the bearer token into the request actor.
func (s *HTTPServer) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Not authorized, no token", nil)
			return
		}
		actor, err := s.deps.Authenticator.Actor(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Not authorized, token failed", nil)
			return
		}
		if info := requestInfoFrom(r.Context()); info != nil {
			info.userID = actor.ID
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error("request failed",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, code, message, details)
}

type actorKey struct{}

func withActor(ctx context.Context, actor rbac.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) rbac.Actor {
	actor, _ := ctx.Value(actorKey{}).(rbac.Actor)
	return actor
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(value, field string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, validationFailed([]FieldError{{Field: field, Message: "Must be a positive integer"}})
	}
	return n, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
