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
	"github.com/go-chi/chi/v5/middleware"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"versehub/api/internal/apperr"
	"versehub/api/internal/auth"
	"versehub/api/internal/identity"
	"versehub/api/internal/poem"
)

const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Head("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/session", s.handleIssueSession)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Delete("/session", s.handleLogout)
			r.Get("/stats", s.handleStats)
			r.Get("/explore", s.handleExplore)

			r.Route("/poems", func(r chi.Router) {
				r.Get("/", s.handleLibrary)
				r.Post("/", s.handleCreatePoem)
				r.Route("/{poemID}", func(r chi.Router) {
					r.Get("/", s.handleGetPoem)
					r.Delete("/", s.handleDeletePoem)
					r.Put("/content", s.handleEditContent)
					r.Put("/title", s.handleEditTitle)
					r.Put("/visibility", s.handleSetVisibility)
					r.Post("/generate", s.handleGenerate)
					r.Post("/publish", s.handlePublish)
					r.Get("/revisions", s.handleRevisions)
					r.Post("/revisions/{revisionID}/restore", s.handleRestoreRevision)
					r.Get("/history", s.handleHistory)
					r.Get("/history/{commit}", s.handleHistoryContent)
					r.Get("/export", s.handleExport)
					r.Get("/pull-requests", s.handleListByPoem)
					r.Post("/pull-requests", s.handleCreatePullRequest)
				})
			})

			r.Route("/pull-requests", func(r chi.Router) {
				r.Get("/", s.handleListPullRequests)
				r.Route("/{prID}", func(r chi.Router) {
					r.Get("/", s.handleGetPullRequest)
					r.Post("/comments", s.handleAddComment)
					r.Post("/approve", s.handleApprove)
					r.Post("/reject", s.handleReject)
					r.Post("/merge", s.handleMerge)
					r.Post("/review", s.handleReview)
				})
			})
		})
	})
	return r
}

type claimsKey struct{}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		principal, claims, err := s.service.Authenticate(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := identity.WithPrincipal(r.Context(), principal)
		ctx = context.WithValue(ctx, claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) identity.Principal {
	p, _ := identity.FromContext(r.Context())
	return p
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(started).Milliseconds()))
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header(), s.corsOrigin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	if corsOrigin == "" {
		return
	}
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	header.Set("Vary", "Origin")
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]any{"store": map[string]any{"status": "ok"}}
	status := http.StatusOK
	if err := s.service.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		checks["store"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, status, map[string]any{"ok": status == http.StatusOK, "checks": checks})
}

func (s *HTTPServer) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	var body sessionRequest
	if !s.decode(w, r, &body) {
		return
	}
	session, err := s.service.IssueSession(r.Context(), body.Assertion)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(claimsKey{}).(auth.Claims)
	if err := s.service.Logout(r.Context(), claims); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context(), actorFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleExplore(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Explore(r.Context(), r.URL.Query().Get("q"), queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"poems": items})
}

func (s *HTTPServer) handleLibrary(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Library(r.Context(), actorFrom(r), queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"poems": items})
}

func (s *HTTPServer) handleCreatePoem(w http.ResponseWriter, r *http.Request) {
	var body createPoemRequest
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.service.CreatePoem(r.Context(), actorFrom(r), CreatePoemInput{
		Form:  body.Form,
		Tone:  body.Tone,
		Title: body.Title,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *HTTPServer) handleGetPoem(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.GetPoem(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"))
	s.respond(w, r, http.StatusOK, p, err)
}

func (s *HTTPServer) handleDeletePoem(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeletePoem(r.Context(), actorFrom(r), chi.URLParam(r, "poemID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEditContent(w http.ResponseWriter, r *http.Request) {
	var body contentRequest
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.service.EditContent(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), body.Content)
	s.respond(w, r, http.StatusOK, p, err)
}

func (s *HTTPServer) handleEditTitle(w http.ResponseWriter, r *http.Request) {
	var body titleRequest
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.service.EditTitle(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), body.Title)
	s.respond(w, r, http.StatusOK, p, err)
}

func (s *HTTPServer) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	var body visibilityRequest
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.service.SetVisibility(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), poem.Visibility(body.Visibility))
	s.respond(w, r, http.StatusOK, p, err)
}

func (s *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.service.Generate(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), GenerateInput{Prompt: body.Prompt})
	s.respond(w, r, http.StatusOK, p, err)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body publishRequest
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.service.Publish(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), PublishInput{
		Visibility:           poem.Visibility(body.Visibility),
		CollaborationEnabled: body.CollaborationEnabled,
		Description:          body.Description,
	})
	s.respond(w, r, http.StatusOK, p, err)
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request) {
	revisions, err := s.service.Revisions(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if revisions == nil {
		revisions = poem.Log{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

func (s *HTTPServer) handleRestoreRevision(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.RestoreRevision(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), chi.URLParam(r, "revisionID"))
	s.respond(w, r, http.StatusOK, p, err)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.History(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), queryLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": items})
}

func (s *HTTPServer) handleHistoryContent(w http.ResponseWriter, r *http.Request) {
	content, err := s.service.HistoryContent(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), chi.URLParam(r, "commit"))
	s.respond(w, r, http.StatusOK, content, err)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.Export(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", res.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

func (s *HTTPServer) handleListByPoem(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListByPoem(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pullRequests": items})
}

func (s *HTTPServer) handleCreatePullRequest(w http.ResponseWriter, r *http.Request) {
	var body pullRequestRequest
	if !s.decode(w, r, &body) {
		return
	}
	pr, err := s.service.CreatePullRequest(r.Context(), actorFrom(r), chi.URLParam(r, "poemID"), CreatePullRequestInput{
		Content: body.Content,
		Title:   body.Title,
		Message: body.Message,
	})
	s.respond(w, r, http.StatusCreated, pr, err)
}

func (s *HTTPServer) handleListPullRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.service.ListPullRequests(r.Context(), actorFrom(r), ListPullRequestsInput{
		Scope:  PullRequestScope(q.Get("scope")),
		Status: q.Get("status"),
		Limit:  queryLimit(r),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pullRequests": items})
}

func (s *HTTPServer) handleGetPullRequest(w http.ResponseWriter, r *http.Request) {
	pr, err := s.service.GetPullRequest(r.Context(), actorFrom(r), chi.URLParam(r, "prID"))
	s.respond(w, r, http.StatusOK, pr, err)
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body commentRequest
	if !s.decode(w, r, &body) {
		return
	}
	pr, err := s.service.AddComment(r.Context(), actorFrom(r), chi.URLParam(r, "prID"), body.Text)
	s.respond(w, r, http.StatusCreated, pr, err)
}

func (s *HTTPServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if !s.decode(w, r, &body) {
		return
	}
	pr, err := s.service.ApprovePullRequest(r.Context(), actorFrom(r), chi.URLParam(r, "prID"), body.Comment)
	s.respond(w, r, http.StatusOK, pr, err)
}

func (s *HTTPServer) handleReject(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if !s.decode(w, r, &body) {
		return
	}
	pr, err := s.service.RejectPullRequest(r.Context(), actorFrom(r), chi.URLParam(r, "prID"), body.Comment)
	s.respond(w, r, http.StatusOK, pr, err)
}

func (s *HTTPServer) handleMerge(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.MergePullRequest(r.Context(), actorFrom(r), chi.URLParam(r, "prID"))
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleReview(w http.ResponseWriter, r *http.Request) {
	var body reviewRequest
	if !s.decode(w, r, &body) {
		return
	}
	decision, err := ParseDecision(body.Decision)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.ReviewAndMerge(r.Context(), actorFrom(r), chi.URLParam(r, "prID"), decision, body.Comment)
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeError(w, status, code, message, details)
}

type validatable interface {
	Validate() error
}

// decode reads a JSON body into target and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target validatable) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := target.Validate(); err != nil {
		var fieldErrs validation.Errors
		if errors.As(err, &fieldErrs) {
			s.fail(w, r, apperr.Validation("VALIDATION_ERROR", "request body is invalid").WithDetails(fieldErrs))
			return false
		}
		s.fail(w, r, apperr.Validation("VALIDATION_ERROR", err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
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

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
