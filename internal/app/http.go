package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rars/api/internal/auth"
	"rars/api/internal/authpw"
	"rars/api/internal/metrics"
	"rars/api/internal/rbac"
	"rars/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
	verify     *rateLimiter
	trusted    []netip.Prefix
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	perMinute := service.cfg.VerifyRatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	trusted := parseTrustedProxies(service.cfg.TrustedProxies, service.logger)
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     service.logger,
		verify:     newRateLimiter(perMinute, perMinute/3+1, trusted),
		trusted:    trusted,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(metrics.InstrumentHandler)

	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)

	r.Post("/api/auth/signup", s.handleAuthSignUp)
	r.Post("/api/auth/signin", s.handleAuthSignIn)
	r.Get("/api/session", s.handleSession)
	r.With(s.verify.Handler).Get("/api/verify/{token}", s.handleVerify)
	r.Get("/api/repository", s.handleRepository)
	r.Get("/api/repository/{itemId}", s.handleRepositoryItem)
	r.Post("/api/repository/{itemId}/download", s.handleRepositoryDownload)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/applications", s.handleListApplications)
		r.Post("/api/applications", s.idempotent("create_application", s.handleCreateApplication))
		r.Get("/api/applications/{id}", s.handleApplicationDetail)
		r.Put("/api/applications/{id}", s.handleUpdateDraft)
		r.Post("/api/applications/{id}/submit", s.idempotent("submit_application", s.handleSubmit))
		r.Post("/api/applications/{id}/screening", s.idempotent("start_screening", s.handleStartScreening))
		r.Post("/api/applications/{id}/return", s.idempotent("return_application", s.handleReturn))
		r.Post("/api/applications/{id}/forward", s.idempotent("forward_to_review", s.handleForward))
		r.Post("/api/applications/{id}/reviewers", s.idempotent("assign_reviewer", s.handleAssignReviewer))
		r.Post("/api/applications/{id}/decision", s.idempotent("record_decision", s.handleDecision))
		r.Post("/api/applications/{id}/activate", s.idempotent("activate_research", s.handleActivate))
		r.Post("/api/applications/{id}/final-submission", s.idempotent("submit_final", s.handleSubmitFinal))
		r.Post("/api/applications/{id}/complete", s.idempotent("complete_application", s.handleComplete))
		r.Post("/api/applications/{id}/publish", s.idempotent("publish_repository", s.handlePublish))
		r.Post("/api/applications/{id}/documents", s.idempotent("upload_document", s.handleUploadDocument))
		r.Get("/api/applications/{id}/checklist", s.handleChecklist)
		r.Post("/api/applications/{id}/extensions", s.idempotent("request_extension", s.handleRequestExtension))

		r.Post("/api/reviews/{reviewId}/submit", s.idempotent("submit_review", s.handleSubmitReview))
		r.Post("/api/extensions/{extensionId}/decision", s.idempotent("decide_extension", s.handleDecideExtension))
		r.Get("/api/documents/{documentId}/download", s.handleDownload)

		r.Get("/api/notifications", s.handleListNotifications)
		r.Post("/api/notifications/{notificationId}/read", s.handleMarkNotificationRead)

		r.Get("/api/watchlist", s.handleListWatchlist)
		r.Post("/api/watchlist/{itemId}", s.handleWatch)
		r.Delete("/api/watchlist/{itemId}", s.handleUnwatch)

		r.Get("/api/audit-logs", s.handleAuditLogs)
		r.Get("/api/admin/repository/analytics", s.handleRepositoryAnalytics)
		r.Post("/api/admin/users/{userId}/roles", s.handleGrantRole)
		r.Delete("/api/admin/users/{userId}/roles/{role}", s.handleRevokeRole)
		r.Post("/api/admin/reconcile", s.handleReconcile)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
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

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		FullName      string `json:"fullName"`
		ApplicantType string `json:"applicantType"`
		Institution   string `json:"institution"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:         body.Email,
		Password:      body.Password,
		FullName:      body.FullName,
		ApplicantType: body.ApplicantType,
		Institution:   body.Institution,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
		return
	}
	payload := sessionPayload(session)
	delete(payload, "accessToken")
	payload["authenticated"] = true
	writeJSON(w, http.StatusOK, payload)
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken": session.Token,
		"userId":      session.UserID,
		"userName":    session.UserName,
		"email":       session.Email,
		"roles":       session.Roles.Strings(),
		"expiresAt":   session.ExpiresAt.Unix(),
	}
}

// Public

func (s *HTTPServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.VerifyToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRepository(w http.ResponseWriter, r *http.Request) {
	session := s.optionalSession(r)
	q := search.Query{
		Text:        r.URL.Query().Get("q"),
		Institution: r.URL.Query().Get("institution"),
	}
	var err error
	if q.PublicationYear, err = queryInt(r, "year", 0); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		return
	}
	if q.Limit, err = queryInt(r, "limit", 20); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		return
	}
	if q.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		return
	}
	response, err := s.service.SearchRepository(r.Context(), session, q)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleRepositoryItem(w http.ResponseWriter, r *http.Request) {
	visit := s.visit(r)
	visit.TermsAccepted = queryBool(r, "termsAccepted")
	detail, err := s.service.GetRepositoryItem(r.Context(), s.optionalSession(r), chi.URLParam(r, "itemId"), visit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleRepositoryDownload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TermsAccepted bool `json:"termsAccepted"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	visit := s.visit(r)
	visit.TermsAccepted = body.TermsAccepted
	link, err := s.service.RepositoryDownloadURL(r.Context(), s.optionalSession(r), chi.URLParam(r, "itemId"), visit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *HTTPServer) handleListWatchlist(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListWatchlist(r.Context(), sessionFrom(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	if err := s.service.WatchRepositoryItem(r.Context(), sessionFrom(r), chi.URLParam(r, "itemId")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"watching": true})
}

func (s *HTTPServer) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if err := s.service.UnwatchRepositoryItem(r.Context(), sessionFrom(r), chi.URLParam(r, "itemId")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"watching": false})
}

func (s *HTTPServer) handleRepositoryAnalytics(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		return
	}
	summary, err := s.service.RepositoryAnalytics(r.Context(), sessionFrom(r), days)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Applications

func (s *HTTPServer) handleListApplications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		return
	}
	apps, err := s.service.ListApplications(r.Context(), sessionFrom(r), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": apps})
}

func (s *HTTPServer) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var body ApplicationInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	app, err := s.service.CreateApplication(r.Context(), sessionFrom(r), body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *HTTPServer) handleApplicationDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetApplicationDetail(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	var body ApplicationInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	app, err := s.service.UpdateDraft(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// applicationAction adapts the transitions that take no body.
func (s *HTTPServer) applicationAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, Session, string) (any, error)) {
	result, err := fn(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.applicationAction(w, r, func(ctx context.Context, actor Session, id string) (any, error) {
		return s.service.SubmitApplication(ctx, actor, id)
	})
}

func (s *HTTPServer) handleStartScreening(w http.ResponseWriter, r *http.Request) {
	s.applicationAction(w, r, func(ctx context.Context, actor Session, id string) (any, error) {
		return s.service.StartScreening(ctx, actor, id)
	})
}

func (s *HTTPServer) handleForward(w http.ResponseWriter, r *http.Request) {
	s.applicationAction(w, r, func(ctx context.Context, actor Session, id string) (any, error) {
		return s.service.ForwardToReview(ctx, actor, id)
	})
}

func (s *HTTPServer) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.applicationAction(w, r, func(ctx context.Context, actor Session, id string) (any, error) {
		return s.service.ActivateResearch(ctx, actor, id)
	})
}

func (s *HTTPServer) handleSubmitFinal(w http.ResponseWriter, r *http.Request) {
	s.applicationAction(w, r, func(ctx context.Context, actor Session, id string) (any, error) {
		return s.service.SubmitFinal(ctx, actor, id)
	})
}

func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.applicationAction(w, r, func(ctx context.Context, actor Session, id string) (any, error) {
		return s.service.CompleteApplication(ctx, actor, id)
	})
}

func (s *HTTPServer) handleReturn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	s.applicationAction(w, r, func(ctx context.Context, actor Session, id string) (any, error) {
		return s.service.ReturnApplication(ctx, actor, id, body.Reason)
	})
}

func (s *HTTPServer) handleAssignReviewer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReviewerID string `json:"reviewerId"`
		Stage      string `json:"stage"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	review, err := s.service.AssignReviewer(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.ReviewerID, body.Stage)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (s *HTTPServer) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Recommendation string `json:"recommendation"`
		Comments       string `json:"comments"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	review, err := s.service.SubmitReview(r.Context(), sessionFrom(r), chi.URLParam(r, "reviewId"), body.Recommendation, body.Comments)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *HTTPServer) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
		Notes    string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.RecordDecision(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body.Decision, body.Notes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body PublishInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.PublishToRepository(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// Documents

func (s *HTTPServer) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected a multipart form with a file field", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read uploaded file", nil)
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	doc, err := s.service.UploadDocument(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), DocumentUpload{
		Type:     r.FormValue("documentType"),
		FileName: header.Filename,
		MimeType: mimeType,
		Data:     data,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleChecklist(w http.ResponseWriter, r *http.Request) {
	checklist, err := s.service.Checklist(r.Context(), sessionFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checklist": checklist})
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	link, err := s.service.DocumentDownloadURL(r.Context(), sessionFrom(r), chi.URLParam(r, "documentId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// Extensions

func (s *HTTPServer) handleRequestExtension(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestedEndDate string `json:"requestedEndDate"`
		Reason           string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	requested, err := time.Parse(time.DateOnly, strings.TrimSpace(body.RequestedEndDate))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "requestedEndDate must be YYYY-MM-DD", nil)
		return
	}
	ext, err := s.service.RequestExtension(r.Context(), sessionFrom(r), chi.URLParam(r, "id"), requested, body.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ext)
}

func (s *HTTPServer) handleDecideExtension(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ext, err := s.service.DecideExtension(r.Context(), sessionFrom(r), chi.URLParam(r, "extensionId"), body.Status, body.Notes)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

// Inbox and administration

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		return
	}
	unread := r.URL.Query().Get("unread") == "true"
	items, err := s.service.ListNotifications(r.Context(), sessionFrom(r), unread, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := s.service.MarkNotificationRead(r.Context(), sessionFrom(r), chi.URLParam(r, "notificationId")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		return
	}
	entries, err := s.service.ListAuditLogs(r.Context(), sessionFrom(r), r.URL.Query().Get("entityId"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *HTTPServer) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.GrantRole(r.Context(), sessionFrom(r), chi.URLParam(r, "userId"), body.Role); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RevokeRole(r.Context(), sessionFrom(r), chi.URLParam(r, "userId"), chi.URLParam(r, "role")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if !sessionFrom(r).Roles.Has(rbac.RoleSystemAdmin) {
		writeError(w, http.StatusForbidden, CodeUnauthorized, "You are not allowed to perform this action", nil)
		return
	}
	report, err := s.service.Reconcile(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Plumbing

type sessionKey struct{}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Unauthorized", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

// optionalSession resolves the bearer token when one is sent. An invalid
// token is treated as anonymous.
func (s *HTTPServer) optionalSession(r *http.Request) Session {
	token := bearerToken(r)
	if token == "" {
		return Session{}
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		return Session{}
	}
	return session
}

func (s *HTTPServer) visit(r *http.Request) Visit {
	return Visit{IPAddress: clientAddress(r, s.trusted), UserAgent: r.UserAgent()}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Idempotency-Key")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
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

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
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

func queryBool(r *http.Request, name string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(name)))
	return err == nil && parsed
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return parsed, nil
}
