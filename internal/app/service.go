package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"rars/api/internal/auth"
	"rars/api/internal/authpw"
	"rars/api/internal/blob"
	"rars/api/internal/config"
	"rars/api/internal/documents"
	"rars/api/internal/email"
	"rars/api/internal/idempotency"
	"rars/api/internal/letters"
	"rars/api/internal/metrics"
	"rars/api/internal/rbac"
	"rars/api/internal/retry"
	"rars/api/internal/search"
	"rars/api/internal/store"
)

// Session is the authenticated caller of one request.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	Roles     rbac.RoleSet
	ExpiresAt time.Time
}

func (s Session) Principal() rbac.Principal {
	if s.UserID == "" {
		return rbac.Anonymous()
	}
	roles := s.Roles
	if roles == nil {
		roles = rbac.NewRoleSet()
	}
	return rbac.Principal{ID: s.UserID, Roles: roles}
}

// DataStore is the relational store the service runs against.
type DataStore interface {
	Ping(ctx context.Context) error

	CreateProfile(ctx context.Context, profile store.Profile) (store.Profile, error)
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	GrantRole(ctx context.Context, userID, role, actorID string) error
	RevokeRole(ctx context.Context, userID, role, actorID string) error

	CreateApplication(ctx context.Context, app store.Application) (store.Application, error)
	GetApplication(ctx context.Context, id string) (store.Application, error)
	UpdateDraft(ctx context.Context, app store.Application) (store.Application, error)
	ListApplications(ctx context.Context, filter store.ApplicationFilter) ([]store.Application, error)

	GetReview(ctx context.Context, id string) (store.Review, error)
	ListReviews(ctx context.Context, applicationID string) ([]store.Review, error)
	GetDecisionForApplication(ctx context.Context, applicationID string) (store.Decision, error)
	GetSignedDecision(ctx context.Context, token string) (store.SignedDecision, error)
	ListMessages(ctx context.Context, applicationID string) ([]store.Message, error)
	ListRepositoryItems(ctx context.Context, includeRestricted bool, limit, offset int) ([]store.RepositoryItem, error)
	GetRepositoryItem(ctx context.Context, id string) (store.RepositoryItem, error)
	RelatedRepositoryItems(ctx context.Context, item store.RepositoryItem, includeRestricted bool, limit int) ([]store.RepositoryItem, error)
	RecordAccess(ctx context.Context, entry store.AccessLog) error
	AddToWatchlist(ctx context.Context, userID, itemID string) error
	RemoveFromWatchlist(ctx context.Context, userID, itemID string) error
	IsWatching(ctx context.Context, userID, itemID string) (bool, error)
	ListWatchlist(ctx context.Context, userID string) ([]store.WatchedItem, error)
	SummarizeAccess(ctx context.Context, since time.Time, top int) (store.AccessSummary, error)

	InsertNotification(ctx context.Context, n store.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID string) error
	ListAuditLogs(ctx context.Context, entityID string, limit int) ([]store.AuditEntry, error)

	ApplyTransition(ctx context.Context, w store.TransitionWrite) (store.TransitionResult, error)
	AppendDocument(ctx context.Context, doc store.Document) (store.Document, error)
	GetDocument(ctx context.Context, id string) (store.Document, error)
	ListDocuments(ctx context.Context, applicationID string) ([]store.Document, error)
	RecordDownload(ctx context.Context, documentID, userID string) error

	CreateExtension(ctx context.Context, intentID string, ext store.Extension) (store.Extension, error)
	DecideExtension(ctx context.Context, d store.ExtensionDecision) (store.Extension, store.Application, error)
	GetExtension(ctx context.Context, id string) (store.Extension, error)
	ListExtensions(ctx context.Context, applicationID string) ([]store.Extension, error)

	CreateIntent(ctx context.Context, intent store.Intent) error
	UpdateIntent(ctx context.Context, id, status string, step int, lastError string) error
	ListIntents(ctx context.Context, status string, cutoff time.Time, limit int) ([]store.Intent, error)
}

// LetterRenderer turns a recorded decision into a printable letter.
type LetterRenderer interface {
	Render(ctx context.Context, data letters.Data) (letters.Letter, error)
}

// Mailer is the best-effort email sink.
type Mailer interface {
	IsConfigured() bool
	SendWorkflowEmail(to, subject string, data email.WorkflowData) error
}

// RepositoryIndex serves public repository search and receives newly
// published items.
type RepositoryIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexItem(rec search.RepositoryRecord)
}

type Deps struct {
	Store       DataStore
	Blobs       blob.Store
	Letters     LetterRenderer
	Mailer      Mailer
	Search      RepositoryIndex
	Idempotency idempotency.Store
	Logger      *zap.Logger
}

type Service struct {
	cfg         config.Config
	store       DataStore
	blobs       blob.Store
	ledger      *documents.Ledger
	letters     LetterRenderer
	mailer      Mailer
	search      RepositoryIndex
	idempotency idempotency.Store
	authpw      *authpw.Service
	logger      *zap.Logger
	retry       retry.Policy
	now         func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idem := deps.Idempotency
	if idem == nil {
		idem = idempotency.NewMemoryStore()
	}
	s := &Service{
		cfg:         cfg,
		store:       deps.Store,
		letters:     deps.Letters,
		mailer:      deps.Mailer,
		search:      deps.Search,
		idempotency: idem,
		authpw:      authpw.NewService(deps.Store),
		logger:      logger,
		retry:       retry.Default,
		now:         time.Now,
	}
	s.blobs = &retryingBlobs{inner: deps.Blobs, svc: s}
	s.ledger = documents.NewLedger(conflictCounter{deps.Store}, s.blobs)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SessionFromToken validates an access token and reloads the caller's roles
// so revocations take effect before the token expires.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	profile, err := s.store.GetProfile(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	session := sessionFromProfile(profile)
	session.Token = token
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func sessionFromProfile(profile store.Profile) Session {
	return Session{
		UserID:   profile.ID,
		UserName: profile.FullName,
		Email:    profile.Email,
		Roles:    rbac.ParseRoles(profile.Roles),
	}
}

// SignUp registers an applicant account and signs it in.
func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	profile, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return Session{}, asDomainError(err)
	}
	return s.issueSession(profile)
}

func (s *Service) SignIn(ctx context.Context, emailAddress, password string) (Session, error) {
	profile, err := s.authpw.SignIn(ctx, emailAddress, password)
	if err != nil {
		return Session{}, asDomainError(err)
	}
	return s.issueSession(profile)
}

func (s *Service) issueSession(profile store.Profile) (Session, error) {
	session := sessionFromProfile(profile)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), profile.ID, profile.FullName, session.Roles.Strings(), s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}
	session.Token = token
	session.ExpiresAt = s.now().Add(s.cfg.AccessTTL)
	return session, nil
}

// observe converts *errp into the error taxonomy, counts it, and leaves a
// notification for the actor so failures never pass silently.
func (s *Service) observe(ctx context.Context, actor Session, operation string, errp *error) {
	if *errp == nil {
		return
	}
	domainErr := asDomainError(*errp)
	*errp = domainErr
	metrics.RecordFailure(operation, domainErr.Code)

	fields := []zap.Field{zap.String("operation", operation), zap.String("code", domainErr.Code), zap.String("actor_id", actor.UserID)}
	if domainErr.Status >= 500 {
		s.logger.Error("operation failed", append(fields, zap.Error(domainErr.Unwrap()))...)
	} else {
		s.logger.Info("operation rejected", append(fields, zap.String("reason", domainErr.Message))...)
	}

	if actor.UserID == "" {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.InsertNotification(notifyCtx, store.Notification{
		UserID: actor.UserID,
		Title:  operationLabel(operation) + " failed",
		Body:   domainErr.Message,
		Type:   "error",
	}); err != nil {
		s.logger.Warn("failure notification not stored", zap.String("operation", operation), zap.Error(err))
	}
}

func operationLabel(operation string) string {
	words := strings.Fields(strings.ReplaceAll(operation, "_", " "))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrStaleStatus),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, blob.ErrNotFound),
		errors.Is(err, email.ErrNotConfigured),
		errors.Is(err, context.Canceled):
		return true
	}
	var domainErr *DomainError
	return errors.As(err, &domainErr)
}

// retryingBlobs applies the service retry policy to every object store call.
type retryingBlobs struct {
	inner blob.Store
	svc   *Service
}

func (b *retryingBlobs) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	return retry.Do(ctx, b.svc.retry, func(ctx context.Context) error {
		return b.inner.Upload(ctx, key, data, contentType)
	}, permanent)
}

func (b *retryingBlobs) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var url string
	err := retry.Do(ctx, b.svc.retry, func(ctx context.Context) error {
		var err error
		url, err = b.inner.SignedURL(ctx, key, ttl)
		return err
	}, permanent)
	return url, err
}

// conflictCounter counts every lost version race the ledger retries.
type conflictCounter struct {
	documents.Appender
}

func (c conflictCounter) AppendDocument(ctx context.Context, doc store.Document) (store.Document, error) {
	saved, err := c.Appender.AppendDocument(ctx, doc)
	if errors.Is(err, store.ErrVersionConflict) {
		metrics.RecordVersionConflict()
	}
	return saved, err
}
