package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("document version conflict")
	ErrStaleStatus     = errors.New("application status changed")
	ErrDuplicate       = errors.New("duplicate record")
)

const versionConstraint = "uq_documents_version"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// classify maps driver errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == versionConstraint {
				return ErrVersionConflict
			}
			return ErrDuplicate
		case "23503", "22P02":
			return ErrNotFound
		case "23514":
			return fmt.Errorf("%w: %s", ErrInvalidValue, pgErr.ConstraintName)
		}
	}
	return err
}

func wrap(op string, err error) error {
	mapped := classify(err)
	if mapped != err {
		return fmt.Errorf("%s: %w", op, mapped)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

// Profiles and roles

func (s *PostgresStore) CreateProfile(ctx context.Context, profile Profile) (Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("begin create profile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applicantType := profile.ApplicantType
	if applicantType == "" {
		applicantType = string(ApplicantOther)
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO profiles (full_name, email, password_hash, applicant_type, institution)
		VALUES ($1, LOWER($2), $3, $4, $5)
		RETURNING id, email, applicant_type, created_at
	`, profile.FullName, profile.Email, profile.PasswordHash, applicantType, profile.Institution).
		Scan(&profile.ID, &profile.Email, &profile.ApplicantType, &profile.CreatedAt)
	if err != nil {
		return Profile{}, wrap("insert profile", err)
	}

	for _, role := range profile.Roles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
			ON CONFLICT (user_id, role) DO NOTHING
		`, profile.ID, role); err != nil {
			return Profile{}, wrap("insert role", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("commit create profile: %w", err)
	}
	return profile, nil
}

const profileColumns = `id, full_name, email, password_hash, applicant_type, institution, created_at`

func scanProfile(row rowScanner) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.FullName, &p.Email, &p.PasswordHash, &p.ApplicantType, &p.Institution, &p.CreatedAt)
	return p, err
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	profile, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id=$1`, id))
	if err != nil {
		return Profile{}, wrap("get profile", err)
	}
	roles, err := s.ListRoles(ctx, profile.ID)
	if err != nil {
		return Profile{}, err
	}
	profile.Roles = roles
	return profile, nil
}

func (s *PostgresStore) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	profile, err := scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE email=LOWER($1)`, email))
	if err != nil {
		return Profile{}, wrap("get profile by email", err)
	}
	roles, err := s.ListRoles(ctx, profile.ID)
	if err != nil {
		return Profile{}, err
	}
	profile.Roles = roles
	return profile, nil
}

func (s *PostgresStore) ListRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id=$1 ORDER BY granted_at, role`, userID)
	if err != nil {
		return nil, wrap("list roles", err)
	}
	defer rows.Close()

	roles := []string{}
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) GrantRole(ctx context.Context, userID, role, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant role: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id, role) DO NOTHING
	`, userID, role); err != nil {
		return wrap("grant role", err)
	}
	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID: actorID, EntityType: "user_role", EntityID: userID, Action: "GRANT_ROLE",
		After: mustJSON(map[string]string{"role": role}),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit grant role: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRole(ctx context.Context, userID, role, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke role: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=$1 AND role=$2`, userID, role); err != nil {
		return wrap("revoke role", err)
	}
	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID: actorID, EntityType: "user_role", EntityID: userID, Action: "REVOKE_ROLE",
		Before: mustJSON(map[string]string{"role": role}),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke role: %w", err)
	}
	return nil
}

// Applications

const applicationColumns = `id, reference_number, applicant_id, title, abstract, objectives, methodology,
	data_type, sensitivity_level, sensitivity_reason, ethics_approved, supervisor_name, supervisor_email,
	start_date, end_date, status, screening_deadline, turnaround_deadline, submitted_at, created_at, updated_at`

func scanApplication(row rowScanner) (Application, error) {
	var app Application
	var startDate, endDate, screening, turnaround, submitted sql.NullTime
	err := row.Scan(
		&app.ID, &app.ReferenceNumber, &app.ApplicantID, &app.Title, &app.Abstract, &app.Objectives, &app.Methodology,
		&app.DataType, &app.SensitivityLevel, &app.SensitivityReason, &app.EthicsApproved, &app.SupervisorName, &app.SupervisorEmail,
		&startDate, &endDate, &app.Status, &screening, &turnaround, &submitted, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return Application{}, err
	}
	app.StartDate = timePtr(startDate)
	app.EndDate = timePtr(endDate)
	app.ScreeningDeadline = timePtr(screening)
	app.TurnaroundDeadline = timePtr(turnaround)
	app.SubmittedAt = timePtr(submitted)
	return app, nil
}

func (s *PostgresStore) CreateApplication(ctx context.Context, app Application) (Application, error) {
	created, err := scanApplication(s.db.QueryRowContext(ctx, `
		INSERT INTO applications (
			reference_number, applicant_id, title, abstract, objectives, methodology, data_type,
			sensitivity_level, sensitivity_reason, supervisor_name, supervisor_email, start_date, end_date
		)
		VALUES (
			'RARS-' || to_char(NOW(), 'YYYY') || '-' || lpad(nextval('application_reference_seq')::text, 6, '0'),
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		RETURNING `+applicationColumns,
		app.ApplicantID, app.Title, app.Abstract, app.Objectives, app.Methodology, app.DataType,
		app.SensitivityLevel, app.SensitivityReason, app.SupervisorName, app.SupervisorEmail,
		nullableTime(app.StartDate), nullableTime(app.EndDate),
	))
	if err != nil {
		return Application{}, wrap("insert application", err)
	}
	return created, nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, id string) (Application, error) {
	app, err := scanApplication(s.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=$1`, id))
	if err != nil {
		return Application{}, wrap("get application", err)
	}
	return app, nil
}

// UpdateDraft rewrites the applicant-editable fields while the application is
// still DRAFT or RETURNED. Dates are not editable here.
func (s *PostgresStore) UpdateDraft(ctx context.Context, app Application) (Application, error) {
	updated, err := scanApplication(s.db.QueryRowContext(ctx, `
		UPDATE applications
		SET title=$2, abstract=$3, objectives=$4, methodology=$5, data_type=$6, sensitivity_level=$7,
			sensitivity_reason=$8, supervisor_name=$9, supervisor_email=$10, updated_at=NOW()
		WHERE id=$1 AND status IN ('DRAFT', 'RETURNED')
		RETURNING `+applicationColumns,
		app.ID, app.Title, app.Abstract, app.Objectives, app.Methodology, app.DataType, app.SensitivityLevel,
		app.SensitivityReason, app.SupervisorName, app.SupervisorEmail,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Application{}, wrap("update draft", err)
	}
	if _, getErr := s.GetApplication(ctx, app.ID); getErr != nil {
		return Application{}, getErr
	}
	return Application{}, fmt.Errorf("update draft: %w", ErrStaleStatus)
}

func (s *PostgresStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]Application, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications a
		WHERE ($1 = '' OR a.applicant_id::text = $1)
			AND ($2 = '' OR a.status = $2)
			AND ($3 = '' OR EXISTS (
				SELECT 1 FROM reviews r WHERE r.application_id = a.id AND r.reviewer_id::text = $3
			))
		ORDER BY a.created_at ASC
		LIMIT $4
	`, filter.ApplicantID, filter.Status, filter.ReviewerID, limit)
	if err != nil {
		return nil, wrap("list applications", err)
	}
	defer rows.Close()

	items := []Application{}
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		items = append(items, app)
	}
	return items, rows.Err()
}

// Reviews, decisions, messages

const reviewColumns = `id, application_id, reviewer_id, stage, COALESCE(recommendation, ''), comments, assigned_at, submitted_at`

func scanReview(row rowScanner) (Review, error) {
	var review Review
	var submitted sql.NullTime
	if err := row.Scan(&review.ID, &review.ApplicationID, &review.ReviewerID, &review.Stage,
		&review.Recommendation, &review.Comments, &review.AssignedAt, &submitted); err != nil {
		return Review{}, err
	}
	review.SubmittedAt = timePtr(submitted)
	return review, nil
}

func (s *PostgresStore) GetReview(ctx context.Context, id string) (Review, error) {
	review, err := scanReview(s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=$1`, id))
	if err != nil {
		return Review{}, wrap("get review", err)
	}
	return review, nil
}

func (s *PostgresStore) ListReviews(ctx context.Context, applicationID string) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE application_id=$1 ORDER BY assigned_at`, applicationID)
	if err != nil {
		return nil, wrap("list reviews", err)
	}
	defer rows.Close()

	items := []Review{}
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, review)
	}
	return items, rows.Err()
}

const decisionColumns = `d.id, d.application_id, d.decision, d.decided_by, d.decision_date, d.notes,
	COALESCE(d.letter_document_id::text, ''), d.reference_number, d.title, d.applicant_name`

func scanDecision(row rowScanner, extra ...any) (Decision, error) {
	var d Decision
	dest := []any{&d.ID, &d.ApplicationID, &d.Decision, &d.DecidedBy, &d.DecisionDate, &d.Notes,
		&d.LetterDocumentID, &d.ReferenceNumber, &d.Title, &d.ApplicantName}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (s *PostgresStore) GetDecisionForApplication(ctx context.Context, applicationID string) (Decision, error) {
	d, err := scanDecision(s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions d WHERE d.application_id=$1`, applicationID))
	if err != nil {
		return Decision{}, wrap("get decision", err)
	}
	return d, nil
}

// GetSignedDecision looks a signature up by its exact token.
func (s *PostgresStore) GetSignedDecision(ctx context.Context, token string) (SignedDecision, error) {
	var sig ApprovalSignature
	d, err := scanDecision(s.db.QueryRowContext(ctx, `
		SELECT `+decisionColumns+`, s.id, s.decision_id, s.token, s.payload_hash, s.issued_at
		FROM approval_signatures s
		JOIN decisions d ON d.id = s.decision_id
		WHERE s.token = $1
	`, token), &sig.ID, &sig.DecisionID, &sig.Token, &sig.PayloadHash, &sig.IssuedAt)
	if err != nil {
		return SignedDecision{}, wrap("get signature", err)
	}
	return SignedDecision{Signature: sig, Decision: d}, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, applicationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, application_id, sender_id, body, created_at
		FROM messages WHERE application_id=$1 ORDER BY created_at
	`, applicationID)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer rows.Close()

	items := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ApplicationID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// Repository

func (s *PostgresStore) ListRepositoryItems(ctx context.Context, includeRestricted bool, limit, offset int) ([]RepositoryItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+repositoryColumns+`
		FROM repository_items
		WHERE public_visible AND ($1 OR NOT restricted)
		ORDER BY published_at DESC
		LIMIT $2 OFFSET $3
	`, includeRestricted, limit, offset)
	if err != nil {
		return nil, wrap("list repository items", err)
	}
	defer rows.Close()

	items := []RepositoryItem{}
	for rows.Next() {
		item, err := scanRepositoryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanRepositoryItem(row rowScanner) (RepositoryItem, error) {
	var item RepositoryItem
	var keywords []byte
	if err := row.Scan(&item.ID, &item.ApplicationID, &item.Title, &item.Abstract, &keywords, &item.PublicationYear,
		&item.Institution, &item.ProgramArea, &item.PublicVisible, &item.Restricted, &item.PublishedAt); err != nil {
		return RepositoryItem{}, fmt.Errorf("scan repository item: %w", err)
	}
	if err := decodeKeywords(keywords, &item.Keywords); err != nil {
		return RepositoryItem{}, err
	}
	return item, nil
}

func decodeKeywords(raw []byte, dest *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode keywords: %w", err)
	}
	return nil
}

// Notifications and audit

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	kind := n.Type
	if kind == "" {
		kind = "info"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, title, body, link, type, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, n.UserID, n.Title, n.Body, n.Link, kind, nullable(n.DedupeKey))
	if err != nil {
		return wrap("insert notification", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, body, link, type, COALESCE(dedupe_key, ''), is_read, created_at
		FROM notifications
		WHERE user_id=$1 AND (NOT $2 OR NOT is_read)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, wrap("list notifications", err)
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Link, &n.Type, &n.DedupeKey, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, userID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return wrap("mark notification read", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("mark notification read: %w", ErrNotFound)
	}
	return nil
}

func insertAudit(ctx context.Context, tx execer, entry AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (actor_id, entity_type, entity_id, action, before_json, after_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, nullable(entry.ActorID), entry.EntityType, entry.EntityID, entry.Action, jsonArg(entry.Before), jsonArg(entry.After))
	if err != nil {
		return wrap("insert audit log", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, entityID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(actor_id::text, ''), entity_type, entity_id, action,
			COALESCE(before_json, 'null'::jsonb), COALESCE(after_json, 'null'::jsonb), created_at
		FROM audit_logs
		WHERE ($1 = '' OR entity_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, wrap("list audit logs", err)
	}
	defer rows.Close()

	items := []AuditEntry{}
	for rows.Next() {
		var entry AuditEntry
		var before, after []byte
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.EntityType, &entry.EntityID, &entry.Action, &before, &after, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entry.Before = json.RawMessage(before)
		entry.After = json.RawMessage(after)
		items = append(items, entry)
	}
	return items, rows.Err()
}

func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func mustJSON(value any) json.RawMessage {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return data
}

func joinStatuses(statuses []string) string {
	return strings.Join(statuses, ",")
}
