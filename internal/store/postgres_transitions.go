package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ApplyTransition persists one status transition and every row it creates in
// a single transaction. The application row is locked first; if its status is
// not one of w.ExpectedStatuses the transaction is abandoned with
// ErrStaleStatus and nothing is written.
func (s *PostgresStore) ApplyTransition(ctx context.Context, w TransitionWrite) (TransitionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var before string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM applications WHERE id=$1 FOR UPDATE`, w.ApplicationID).Scan(&before); err != nil {
		return TransitionResult{}, wrap("lock application", err)
	}
	if !containsString(w.ExpectedStatuses, before) {
		return TransitionResult{}, fmt.Errorf("transition %s -> %s: %w", before, w.NextStatus, ErrStaleStatus)
	}

	app, err := scanApplication(tx.QueryRowContext(ctx, `
		UPDATE applications
		SET status=$2,
			screening_deadline=COALESCE($3, screening_deadline),
			turnaround_deadline=COALESCE($4, turnaround_deadline),
			submitted_at=COALESCE($5, submitted_at),
			updated_at=NOW()
		WHERE id=$1 AND status = ANY(string_to_array($6, ','))
		RETURNING `+applicationColumns,
		w.ApplicationID, w.NextStatus, nullableTime(w.ScreeningDeadline), nullableTime(w.TurnaroundDeadline),
		nullableTime(w.SubmittedAt), joinStatuses(w.ExpectedStatuses),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransitionResult{}, fmt.Errorf("update status: %w", ErrStaleStatus)
		}
		return TransitionResult{}, wrap("update status", err)
	}
	result := TransitionResult{Application: app}

	if w.Message != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (application_id, sender_id, body) VALUES ($1, $2, $3)
		`, w.ApplicationID, w.Message.SenderID, w.Message.Body); err != nil {
			return TransitionResult{}, wrap("insert message", err)
		}
	}

	if w.NewReview != nil {
		review := *w.NewReview
		review.ApplicationID = w.ApplicationID
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO reviews (application_id, reviewer_id, stage) VALUES ($1, $2, $3)
			RETURNING id, assigned_at
		`, review.ApplicationID, review.ReviewerID, review.Stage).Scan(&review.ID, &review.AssignedAt); err != nil {
			return TransitionResult{}, wrap("insert review", err)
		}
		result.Review = &review
	}

	if w.SubmitReview != nil {
		review, err := scanReview(tx.QueryRowContext(ctx, `
			UPDATE reviews SET recommendation=$3, comments=$4, submitted_at=NOW()
			WHERE id=$1 AND application_id=$2 AND submitted_at IS NULL
			RETURNING `+reviewColumns,
			w.SubmitReview.ID, w.ApplicationID, nullable(w.SubmitReview.Recommendation), w.SubmitReview.Comments,
		))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return TransitionResult{}, fmt.Errorf("submit review: %w", ErrStaleStatus)
			}
			return TransitionResult{}, wrap("submit review", err)
		}
		result.Review = &review
	}

	if w.LetterDocument != nil {
		letter := *w.LetterDocument
		letter.ApplicationID = w.ApplicationID
		if err := insertDocumentVersion(ctx, tx, &letter); err != nil {
			return TransitionResult{}, err
		}
		result.LetterDocument = &letter
	}

	if w.Decision != nil {
		decision := *w.Decision
		decision.ApplicationID = w.ApplicationID
		if result.LetterDocument != nil {
			decision.LetterDocumentID = result.LetterDocument.ID
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO decisions (application_id, decision, decided_by, notes, letter_document_id,
				reference_number, title, applicant_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, decision_date
		`, decision.ApplicationID, decision.Decision, decision.DecidedBy, decision.Notes, nullable(decision.LetterDocumentID),
			decision.ReferenceNumber, decision.Title, decision.ApplicantName).Scan(&decision.ID, &decision.DecisionDate); err != nil {
			return TransitionResult{}, wrap("insert decision", err)
		}
		result.Decision = &decision

		if w.Signature != nil {
			sig := *w.Signature
			sig.DecisionID = decision.ID
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO approval_signatures (decision_id, token, payload_hash, issued_at)
				VALUES ($1, $2, $3, $4)
				RETURNING id
			`, sig.DecisionID, sig.Token, sig.PayloadHash, sig.IssuedAt).Scan(&sig.ID); err != nil {
				return TransitionResult{}, wrap("insert signature", err)
			}
			result.Signature = &sig
		}
	}

	if w.RepositoryItem != nil {
		item := *w.RepositoryItem
		item.ApplicationID = w.ApplicationID
		keywords, err := json.Marshal(item.Keywords)
		if err != nil {
			return TransitionResult{}, fmt.Errorf("encode keywords: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO repository_items (application_id, title, abstract, keywords, publication_year,
				institution, program_area, public_visible, restricted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id, published_at
		`, item.ApplicationID, item.Title, item.Abstract, string(keywords), item.PublicationYear,
			item.Institution, item.ProgramArea, item.PublicVisible, item.Restricted).Scan(&item.ID, &item.PublishedAt); err != nil {
			return TransitionResult{}, wrap("insert repository item", err)
		}
		result.RepositoryItem = &item
	}

	entity := w.AuditEntity
	if entity == "" {
		entity = "application"
	}
	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    w.ActorID,
		EntityType: entity,
		EntityID:   w.ApplicationID,
		Action:     w.AuditAction,
		Before:     mustJSON(map[string]string{"status": before}),
		After:      mustJSON(map[string]string{"status": w.NextStatus}),
	}); err != nil {
		return TransitionResult{}, err
	}

	if err := markIntent(ctx, tx, w.IntentID, IntentCommitted, 0, ""); err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return TransitionResult{}, fmt.Errorf("commit transition: %w", err)
	}
	return result, nil
}

// Documents

const documentColumns = `id, application_id, document_type, file_name, file_path, mime_type, size_bytes,
	version, uploaded_by, is_deleted, created_at`

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.ApplicationID, &d.DocumentType, &d.FileName, &d.FilePath, &d.MimeType, &d.SizeBytes,
		&d.Version, &d.UploadedBy, &d.IsDeleted, &d.CreatedAt)
	return d, err
}

// insertDocumentVersion assigns max+1 inside the INSERT itself. Two writers
// that race on the same (application, type) collide on uq_documents_version
// and the loser gets ErrVersionConflict.
func insertDocumentVersion(ctx context.Context, tx execer, doc *Document) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO documents (application_id, document_type, file_name, file_path, mime_type, size_bytes, version, uploaded_by)
		SELECT $1, $2, $3, $4, $5, $6, COALESCE(MAX(version), 0) + 1, $7
		FROM documents
		WHERE application_id=$1 AND document_type=$2
		RETURNING id, version, created_at
	`, doc.ApplicationID, doc.DocumentType, doc.FileName, doc.FilePath, doc.MimeType, doc.SizeBytes, doc.UploadedBy).
		Scan(&doc.ID, &doc.Version, &doc.CreatedAt)
	if err != nil {
		return wrap("insert document", err)
	}
	return nil
}

// AppendDocument adds the next version of a document. Appending an
// ETHICS_LETTER also sets the application's ethics flag in the same
// transaction; the flag is never cleared.
func (s *PostgresStore) AppendDocument(ctx context.Context, doc Document) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("begin append document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertDocumentVersion(ctx, tx, &doc); err != nil {
		return Document{}, err
	}

	if doc.DocumentType == "ETHICS_LETTER" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE applications SET ethics_approved=TRUE, updated_at=NOW() WHERE id=$1
		`, doc.ApplicationID); err != nil {
			return Document{}, wrap("set ethics approval", err)
		}
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    doc.UploadedBy,
		EntityType: "document",
		EntityID:   doc.ApplicationID,
		Action:     "UPLOAD_DOCUMENT",
		After:      mustJSON(map[string]any{"document_type": doc.DocumentType, "version": doc.Version}),
	}); err != nil {
		return Document{}, err
	}

	if err := tx.Commit(); err != nil {
		return Document{}, classify(fmt.Errorf("commit append document: %w", err))
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 AND NOT is_deleted`, id))
	if err != nil {
		return Document{}, wrap("get document", err)
	}
	return doc, nil
}

// ListDocuments returns every live version, newest version first per type.
func (s *PostgresStore) ListDocuments(ctx context.Context, applicationID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE application_id=$1 AND NOT is_deleted
		ORDER BY document_type, version DESC
	`, applicationID)
	if err != nil {
		return nil, wrap("list documents", err)
	}
	defer rows.Close()

	items := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

func (s *PostgresStore) RecordDownload(ctx context.Context, documentID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO document_downloads (document_id, user_id) VALUES ($1, $2)
	`, documentID, userID); err != nil {
		return wrap("record download", err)
	}
	return nil
}

// Extensions

const extensionColumns = `id, application_id, requested_by, reason, current_end_date, requested_end_date, status,
	COALESCE(decided_by::text, ''), decision_date, decision_notes, created_at`

func scanExtension(row rowScanner) (Extension, error) {
	var ext Extension
	var currentEnd, decided sql.NullTime
	if err := row.Scan(&ext.ID, &ext.ApplicationID, &ext.RequestedBy, &ext.Reason, &currentEnd, &ext.RequestedEndDate,
		&ext.Status, &ext.DecidedBy, &decided, &ext.DecisionNotes, &ext.CreatedAt); err != nil {
		return Extension{}, err
	}
	ext.CurrentEndDate = timePtr(currentEnd)
	ext.DecisionDate = timePtr(decided)
	return ext, nil
}

// CreateExtension snapshots the current end date and records a PENDING
// request, provided the application is APPROVED or ACTIVE_RESEARCH.
func (s *PostgresStore) CreateExtension(ctx context.Context, intentID string, ext Extension) (Extension, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Extension{}, fmt.Errorf("begin create extension: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var endDate sql.NullTime
	if err := tx.QueryRowContext(ctx, `SELECT status, end_date FROM applications WHERE id=$1 FOR UPDATE`, ext.ApplicationID).
		Scan(&status, &endDate); err != nil {
		return Extension{}, wrap("lock application", err)
	}
	if status != "APPROVED" && status != "ACTIVE_RESEARCH" {
		return Extension{}, fmt.Errorf("request extension while %s: %w", status, ErrStaleStatus)
	}

	created, err := scanExtension(tx.QueryRowContext(ctx, `
		INSERT INTO extensions (application_id, requested_by, reason, current_end_date, requested_end_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+extensionColumns,
		ext.ApplicationID, ext.RequestedBy, ext.Reason, nullableTime(timePtr(endDate)), ext.RequestedEndDate,
	))
	if err != nil {
		return Extension{}, wrap("insert extension", err)
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    ext.RequestedBy,
		EntityType: "extension",
		EntityID:   ext.ApplicationID,
		Action:     "REQUEST_EXTENSION",
		After:      mustJSON(map[string]string{"extension_id": created.ID, "requested_end_date": created.RequestedEndDate.Format(time.DateOnly)}),
	}); err != nil {
		return Extension{}, err
	}
	if err := markIntent(ctx, tx, intentID, IntentCommitted, 0, ""); err != nil {
		return Extension{}, err
	}
	if err := tx.Commit(); err != nil {
		return Extension{}, fmt.Errorf("commit create extension: %w", err)
	}
	return created, nil
}

// DecideExtension moves a PENDING extension to APPROVED or REJECTED. Approval
// copies requested_end_date onto the application in the same transaction.
func (s *PostgresStore) DecideExtension(ctx context.Context, d ExtensionDecision) (Extension, Application, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Extension{}, Application{}, fmt.Errorf("begin decide extension: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ext, err := scanExtension(tx.QueryRowContext(ctx, `
		UPDATE extensions
		SET status=$2, decided_by=$3, decision_date=NOW(), decision_notes=$4
		WHERE id=$1 AND status='PENDING'
		RETURNING `+extensionColumns,
		d.ExtensionID, d.Status, d.DeciderID, d.Notes,
	))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return Extension{}, Application{}, wrap("decide extension", err)
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM extensions WHERE id=$1)`, d.ExtensionID).Scan(&exists); err != nil {
			return Extension{}, Application{}, wrap("check extension", err)
		}
		if !exists {
			return Extension{}, Application{}, fmt.Errorf("decide extension: %w", ErrNotFound)
		}
		return Extension{}, Application{}, fmt.Errorf("decide extension: %w", ErrStaleStatus)
	}

	var app Application
	if ext.Status == "APPROVED" {
		app, err = scanApplication(tx.QueryRowContext(ctx, `
			UPDATE applications SET end_date=$2, updated_at=NOW() WHERE id=$1
			RETURNING `+applicationColumns,
			ext.ApplicationID, ext.RequestedEndDate,
		))
	} else {
		app, err = scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=$1`, ext.ApplicationID))
	}
	if err != nil {
		return Extension{}, Application{}, wrap("load extension application", err)
	}

	if err := insertAudit(ctx, tx, AuditEntry{
		ActorID:    d.DeciderID,
		EntityType: "extension",
		EntityID:   ext.ApplicationID,
		Action:     "DECIDE_EXTENSION",
		Before:     mustJSON(map[string]string{"extension_id": ext.ID, "status": "PENDING"}),
		After:      mustJSON(map[string]string{"extension_id": ext.ID, "status": ext.Status}),
	}); err != nil {
		return Extension{}, Application{}, err
	}
	if err := markIntent(ctx, tx, d.IntentID, IntentCommitted, 0, ""); err != nil {
		return Extension{}, Application{}, err
	}
	if err := tx.Commit(); err != nil {
		return Extension{}, Application{}, fmt.Errorf("commit decide extension: %w", err)
	}
	return ext, app, nil
}

func (s *PostgresStore) GetExtension(ctx context.Context, id string) (Extension, error) {
	ext, err := scanExtension(s.db.QueryRowContext(ctx, `SELECT `+extensionColumns+` FROM extensions WHERE id=$1`, id))
	if err != nil {
		return Extension{}, wrap("get extension", err)
	}
	return ext, nil
}

func (s *PostgresStore) ListExtensions(ctx context.Context, applicationID string) ([]Extension, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+extensionColumns+` FROM extensions WHERE application_id=$1 ORDER BY created_at`, applicationID)
	if err != nil {
		return nil, wrap("list extensions", err)
	}
	defer rows.Close()

	items := []Extension{}
	for rows.Next() {
		ext, err := scanExtension(rows)
		if err != nil {
			return nil, fmt.Errorf("scan extension: %w", err)
		}
		items = append(items, ext)
	}
	return items, rows.Err()
}

// Intents

func (s *PostgresStore) CreateIntent(ctx context.Context, intent Intent) error {
	payload := intent.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO transition_intents (id, idempotency_key, application_id, operation, actor_id, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, intent.ID, nullable(intent.IdempotencyKey), intent.ApplicationID, intent.Operation, intent.ActorID, IntentStarted, string(payload)); err != nil {
		return wrap("insert intent", err)
	}
	return nil
}

func (s *PostgresStore) UpdateIntent(ctx context.Context, id, status string, step int, lastError string) error {
	return markIntent(ctx, s.db, id, status, step, lastError)
}

func markIntent(ctx context.Context, tx execer, id, status string, step int, lastError string) error {
	if id == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE transition_intents
		SET status=$2, step=GREATEST(step, $3), last_error=$4, updated_at=NOW()
		WHERE id=$1
	`, id, status, step, lastError); err != nil {
		return wrap("update intent", err)
	}
	return nil
}

// ListIntents returns intents in status last touched before cutoff.
func (s *PostgresStore) ListIntents(ctx context.Context, status string, cutoff time.Time, limit int) ([]Intent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(idempotency_key, ''), application_id, operation, actor_id, status, step, payload,
			last_error, created_at, updated_at
		FROM transition_intents
		WHERE status=$1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, status, cutoff, limit)
	if err != nil {
		return nil, wrap("list intents", err)
	}
	defer rows.Close()

	items := []Intent{}
	for rows.Next() {
		var intent Intent
		var payload []byte
		if err := rows.Scan(&intent.ID, &intent.IdempotencyKey, &intent.ApplicationID, &intent.Operation, &intent.ActorID,
			&intent.Status, &intent.Step, &payload, &intent.LastError, &intent.CreatedAt, &intent.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		intent.Payload = json.RawMessage(payload)
		items = append(items, intent)
	}
	return items, rows.Err()
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
