package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"rars/api/internal/email"
	"rars/api/internal/idempotency"
	"rars/api/internal/metrics"
	"rars/api/internal/retry"
	"rars/api/internal/store"
	"rars/api/internal/util"
)

// notice is one post-commit message: an inbox notification and, when
// Email is set, the matching workflow email.
type notice struct {
	UserID          string `json:"user_id"`
	Email           string `json:"email,omitempty"`
	RecipientName   string `json:"recipient_name,omitempty"`
	Title           string `json:"title"`
	Body            string `json:"body"`
	Link            string `json:"link,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty"`
}

// sagaPayload is persisted on the intent so the reconciler can replay the
// post-commit steps of a crashed request.
type sagaPayload struct {
	Notices []notice `json:"notices"`
}

type intent struct {
	id            string
	operation     string
	applicationID string
	payload       sagaPayload
}

// beginIntent records a STARTED intent before anything is mutated.
func (s *Service) beginIntent(ctx context.Context, operation, applicationID string, actor Session, notices []notice) (*intent, error) {
	in := &intent{
		id:            util.NewID("int"),
		operation:     operation,
		applicationID: applicationID,
		payload:       sagaPayload{Notices: notices},
	}
	raw, err := json.Marshal(in.payload)
	if err != nil {
		return nil, fmt.Errorf("encode intent payload: %w", err)
	}
	key := ""
	if clientKey := idempotency.KeyFrom(ctx); clientKey != "" {
		key = idempotency.Scope(actor.UserID, operation, clientKey)
	}
	if err := s.store.CreateIntent(ctx, store.Intent{
		ID:             in.id,
		IdempotencyKey: key,
		ApplicationID:  applicationID,
		Operation:      operation,
		ActorID:        actor.UserID,
		Payload:        raw,
	}); err != nil {
		return nil, err
	}
	return in, nil
}

// abortIntent marks an intent whose commit failed. Nothing was written, so
// there is nothing to compensate beyond orphaned blobs.
func (s *Service) abortIntent(ctx context.Context, in *intent, step int, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.UpdateIntent(ctx, in.id, store.IntentFailed, step, cause.Error()); err != nil {
		s.logger.Warn("intent not marked failed",
			zap.String("intent_id", in.id), zap.String("application_id", in.applicationID), zap.Int("step", step), zap.Error(err))
	}
}

// finishIntent runs the post-commit steps. Failures are logged and leave the
// intent COMMITTED for the reconciler; they are never surfaced to the caller.
func (s *Service) finishIntent(ctx context.Context, in *intent) {
	ctx = context.WithoutCancel(ctx)
	if err := s.deliver(ctx, in.id, in.operation, in.applicationID, in.payload.Notices, 0); err != nil {
		return
	}
	if err := s.store.UpdateIntent(ctx, in.id, store.IntentCompleted, len(in.payload.Notices), ""); err != nil {
		s.logger.Warn("intent not marked completed", zap.String("intent_id", in.id), zap.Error(err))
	}
}

// deliver sends notices[from:]. Notification rows are deduplicated by
// intent and index, so a replay never doubles an inbox entry.
func (s *Service) deliver(ctx context.Context, intentID, operation, applicationID string, notices []notice, from int) error {
	for i := from; i < len(notices); i++ {
		n := notices[i]
		step := i + 1
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			return s.store.InsertNotification(ctx, store.Notification{
				UserID:    n.UserID,
				Title:     n.Title,
				Body:      n.Body,
				Link:      n.Link,
				Type:      "workflow",
				DedupeKey: fmt.Sprintf("%s:%d", intentID, i),
			})
		}, permanent)
		if err != nil {
			s.sideEffectFailed(ctx, intentID, operation, applicationID, step, "notify", err)
			return err
		}

		if n.Email != "" && s.emailEnabled() {
			err := retry.Do(ctx, s.retry, func(context.Context) error {
				return s.mailer.SendWorkflowEmail(n.Email, n.Title, email.WorkflowData{
					RecipientName:   n.RecipientName,
					Heading:         n.Title,
					Body:            n.Body,
					ReferenceNumber: n.ReferenceNumber,
					LinkURL:         s.link(n.Link),
				})
			}, permanent)
			if err != nil {
				s.sideEffectFailed(ctx, intentID, operation, applicationID, step, "email", err)
				return err
			}
		}

		if err := s.store.UpdateIntent(ctx, intentID, store.IntentCommitted, step, ""); err != nil {
			s.logger.Warn("intent progress not saved", zap.String("intent_id", intentID), zap.Int("step", step), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) sideEffectFailed(ctx context.Context, intentID, operation, applicationID string, step int, kind string, err error) {
	metrics.RecordSideEffectFailure(operation, kind)
	s.logger.Error("post-commit step failed",
		zap.String("intent_id", intentID),
		zap.String("application_id", applicationID),
		zap.String("operation", operation),
		zap.Int("step", step),
		zap.String("effect", kind),
		zap.Error(err),
	)
	if updateErr := s.store.UpdateIntent(ctx, intentID, store.IntentCommitted, step-1, kind+": "+err.Error()); updateErr != nil {
		s.logger.Warn("intent error not saved", zap.String("intent_id", intentID), zap.Error(updateErr))
	}
}

func (s *Service) emailEnabled() bool {
	return s.cfg.EmailEnabled && s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) link(path string) string {
	if path == "" {
		return ""
	}
	return s.cfg.PublicBaseURL + path
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

// Reconcile replays the post-commit steps of COMMITTED intents and closes
// STARTED intents that never reached their commit.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := s.now().Add(-s.cfg.IntentStaleAfter)

	committed, err := s.store.ListIntents(ctx, store.IntentCommitted, cutoff, 100)
	if err != nil {
		return report, fmt.Errorf("list committed intents: %w", err)
	}
	for _, item := range committed {
		var payload sagaPayload
		if len(item.Payload) > 0 {
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				s.logger.Error("intent payload unreadable", zap.String("intent_id", item.ID), zap.Error(err))
				_ = s.store.UpdateIntent(ctx, item.ID, store.IntentFailed, item.Step, "payload: "+err.Error())
				metrics.RecordReconcile("failed")
				report.Failed++
				continue
			}
		}
		if err := s.deliver(ctx, item.ID, item.Operation, item.ApplicationID, payload.Notices, item.Step); err != nil {
			metrics.RecordReconcile("error")
			report.Errors++
			continue
		}
		if err := s.store.UpdateIntent(ctx, item.ID, store.IntentCompleted, len(payload.Notices), ""); err != nil {
			metrics.RecordReconcile("error")
			report.Errors++
			continue
		}
		metrics.RecordReconcile("completed")
		report.Completed++
	}

	started, err := s.store.ListIntents(ctx, store.IntentStarted, cutoff, 100)
	if err != nil {
		return report, fmt.Errorf("list started intents: %w", err)
	}
	for _, item := range started {
		if err := s.store.UpdateIntent(ctx, item.ID, store.IntentFailed, item.Step, "abandoned before commit"); err != nil {
			metrics.RecordReconcile("error")
			report.Errors++
			continue
		}
		s.logger.Warn("abandoned intent closed",
			zap.String("intent_id", item.ID), zap.String("application_id", item.ApplicationID), zap.String("operation", item.Operation))
		metrics.RecordReconcile("failed")
		report.Failed++
	}

	if report.Completed+report.Failed+report.Errors > 0 {
		s.logger.Info("reconcile finished",
			zap.Int("completed", report.Completed), zap.Int("failed", report.Failed), zap.Int("errors", report.Errors))
	}
	return report, nil
}

// ReconcileJob adapts Reconcile to the scheduler signature.
func (s *Service) ReconcileJob(ctx context.Context) error {
	report, err := s.Reconcile(ctx)
	if err != nil {
		return err
	}
	if report.Errors > 0 {
		return errors.New("some intents could not be reconciled")
	}
	return nil
}
