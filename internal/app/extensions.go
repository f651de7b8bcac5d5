package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rars/api/internal/lifecycle"
	"rars/api/internal/rbac"
	"rars/api/internal/store"
)

const (
	ExtensionApproved = "APPROVED"
	ExtensionRejected = "REJECTED"
)

// RequestExtension asks to move the end date of approved or active research.
// The application status is not touched.
func (s *Service) RequestExtension(ctx context.Context, actor Session, applicationID string, requestedEnd time.Time, reason string) (ext store.Extension, err error) {
	defer s.observe(ctx, actor, "request_extension", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Extension{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionRequestExtension, current); err != nil {
		return store.Extension{}, err
	}
	if !lifecycle.ExtensionEligible(lifecycle.Status(current.Status)) {
		return store.Extension{}, errInvalidTransition(fmt.Sprintf("Extensions can only be requested for approved or active research, not %s", current.Status))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return store.Extension{}, errValidation("A reason for the extension is required")
	}
	if requestedEnd.IsZero() {
		return store.Extension{}, errValidation("A requested end date is required")
	}
	requestedEnd = dateOnly(requestedEnd)
	if current.EndDate != nil && !requestedEnd.After(dateOnly(*current.EndDate)) {
		return store.Extension{}, errValidation("The requested end date must be later than the current end date")
	}

	in, err := s.beginIntent(ctx, "request_extension", current.ID, actor, nil)
	if err != nil {
		return store.Extension{}, err
	}
	created, err := s.store.CreateExtension(ctx, in.id, store.Extension{
		ApplicationID:    current.ID,
		RequestedBy:      actor.UserID,
		Reason:           reason,
		RequestedEndDate: requestedEnd,
	})
	if err != nil {
		s.abortIntent(ctx, in, 1, err)
		return store.Extension{}, err
	}
	s.finishIntent(ctx, in)
	s.logger.Info("extension requested",
		zap.String("intent_id", in.id), zap.String("application_id", current.ID), zap.String("extension_id", created.ID))
	return created, nil
}

// DecideExtension approves or rejects a pending extension. Approval copies
// the requested end date onto the application; the requester is notified
// either way.
func (s *Service) DecideExtension(ctx context.Context, actor Session, extensionID, status, notes string) (ext store.Extension, err error) {
	defer s.observe(ctx, actor, "decide_extension", &err)

	pending, err := s.store.GetExtension(ctx, strings.TrimSpace(extensionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Extension{}, errNotFound("Extension")
		}
		return store.Extension{}, err
	}
	current, err := s.loadApplication(ctx, pending.ApplicationID)
	if err != nil {
		return store.Extension{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionDecideExtension, current); err != nil {
		return store.Extension{}, err
	}
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != ExtensionApproved && status != ExtensionRejected {
		return store.Extension{}, errValidation("Extension decision must be APPROVED or REJECTED")
	}
	if pending.Status != "PENDING" {
		return store.Extension{}, errInvalidTransition("This extension request has already been decided")
	}
	requester, err := s.store.GetProfile(ctx, pending.RequestedBy)
	if err != nil {
		return store.Extension{}, err
	}

	body := fmt.Sprintf("Your request to extend %q to %s was rejected.", current.Title, pending.RequestedEndDate.Format(time.DateOnly))
	if status == ExtensionApproved {
		body = fmt.Sprintf("Your request to extend %q to %s was approved.", current.Title, pending.RequestedEndDate.Format(time.DateOnly))
	}
	in, err := s.beginIntent(ctx, "decide_extension", current.ID, actor, []notice{{
		UserID:          requester.ID,
		Email:           requester.Email,
		RecipientName:   requester.FullName,
		Title:           "Extension " + strings.ToLower(status),
		Body:            body,
		Link:            "/applications/" + current.ID,
		ReferenceNumber: current.ReferenceNumber,
	}})
	if err != nil {
		return store.Extension{}, err
	}
	decided, app, err := s.store.DecideExtension(ctx, store.ExtensionDecision{
		IntentID:    in.id,
		ExtensionID: pending.ID,
		Status:      status,
		DeciderID:   actor.UserID,
		Notes:       strings.TrimSpace(notes),
	})
	if err != nil {
		s.abortIntent(ctx, in, 1, err)
		return store.Extension{}, err
	}
	s.logger.Info("extension decided",
		zap.String("intent_id", in.id),
		zap.String("application_id", app.ID),
		zap.String("extension_id", decided.ID),
		zap.String("status", decided.Status),
	)
	s.finishIntent(ctx, in)
	return decided, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
