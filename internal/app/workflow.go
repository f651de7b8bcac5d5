package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rars/api/internal/documents"
	"rars/api/internal/lifecycle"
	"rars/api/internal/metrics"
	"rars/api/internal/rbac"
	"rars/api/internal/store"
)

// ApplicationInput carries the applicant-editable draft fields.
type ApplicationInput struct {
	Title             string     `json:"title"`
	Abstract          string     `json:"abstract"`
	Objectives        string     `json:"objectives"`
	Methodology       string     `json:"methodology"`
	DataType          string     `json:"dataType"`
	SensitivityLevel  string     `json:"sensitivityLevel"`
	SensitivityReason string     `json:"sensitivityReason"`
	SupervisorName    string     `json:"supervisorName"`
	SupervisorEmail   string     `json:"supervisorEmail"`
	StartDate         *time.Time `json:"startDate"`
	EndDate           *time.Time `json:"endDate"`
}

// validate checks the input and normalizes the enum fields in place. Empty
// enums take the column defaults.
func (in *ApplicationInput) validate() error {
	if len(strings.TrimSpace(in.Title)) > 500 {
		return errValidation("Title must be at most 500 characters")
	}
	dataType, err := store.ParseDataType(in.DataType)
	if err != nil {
		return errValidation(err.Error())
	}
	sensitivity, err := store.ParseSensitivityLevel(in.SensitivityLevel)
	if err != nil {
		return errValidation(err.Error())
	}
	in.DataType, in.SensitivityLevel = string(dataType), string(sensitivity)
	if in.StartDate != nil && in.EndDate != nil && !in.EndDate.After(*in.StartDate) {
		return errValidation("End date must be after the start date")
	}
	return nil
}

func (in ApplicationInput) apply(app *store.Application) {
	app.Title = strings.TrimSpace(in.Title)
	app.Abstract = strings.TrimSpace(in.Abstract)
	app.Objectives = strings.TrimSpace(in.Objectives)
	app.Methodology = strings.TrimSpace(in.Methodology)
	app.DataType = in.DataType
	app.SensitivityLevel = in.SensitivityLevel
	app.SensitivityReason = strings.TrimSpace(in.SensitivityReason)
	app.SupervisorName = strings.TrimSpace(in.SupervisorName)
	app.SupervisorEmail = strings.TrimSpace(in.SupervisorEmail)
}

func (s *Service) CreateApplication(ctx context.Context, actor Session, in ApplicationInput) (app store.Application, err error) {
	defer s.observe(ctx, actor, "create_application", &err)

	if !rbac.Can(actor.Principal(), rbac.ActionCreateApplication, rbac.Resource{}) {
		return store.Application{}, errForbidden(string(rbac.ActionCreateApplication))
	}
	if err := in.validate(); err != nil {
		return store.Application{}, err
	}
	draft := store.Application{ApplicantID: actor.UserID, StartDate: in.StartDate, EndDate: in.EndDate}
	in.apply(&draft)
	created, err := s.store.CreateApplication(ctx, draft)
	if err != nil {
		return store.Application{}, err
	}
	s.logger.Info("application created",
		zap.String("application_id", created.ID), zap.String("reference_number", created.ReferenceNumber))
	return created, nil
}

// UpdateDraft rewrites draft fields. The end date is fixed once set; it only
// moves through an approved extension.
func (s *Service) UpdateDraft(ctx context.Context, actor Session, applicationID string, in ApplicationInput) (app store.Application, err error) {
	defer s.observe(ctx, actor, "update_draft", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Application{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionEditDraft, current); err != nil {
		return store.Application{}, err
	}
	if !lifecycle.Editable(lifecycle.Status(current.Status)) {
		return store.Application{}, errInvalidTransition(fmt.Sprintf("Applications can only be edited while DRAFT or RETURNED, not %s", current.Status))
	}
	if err := in.validate(); err != nil {
		return store.Application{}, err
	}
	in.apply(&current)
	return s.store.UpdateDraft(ctx, current)
}

// SubmitApplication moves a DRAFT or RETURNED application to SUBMITTED.
func (s *Service) SubmitApplication(ctx context.Context, actor Session, applicationID string) (app store.Application, err error) {
	defer s.observe(ctx, actor, "submit_application", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Application{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionSubmit, current); err != nil {
		return store.Application{}, err
	}
	result, err := s.transition(ctx, transitionRequest{
		operation: "submit_application",
		event:     lifecycle.EventSubmit,
		actor:     actor,
		app:       current,
		facts:     lifecycle.Facts{Title: current.Title, EthicsApproved: current.EthicsApproved},
		applicantNotice: notice{
			Title: "Application submitted",
			Body:  fmt.Sprintf("Your application %q has been submitted and is awaiting screening.", current.Title),
		},
	})
	return result.Application, err
}

func (s *Service) StartScreening(ctx context.Context, actor Session, applicationID string) (app store.Application, err error) {
	defer s.observe(ctx, actor, "start_screening", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Application{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionScreen, current); err != nil {
		return store.Application{}, err
	}
	result, err := s.transition(ctx, transitionRequest{
		operation: "start_screening",
		event:     lifecycle.EventStartScreening,
		actor:     actor,
		app:       current,
	})
	return result.Application, err
}

// ReturnApplication sends an application back to the applicant with a
// correction note appended to its message thread.
func (s *Service) ReturnApplication(ctx context.Context, actor Session, applicationID, reason string) (app store.Application, err error) {
	defer s.observe(ctx, actor, "return_application", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Application{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionScreen, current); err != nil {
		return store.Application{}, err
	}
	reason = strings.TrimSpace(reason)
	result, err := s.transition(ctx, transitionRequest{
		operation: "return_application",
		event:     lifecycle.EventReturn,
		actor:     actor,
		app:       current,
		facts:     lifecycle.Facts{Reason: reason},
		applicantNotice: notice{
			Title: "Application returned for correction",
			Body:  "Returned for correction: " + reason,
		},
		prepare: func(_ context.Context, _ *intent, outcome lifecycle.Outcome, w *store.TransitionWrite) error {
			if outcome.Has(lifecycle.EffectAppendFeedback) {
				w.Message = &store.Message{SenderID: actor.UserID, Body: "Returned for correction: " + reason}
			}
			return nil
		},
	})
	return result.Application, err
}

// ForwardToReview moves a screened application to IN_REVIEW without naming a
// reviewer yet.
func (s *Service) ForwardToReview(ctx context.Context, actor Session, applicationID string) (app store.Application, err error) {
	defer s.observe(ctx, actor, "forward_to_review", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Application{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionScreen, current); err != nil {
		return store.Application{}, err
	}
	result, err := s.transition(ctx, transitionRequest{
		operation: "forward_to_review",
		event:     lifecycle.EventForward,
		actor:     actor,
		app:       current,
		applicantNotice: notice{
			Title: "Application under review",
			Body:  fmt.Sprintf("Your application %q passed screening and is now under review.", current.Title),
		},
	})
	return result.Application, err
}

// AssignReviewer creates a review slot for reviewerID on stage.
func (s *Service) AssignReviewer(ctx context.Context, actor Session, applicationID, reviewerID, stage string) (review store.Review, err error) {
	defer s.observe(ctx, actor, "assign_reviewer", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Review{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionAssignReviewer, current); err != nil {
		return store.Review{}, err
	}
	parsedStage, err := store.ParseReviewStage(stage)
	if err != nil {
		return store.Review{}, errValidation(err.Error())
	}
	reviewer, err := s.store.GetProfile(ctx, strings.TrimSpace(reviewerID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Review{}, errValidation("Reviewer does not exist")
		}
		return store.Review{}, err
	}
	if !rbac.ParseRoles(reviewer.Roles).Has(rbac.RoleReviewer) {
		return store.Review{}, errValidation("Selected user does not hold the REVIEWER role")
	}
	if reviewer.ID == current.ApplicantID {
		return store.Review{}, errValidation("Applicants cannot review their own application")
	}

	result, err := s.transition(ctx, transitionRequest{
		operation: "assign_reviewer",
		event:     lifecycle.EventAssignReviewer,
		actor:     actor,
		app:       current,
		reviewer:  &reviewer,
		reviewerNotice: notice{
			Title: "Review assigned",
			Body:  fmt.Sprintf("You have been assigned the %s review of %q.", parsedStage, current.Title),
		},
		prepare: func(_ context.Context, _ *intent, outcome lifecycle.Outcome, w *store.TransitionWrite) error {
			if outcome.Has(lifecycle.EffectCreateReview) {
				w.NewReview = &store.Review{ReviewerID: reviewer.ID, Stage: string(parsedStage)}
			}
			return nil
		},
	})
	if err != nil {
		return store.Review{}, err
	}
	return *result.Review, nil
}

var recommendations = map[string]bool{"APPROVE": true, "REJECT": true}

// SubmitReview records the assigned reviewer's recommendation. The first
// submitted review moves the application to ED_DECISION; reviews for the
// remaining stages are still accepted there without a status change.
func (s *Service) SubmitReview(ctx context.Context, actor Session, reviewID, recommendation, comments string) (review store.Review, err error) {
	defer s.observe(ctx, actor, "submit_review", &err)

	existing, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Review{}, errNotFound("Review")
		}
		return store.Review{}, err
	}
	current, err := s.loadApplication(ctx, existing.ApplicationID)
	if err != nil {
		return store.Review{}, err
	}
	res := rbac.Resource{OwnerID: current.ApplicantID, AssigneeID: existing.ReviewerID}
	if !rbac.Can(actor.Principal(), rbac.ActionSubmitReview, res) {
		return store.Review{}, errForbidden(string(rbac.ActionSubmitReview))
	}
	if existing.SubmittedAt != nil {
		return store.Review{}, errInvalidTransition("This review has already been submitted")
	}
	recommendation = strings.ToUpper(strings.TrimSpace(recommendation))
	if !recommendations[recommendation] {
		return store.Review{}, errValidation("Recommendation must be APPROVE or REJECT")
	}

	result, err := s.transition(ctx, transitionRequest{
		operation: "submit_review",
		event:     lifecycle.EventReviewSubmitted,
		actor:     actor,
		app:       current,
		prepare: func(_ context.Context, _ *intent, outcome lifecycle.Outcome, w *store.TransitionWrite) error {
			if outcome.Has(lifecycle.EffectCompleteReview) {
				w.SubmitReview = &store.Review{ID: existing.ID, Recommendation: recommendation, Comments: strings.TrimSpace(comments)}
				w.AuditEntity = "review"
			}
			return nil
		},
	})
	if err != nil {
		return store.Review{}, err
	}
	return *result.Review, nil
}

// ActivateResearch marks approved work as started.
func (s *Service) ActivateResearch(ctx context.Context, actor Session, applicationID string) (app store.Application, err error) {
	defer s.observe(ctx, actor, "activate_research", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Application{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionActivate, current); err != nil {
		return store.Application{}, err
	}
	result, err := s.transition(ctx, transitionRequest{
		operation: "activate_research",
		event:     lifecycle.EventActivate,
		actor:     actor,
		app:       current,
	})
	return result.Application, err
}

// SubmitFinal hands in the final paper. At least one FINAL_PAPER version
// must already be uploaded.
func (s *Service) SubmitFinal(ctx context.Context, actor Session, applicationID string) (app store.Application, err error) {
	defer s.observe(ctx, actor, "submit_final", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Application{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionSubmitFinal, current); err != nil {
		return store.Application{}, err
	}
	docs, err := s.store.ListDocuments(ctx, current.ID)
	if err != nil {
		return store.Application{}, err
	}
	result, err := s.transition(ctx, transitionRequest{
		operation: "submit_final",
		event:     lifecycle.EventSubmitFinal,
		actor:     actor,
		app:       current,
		facts:     lifecycle.Facts{HasFinalPaper: hasType(docs, documents.TypeFinalPaper)},
		applicantNotice: notice{
			Title: "Final submission received",
			Body:  fmt.Sprintf("Your final paper for %q was received and is awaiting closure.", current.Title),
		},
	})
	return result.Application, err
}

func (s *Service) CompleteApplication(ctx context.Context, actor Session, applicationID string) (app store.Application, err error) {
	defer s.observe(ctx, actor, "complete_application", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.Application{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionClose, current); err != nil {
		return store.Application{}, err
	}
	result, err := s.transition(ctx, transitionRequest{
		operation: "complete_application",
		event:     lifecycle.EventComplete,
		actor:     actor,
		app:       current,
		applicantNotice: notice{
			Title: "Research completed",
			Body:  fmt.Sprintf("Your research %q has been marked as completed.", current.Title),
		},
	})
	return result.Application, err
}

// transitionRequest is one lifecycle event against a loaded application.
type transitionRequest struct {
	operation string
	event     lifecycle.Event
	actor     Session
	app       store.Application
	facts     lifecycle.Facts

	// Used when the outcome carries the matching notify effect.
	applicantNotice notice
	reviewer        *store.Profile
	reviewerNotice  notice

	// prepare fills effect-specific rows and runs pre-commit steps.
	prepare func(ctx context.Context, in *intent, outcome lifecycle.Outcome, w *store.TransitionWrite) error
}

// transition is the saga every status change runs through: validate, record
// the intent, prepare, commit everything in one store transaction, then
// deliver notifications.
func (s *Service) transition(ctx context.Context, req transitionRequest) (store.TransitionResult, error) {
	from := lifecycle.Status(req.app.Status)
	outcome, err := lifecycle.Apply(from, req.event, req.facts)
	if err != nil {
		return store.TransitionResult{}, err
	}

	notices, err := s.noticesFor(ctx, req, outcome)
	if err != nil {
		return store.TransitionResult{}, err
	}

	in, err := s.beginIntent(ctx, req.operation, req.app.ID, req.actor, notices)
	if err != nil {
		return store.TransitionResult{}, err
	}

	now := s.now().UTC()
	w := store.TransitionWrite{
		IntentID:         in.id,
		ApplicationID:    req.app.ID,
		ExpectedStatuses: []string{req.app.Status},
		NextStatus:       string(outcome.To),
		ActorID:          req.actor.UserID,
		AuditAction:      string(req.event),
	}
	if outcome.Has(lifecycle.EffectStampScreeningDeadline) {
		deadline := now.Add(s.cfg.ScreeningWindow)
		w.ScreeningDeadline = &deadline
		w.SubmittedAt = &now
	}
	if outcome.Has(lifecycle.EffectStampTurnaroundDeadline) && req.app.TurnaroundDeadline == nil {
		deadline := now.Add(s.cfg.TurnaroundWindow)
		w.TurnaroundDeadline = &deadline
	}
	if req.prepare != nil {
		if err := req.prepare(ctx, in, outcome, &w); err != nil {
			s.abortIntent(ctx, in, 0, err)
			return store.TransitionResult{}, err
		}
	}

	result, err := s.store.ApplyTransition(ctx, w)
	if err != nil {
		s.abortIntent(ctx, in, 1, err)
		return store.TransitionResult{}, err
	}
	metrics.RecordTransition(string(req.event), string(from), string(outcome.To))
	s.logger.Info("application transitioned",
		zap.String("intent_id", in.id),
		zap.String("application_id", req.app.ID),
		zap.String("event", string(req.event)),
		zap.String("from", string(from)),
		zap.String("to", string(outcome.To)),
		zap.String("actor_id", req.actor.UserID),
	)

	s.finishIntent(ctx, in)
	return result, nil
}

func (s *Service) noticesFor(ctx context.Context, req transitionRequest, outcome lifecycle.Outcome) ([]notice, error) {
	var notices []notice
	link := "/applications/" + req.app.ID
	if outcome.Has(lifecycle.EffectNotifyApplicant) {
		applicant, err := s.store.GetProfile(ctx, req.app.ApplicantID)
		if err != nil {
			return nil, err
		}
		n := req.applicantNotice
		n.UserID = applicant.ID
		n.RecipientName = applicant.FullName
		n.ReferenceNumber = req.app.ReferenceNumber
		if n.Link == "" {
			n.Link = link
		}
		if outcome.Has(lifecycle.EffectEmailApplicant) {
			n.Email = applicant.Email
		}
		notices = append(notices, n)
	}
	if outcome.Has(lifecycle.EffectNotifyReviewer) && req.reviewer != nil {
		n := req.reviewerNotice
		n.UserID = req.reviewer.ID
		n.RecipientName = req.reviewer.FullName
		n.Email = req.reviewer.Email
		n.ReferenceNumber = req.app.ReferenceNumber
		n.Link = link
		notices = append(notices, n)
	}
	return notices, nil
}

func (s *Service) loadApplication(ctx context.Context, id string) (store.Application, error) {
	app, err := s.store.GetApplication(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Application{}, errNotFound("Application")
		}
		return store.Application{}, err
	}
	return app, nil
}

// authorize checks action against app. The assignee is only resolved when
// ownership and staff roles are not enough on their own.
func (s *Service) authorize(ctx context.Context, actor Session, action rbac.Action, app store.Application) error {
	principal := actor.Principal()
	res := rbac.Resource{OwnerID: app.ApplicantID}
	if rbac.Can(principal, action, res) {
		return nil
	}
	if principal.Roles.Has(rbac.RoleReviewer) {
		assigned, err := s.isAssigned(ctx, actor.UserID, app.ID)
		if err != nil {
			return err
		}
		if assigned {
			res.AssigneeID = actor.UserID
			if rbac.Can(principal, action, res) {
				return nil
			}
		}
	}
	return errForbidden(string(action))
}

func (s *Service) isAssigned(ctx context.Context, userID, applicationID string) (bool, error) {
	reviews, err := s.store.ListReviews(ctx, applicationID)
	if err != nil {
		return false, err
	}
	for _, review := range reviews {
		if review.ReviewerID == userID {
			return true, nil
		}
	}
	return false, nil
}

func hasType(docs []store.Document, t documents.Type) bool {
	for _, doc := range docs {
		if doc.DocumentType == string(t) {
			return true
		}
	}
	return false
}
