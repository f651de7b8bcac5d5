// Package lifecycle is the single transition table for research applications.
// Apply is pure: it validates a requested event against the current status and
// the caller-supplied facts, and returns the next status plus the effects the
// caller must carry out. It never touches storage.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusDraft                  Status = "DRAFT"
	StatusSubmitted              Status = "SUBMITTED"
	StatusScreening              Status = "SCREENING"
	StatusReturned               Status = "RETURNED"
	StatusInReview               Status = "IN_REVIEW"
	StatusEDDecision             Status = "ED_DECISION"
	StatusApproved               Status = "APPROVED"
	StatusRejected               Status = "REJECTED"
	StatusActiveResearch         Status = "ACTIVE_RESEARCH"
	StatusFinalSubmissionPending Status = "FINAL_SUBMISSION_PENDING"
	StatusCompleted              Status = "COMPLETED"
	StatusPublished              Status = "PUBLISHED"
)

var allStatuses = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusScreening,
	StatusReturned,
	StatusInReview,
	StatusEDDecision,
	StatusApproved,
	StatusRejected,
	StatusActiveResearch,
	StatusFinalSubmissionPending,
	StatusCompleted,
	StatusPublished,
}

type Event string

const (
	EventSubmit          Event = "SUBMIT"
	EventStartScreening  Event = "START_SCREENING"
	EventReturn          Event = "RETURN_FOR_CORRECTION"
	EventForward         Event = "FORWARD_TO_REVIEW"
	EventAssignReviewer  Event = "ASSIGN_REVIEWER"
	EventReviewSubmitted Event = "SUBMIT_REVIEW"
	EventApprove         Event = "APPROVE"
	EventReject          Event = "REJECT"
	EventActivate        Event = "ACTIVATE_RESEARCH"
	EventSubmitFinal     Event = "FINAL_SUBMISSION"
	EventComplete        Event = "COMPLETE"
	EventPublish         Event = "PUBLISH_REPOSITORY"
)

type Effect string

const (
	EffectStampScreeningDeadline  Effect = "stamp_screening_deadline"
	EffectStampTurnaroundDeadline Effect = "stamp_turnaround_deadline"
	EffectAppendFeedback          Effect = "append_feedback_message"
	EffectCreateReview            Effect = "create_review"
	EffectCompleteReview          Effect = "complete_review"
	EffectCreateDecision          Effect = "create_decision"
	EffectIssueSignature          Effect = "issue_signature"
	EffectGenerateLetter          Effect = "generate_letter"
	EffectCreateRepositoryItem    Effect = "create_repository_item"
	EffectNotifyApplicant         Effect = "notify_applicant"
	EffectEmailApplicant          Effect = "email_applicant"
	EffectNotifyReviewer          Effect = "notify_reviewer"
)

var (
	// ErrInvalidTransition covers wrong source states and failed guards.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrValidation covers missing or malformed input a guard depends on.
	ErrValidation = errors.New("validation failed")
)

// TransitionError explains why an event was refused. It unwraps to
// ErrInvalidTransition or ErrValidation.
type TransitionError struct {
	Event  Event
	From   Status
	Reason string
	kind   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s from %s: %s", e.Event, e.From, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return e.kind
}

// Facts are the inputs guards are evaluated against.
type Facts struct {
	Title           string
	EthicsApproved  bool
	Reason          string
	HasFinalPaper   bool
	PublicationYear int
	Institution     string
	Keywords        []string
}

type Outcome struct {
	Event   Event
	From    Status
	To      Status
	Effects []Effect
}

func (o Outcome) Has(effect Effect) bool {
	for _, e := range o.Effects {
		if e == effect {
			return true
		}
	}
	return false
}

type transition struct {
	from []Status
	// hold lists statuses the event may also fire from without moving the
	// application.
	hold    []Status
	to      Status
	guard   func(Facts) (string, error)
	effects []Effect
}

var table = map[Event]transition{
	EventSubmit: {
		from:    []Status{StatusDraft, StatusReturned},
		to:      StatusSubmitted,
		guard:   submissionGuard,
		effects: []Effect{EffectStampScreeningDeadline, EffectNotifyApplicant, EffectEmailApplicant},
	},
	EventStartScreening: {
		from: []Status{StatusSubmitted},
		to:   StatusScreening,
	},
	EventReturn: {
		from: []Status{StatusSubmitted, StatusScreening},
		to:   StatusReturned,
		guard: func(f Facts) (string, error) {
			if strings.TrimSpace(f.Reason) == "" {
				return "a reason for return is required", ErrValidation
			}
			return "", nil
		},
		effects: []Effect{EffectAppendFeedback, EffectNotifyApplicant, EffectEmailApplicant},
	},
	EventForward: {
		from:    []Status{StatusSubmitted, StatusScreening},
		to:      StatusInReview,
		effects: []Effect{EffectStampTurnaroundDeadline, EffectNotifyApplicant},
	},
	EventAssignReviewer: {
		from:    []Status{StatusSubmitted, StatusScreening, StatusInReview},
		to:      StatusInReview,
		effects: []Effect{EffectCreateReview, EffectStampTurnaroundDeadline, EffectNotifyReviewer},
	},
	EventReviewSubmitted: {
		from:    []Status{StatusInReview},
		hold:    []Status{StatusEDDecision},
		to:      StatusEDDecision,
		effects: []Effect{EffectCompleteReview},
	},
	EventApprove: {
		from: []Status{StatusEDDecision},
		to:   StatusApproved,
		effects: []Effect{
			EffectCreateDecision, EffectIssueSignature, EffectGenerateLetter,
			EffectNotifyApplicant, EffectEmailApplicant,
		},
	},
	EventReject: {
		from: []Status{StatusEDDecision},
		to:   StatusRejected,
		effects: []Effect{
			EffectCreateDecision, EffectGenerateLetter,
			EffectNotifyApplicant, EffectEmailApplicant,
		},
	},
	EventActivate: {
		from: []Status{StatusApproved},
		to:   StatusActiveResearch,
	},
	EventSubmitFinal: {
		from: []Status{StatusApproved, StatusActiveResearch},
		to:   StatusFinalSubmissionPending,
		guard: func(f Facts) (string, error) {
			if !f.HasFinalPaper {
				return "a FINAL_PAPER document must be uploaded first", ErrInvalidTransition
			}
			return "", nil
		},
		effects: []Effect{EffectNotifyApplicant},
	},
	EventComplete: {
		from:    []Status{StatusFinalSubmissionPending},
		to:      StatusCompleted,
		effects: []Effect{EffectNotifyApplicant},
	},
	EventPublish: {
		from:    []Status{StatusFinalSubmissionPending, StatusCompleted},
		to:      StatusPublished,
		guard:   publicationGuard,
		effects: []Effect{EffectCreateRepositoryItem, EffectNotifyApplicant, EffectEmailApplicant},
	},
}

func submissionGuard(f Facts) (string, error) {
	if strings.TrimSpace(f.Title) == "" {
		return "Please enter a research title", ErrValidation
	}
	if !f.EthicsApproved {
		return "Ethics approval is mandatory before submission", ErrInvalidTransition
	}
	return "", nil
}

func publicationGuard(f Facts) (string, error) {
	if f.PublicationYear <= 0 {
		return "publication year is required", ErrValidation
	}
	if strings.TrimSpace(f.Institution) == "" {
		return "institution is required", ErrValidation
	}
	if len(f.Keywords) == 0 {
		return "at least one keyword is required", ErrValidation
	}
	return "", nil
}

// Apply evaluates event against from. The returned outcome is only meaningful
// when err is nil.
func Apply(from Status, event Event, facts Facts) (Outcome, error) {
	t, ok := table[event]
	if !ok {
		return Outcome{}, &TransitionError{Event: event, From: from, Reason: "unknown event", kind: ErrInvalidTransition}
	}
	if !Valid(from) {
		return Outcome{}, &TransitionError{Event: event, From: from, Reason: "unknown status", kind: ErrInvalidTransition}
	}
	if !contains(t.from, from) && !contains(t.hold, from) {
		return Outcome{}, &TransitionError{
			Event:  event,
			From:   from,
			Reason: fmt.Sprintf("not allowed while application is %s", from),
			kind:   ErrInvalidTransition,
		}
	}
	if t.guard != nil {
		if reason, err := t.guard(facts); err != nil {
			return Outcome{}, &TransitionError{Event: event, From: from, Reason: reason, kind: err}
		}
	}
	to := t.to
	if contains(t.hold, from) {
		to = from
	}
	return Outcome{
		Event:   event,
		From:    from,
		To:      to,
		Effects: append([]Effect(nil), t.effects...),
	}, nil
}

// Sources lists the statuses from which event may fire.
func Sources(event Event) []Status {
	t := table[event]
	return append(append([]Status(nil), t.from...), t.hold...)
}

// Available lists the events that may fire from status, guards aside.
func Available(from Status) []Event {
	var events []Event
	for _, event := range eventOrder {
		if t := table[event]; contains(t.from, from) || contains(t.hold, from) {
			events = append(events, event)
		}
	}
	return events
}

var eventOrder = []Event{
	EventSubmit, EventStartScreening, EventReturn, EventForward, EventAssignReviewer,
	EventReviewSubmitted, EventApprove, EventReject, EventActivate, EventSubmitFinal,
	EventComplete, EventPublish,
}

func Valid(s Status) bool {
	return contains(allStatuses, s)
}

// Terminal reports whether no event can leave s.
func Terminal(s Status) bool {
	return s == StatusRejected || s == StatusPublished
}

func Statuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// Editable reports whether the applicant may change draft fields in s.
func Editable(s Status) bool {
	return s == StatusDraft || s == StatusReturned
}

// ExtensionEligible reports whether an end-date extension may be requested in s.
func ExtensionEligible(s Status) bool {
	return s == StatusApproved || s == StatusActiveResearch
}

func contains(list []Status, s Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
