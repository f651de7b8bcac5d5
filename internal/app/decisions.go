package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rars/api/internal/documents"
	"rars/api/internal/letters"
	"rars/api/internal/lifecycle"
	"rars/api/internal/rbac"
	"rars/api/internal/search"
	"rars/api/internal/signature"
	"rars/api/internal/store"
)

const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

type DecisionResult struct {
	Application store.Application        `json:"application"`
	Decision    store.Decision           `json:"decision"`
	Signature   *store.ApprovalSignature `json:"signature,omitempty"`
	Letter      *store.Document          `json:"letter,omitempty"`
	VerifyURL   string                   `json:"verifyUrl,omitempty"`
}

// RecordDecision issues the binding verdict on an application in
// ED_DECISION. Approval also issues a verification signature; both outcomes
// store a rendered letter.
func (s *Service) RecordDecision(ctx context.Context, actor Session, applicationID, decision, notes string) (result DecisionResult, err error) {
	defer s.observe(ctx, actor, "record_decision", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return DecisionResult{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionDecide, current); err != nil {
		return DecisionResult{}, err
	}
	decision = strings.ToUpper(strings.TrimSpace(decision))
	var event lifecycle.Event
	switch decision {
	case DecisionApproved:
		event = lifecycle.EventApprove
	case DecisionRejected:
		event = lifecycle.EventReject
	default:
		return DecisionResult{}, errValidation("Decision must be APPROVED or REJECTED")
	}
	applicant, err := s.store.GetProfile(ctx, current.ApplicantID)
	if err != nil {
		return DecisionResult{}, err
	}
	notes = strings.TrimSpace(notes)
	payload := signature.Payload{
		ReferenceNumber: current.ReferenceNumber,
		Title:           current.Title,
		ApplicantName:   applicant.FullName,
		Decision:        decision,
	}

	var verifyURL string
	written, err := s.transition(ctx, transitionRequest{
		operation: "record_decision",
		event:     event,
		actor:     actor,
		app:       current,
		applicantNotice: notice{
			Title: "Decision recorded: " + decisionLabel(decision),
			Body:  decisionBody(current.Title, decision),
		},
		prepare: func(ctx context.Context, _ *intent, outcome lifecycle.Outcome, w *store.TransitionWrite) error {
			now := s.now().UTC()
			if outcome.Has(lifecycle.EffectCreateDecision) {
				w.Decision = &store.Decision{
					Decision:        decision,
					DecidedBy:       actor.UserID,
					Notes:           notes,
					ReferenceNumber: payload.ReferenceNumber,
					Title:           payload.Title,
					ApplicantName:   payload.ApplicantName,
				}
			}
			letterData := letters.Data{
				ReferenceNumber: payload.ReferenceNumber,
				Title:           payload.Title,
				ApplicantName:   payload.ApplicantName,
				Institution:     applicant.Institution,
				Decision:        decision,
				DecisionDate:    now,
				DecidedBy:       actor.UserName,
				Notes:           notes,
			}
			if outcome.Has(lifecycle.EffectIssueSignature) {
				token := signature.NewToken()
				w.Signature = &store.ApprovalSignature{Token: token, PayloadHash: signature.Hash(payload, token), IssuedAt: now}
				verifyURL = signature.VerifyURL(s.cfg.PublicBaseURL, token)
				letterData.VerifyURL = verifyURL
				letterData.PayloadHash = w.Signature.PayloadHash
			}
			if outcome.Has(lifecycle.EffectGenerateLetter) {
				letter, err := s.storeLetter(ctx, actor, current, letterData)
				if err != nil {
					return err
				}
				w.LetterDocument = letter
			}
			return nil
		},
	})
	if err != nil {
		return DecisionResult{}, err
	}

	result = DecisionResult{
		Application: written.Application,
		Signature:   written.Signature,
		Letter:      written.LetterDocument,
		VerifyURL:   verifyURL,
	}
	if written.Decision != nil {
		result.Decision = *written.Decision
	}
	return result, nil
}

// storeLetter renders the letter and uploads it before the decision commits.
// The blob key is derived from the decision, so a retried attempt overwrites
// rather than duplicates.
func (s *Service) storeLetter(ctx context.Context, actor Session, app store.Application, data letters.Data) (*store.Document, error) {
	if s.letters == nil {
		return nil, errors.New("letter renderer not configured")
	}
	letter, err := s.letters.Render(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("render letter: %w", err)
	}
	key := documents.LetterKey(actor.UserID, app.ID, data.Decision, letter.Extension)
	if err := s.blobs.Upload(ctx, key, letter.Data, letter.MimeType); err != nil {
		return nil, fmt.Errorf("upload letter: %w", err)
	}
	docType := documents.TypeRejectionLetter
	if data.Approved() {
		docType = documents.TypeApprovalLetter
	}
	return &store.Document{
		DocumentType: string(docType),
		FileName:     letter.FileName,
		FilePath:     key,
		MimeType:     letter.MimeType,
		SizeBytes:    int64(len(letter.Data)),
		UploadedBy:   actor.UserID,
	}, nil
}

func decisionLabel(decision string) string {
	if decision == DecisionApproved {
		return "Approved"
	}
	return "Rejected"
}

func decisionBody(title, decision string) string {
	if decision == DecisionApproved {
		return fmt.Sprintf("Your application %q has been approved. Your signed approval letter is available in the portal.", title)
	}
	return fmt.Sprintf("Your application %q was not approved. The decision letter is available in the portal.", title)
}

// Verification is the public answer for one token. An invalid answer never
// says why.
type Verification struct {
	Valid           bool       `json:"valid"`
	IssuedAt        *time.Time `json:"issuedAt,omitempty"`
	Decision        string     `json:"decision,omitempty"`
	DecisionDate    *time.Time `json:"decisionDate,omitempty"`
	ReferenceNumber string     `json:"referenceNumber,omitempty"`
	Title           string     `json:"title,omitempty"`
	ApplicantName   string     `json:"applicantName,omitempty"`
	PayloadHash     string     `json:"payloadHash,omitempty"`
}

// VerifyToken checks a letter's verification token. The hash is recomputed
// from the stored decision snapshot; nothing the client sends besides the
// token is trusted.
func (s *Service) VerifyToken(ctx context.Context, token string) (Verification, error) {
	token = strings.TrimSpace(token)
	if !signature.WellFormed(token) {
		return Verification{Valid: false}, nil
	}
	signed, err := s.store.GetSignedDecision(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Verification{Valid: false}, nil
		}
		return Verification{}, asDomainError(err)
	}
	d := signed.Decision
	payload := signature.Payload{
		ReferenceNumber: d.ReferenceNumber,
		Title:           d.Title,
		ApplicantName:   d.ApplicantName,
		Decision:        d.Decision,
	}
	if !signature.Verify(payload, signed.Signature.Token, signed.Signature.PayloadHash) {
		s.logger.Warn("signature hash mismatch", zap.String("decision_id", d.ID))
		return Verification{Valid: false}, nil
	}
	issued := signed.Signature.IssuedAt
	decided := d.DecisionDate
	return Verification{
		Valid:           true,
		IssuedAt:        &issued,
		Decision:        d.Decision,
		DecisionDate:    &decided,
		ReferenceNumber: d.ReferenceNumber,
		Title:           d.Title,
		ApplicantName:   d.ApplicantName,
		PayloadHash:     signed.Signature.PayloadHash,
	}, nil
}

// PublishInput is the publication metadata closure requires.
type PublishInput struct {
	PublicationYear int      `json:"publicationYear"`
	Keywords        []string `json:"keywords"`
	Institution     string   `json:"institution"`
	ProgramArea     string   `json:"programArea"`
	Restricted      bool     `json:"restricted"`
}

// PublishToRepository closes an application into the public repository.
func (s *Service) PublishToRepository(ctx context.Context, actor Session, applicationID string, in PublishInput) (item store.RepositoryItem, err error) {
	defer s.observe(ctx, actor, "publish_repository", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return store.RepositoryItem{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionClose, current); err != nil {
		return store.RepositoryItem{}, err
	}
	keywords := normalizeKeywords(in.Keywords)
	institution := strings.TrimSpace(in.Institution)
	if in.PublicationYear > s.now().Year()+1 {
		return store.RepositoryItem{}, errValidation("Publication year cannot be in the future")
	}

	written, err := s.transition(ctx, transitionRequest{
		operation: "publish_repository",
		event:     lifecycle.EventPublish,
		actor:     actor,
		app:       current,
		facts: lifecycle.Facts{
			PublicationYear: in.PublicationYear,
			Institution:     institution,
			Keywords:        keywords,
		},
		applicantNotice: notice{
			Title: "Research published",
			Body:  fmt.Sprintf("Your research %q is now listed in the research repository.", current.Title),
			Link:  "/repository",
		},
		prepare: func(_ context.Context, _ *intent, outcome lifecycle.Outcome, w *store.TransitionWrite) error {
			if outcome.Has(lifecycle.EffectCreateRepositoryItem) {
				w.RepositoryItem = &store.RepositoryItem{
					Title:           current.Title,
					Abstract:        current.Abstract,
					Keywords:        keywords,
					PublicationYear: in.PublicationYear,
					Institution:     institution,
					ProgramArea:     strings.TrimSpace(in.ProgramArea),
					PublicVisible:   true,
					Restricted:      in.Restricted,
				}
			}
			return nil
		},
	})
	if err != nil {
		return store.RepositoryItem{}, err
	}
	published := *written.RepositoryItem
	if s.search != nil {
		s.search.IndexItem(search.RepositoryRecord{
			ID:              published.ID,
			ApplicationID:   published.ApplicationID,
			Title:           published.Title,
			Abstract:        published.Abstract,
			Keywords:        published.Keywords,
			PublicationYear: published.PublicationYear,
			Institution:     published.Institution,
			ProgramArea:     published.ProgramArea,
			Restricted:      published.Restricted,
		})
	}
	return published, nil
}

func normalizeKeywords(values []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, value := range values {
		keyword := strings.TrimSpace(value)
		key := strings.ToLower(keyword)
		if keyword == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, keyword)
	}
	return out
}
