package app

import (
	"context"
	"errors"
	"strings"

	"rars/api/internal/documents"
	"rars/api/internal/lifecycle"
	"rars/api/internal/rbac"
	"rars/api/internal/search"
	"rars/api/internal/store"
)

type ApplicationDetail struct {
	Application store.Application       `json:"application"`
	Documents   []store.Document        `json:"documents"`
	Checklist   map[documents.Type]bool `json:"checklist"`
	Reviews     []store.Review          `json:"reviews,omitempty"`
	Messages    []store.Message         `json:"messages"`
	Extensions  []store.Extension       `json:"extensions"`
	Decision    *store.Decision         `json:"decision,omitempty"`
	NextEvents  []lifecycle.Event       `json:"nextEvents"`
}

// GetApplicationDetail assembles the application page. Documents are
// reduced to the latest version per type; reviews are only shown to staff
// and assigned reviewers.
func (s *Service) GetApplicationDetail(ctx context.Context, actor Session, applicationID string) (detail ApplicationDetail, err error) {
	defer s.observe(ctx, actor, "view_application", &err)

	current, err := s.loadApplication(ctx, applicationID)
	if err != nil {
		return ApplicationDetail{}, err
	}
	if err := s.authorize(ctx, actor, rbac.ActionViewApplication, current); err != nil {
		return ApplicationDetail{}, err
	}

	docs, err := s.store.ListDocuments(ctx, current.ID)
	if err != nil {
		return ApplicationDetail{}, err
	}
	checklist, err := s.checklistFor(ctx, current)
	if err != nil {
		return ApplicationDetail{}, err
	}
	messages, err := s.store.ListMessages(ctx, current.ID)
	if err != nil {
		return ApplicationDetail{}, err
	}
	extensions, err := s.store.ListExtensions(ctx, current.ID)
	if err != nil {
		return ApplicationDetail{}, err
	}
	detail = ApplicationDetail{
		Application: current,
		Documents:   latestVersions(docs),
		Checklist:   checklist,
		Messages:    messages,
		Extensions:  extensions,
		NextEvents:  lifecycle.Available(lifecycle.Status(current.Status)),
	}

	if actor.UserID != current.ApplicantID || actor.Roles.Staff() {
		reviews, err := s.store.ListReviews(ctx, current.ID)
		if err != nil {
			return ApplicationDetail{}, err
		}
		detail.Reviews = reviews
	}

	decision, err := s.store.GetDecisionForApplication(ctx, current.ID)
	switch {
	case err == nil:
		detail.Decision = &decision
	case !errors.Is(err, store.ErrNotFound):
		return ApplicationDetail{}, err
	}
	return detail, nil
}

// latestVersions keeps the first document per type; the store lists the
// newest version first.
func latestVersions(docs []store.Document) []store.Document {
	seen := map[string]bool{}
	out := []store.Document{}
	for _, doc := range docs {
		if seen[doc.DocumentType] {
			continue
		}
		seen[doc.DocumentType] = true
		out = append(out, doc)
	}
	return out
}

// ListApplications scopes the listing by role: staff see everything,
// reviewers see their assignments and applicants see their own.
func (s *Service) ListApplications(ctx context.Context, actor Session, status string, limit int) (apps []store.Application, err error) {
	defer s.observe(ctx, actor, "list_applications", &err)

	status = strings.ToUpper(strings.TrimSpace(status))
	if status != "" && !lifecycle.Valid(lifecycle.Status(status)) {
		return nil, errValidation("Unknown status filter " + status)
	}
	filter := store.ApplicationFilter{Status: status, Limit: limit}
	switch roles := actor.Principal().Roles; {
	case roles.HasAny(rbac.RoleAdminOfficer, rbac.RoleExecutiveDirector, rbac.RoleSystemAdmin):
	case roles.Has(rbac.RoleReviewer):
		filter.ReviewerID = actor.UserID
	case roles.Has(rbac.RoleApplicant):
		filter.ApplicantID = actor.UserID
	default:
		return nil, errForbidden(string(rbac.ActionViewApplication))
	}
	return s.store.ListApplications(ctx, filter)
}

func (s *Service) ListAuditLogs(ctx context.Context, actor Session, entityID string, limit int) (entries []store.AuditEntry, err error) {
	defer s.observe(ctx, actor, "list_audit_logs", &err)

	if !rbac.Can(actor.Principal(), rbac.ActionViewAuditLog, rbac.Resource{}) {
		return nil, errForbidden(string(rbac.ActionViewAuditLog))
	}
	return s.store.ListAuditLogs(ctx, strings.TrimSpace(entityID), limit)
}

func (s *Service) ListNotifications(ctx context.Context, actor Session, unreadOnly bool, limit int) ([]store.Notification, error) {
	if actor.UserID == "" {
		return nil, asDomainError(errForbidden("notifications.list"))
	}
	items, err := s.store.ListNotifications(ctx, actor.UserID, unreadOnly, limit)
	if err != nil {
		return nil, asDomainError(err)
	}
	return items, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, actor Session, notificationID string) error {
	if actor.UserID == "" {
		return asDomainError(errForbidden("notifications.read"))
	}
	if err := s.store.MarkNotificationRead(ctx, strings.TrimSpace(notificationID), actor.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound("Notification")
		}
		return asDomainError(err)
	}
	return nil
}

// GrantRole adds a role to a user's set.
func (s *Service) GrantRole(ctx context.Context, actor Session, userID, role string) (err error) {
	defer s.observe(ctx, actor, "grant_role", &err)

	target, parsed, err := s.roleChange(ctx, actor, userID, role)
	if err != nil {
		return err
	}
	return s.store.GrantRole(ctx, target.ID, string(parsed), actor.UserID)
}

// RevokeRole removes a role. Administrators cannot drop their own
// SYSTEM_ADMIN role.
func (s *Service) RevokeRole(ctx context.Context, actor Session, userID, role string) (err error) {
	defer s.observe(ctx, actor, "revoke_role", &err)

	target, parsed, err := s.roleChange(ctx, actor, userID, role)
	if err != nil {
		return err
	}
	if target.ID == actor.UserID && parsed == rbac.RoleSystemAdmin {
		return errValidation("You cannot revoke your own SYSTEM_ADMIN role")
	}
	return s.store.RevokeRole(ctx, target.ID, string(parsed), actor.UserID)
}

func (s *Service) roleChange(ctx context.Context, actor Session, userID, role string) (store.Profile, rbac.Role, error) {
	if !rbac.Can(actor.Principal(), rbac.ActionManageRoles, rbac.Resource{}) {
		return store.Profile{}, "", errForbidden(string(rbac.ActionManageRoles))
	}
	parsed, ok := rbac.Normalize(strings.ToUpper(strings.TrimSpace(role)))
	if !ok || parsed == rbac.RolePublic {
		return store.Profile{}, "", errValidation("Unknown role " + role)
	}
	target, err := s.store.GetProfile(ctx, strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Profile{}, "", errNotFound("User")
		}
		return store.Profile{}, "", err
	}
	return target, parsed, nil
}

// SearchRepository lists published research. Restricted items are only
// returned to signed-in portal users.
func (s *Service) SearchRepository(ctx context.Context, actor Session, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.Institution = strings.TrimSpace(q.Institution)
	q.IncludeRestricted = rbac.Can(actor.Principal(), rbac.ActionViewRestricted, rbac.Resource{})
	if s.search != nil {
		return s.search.Search(ctx, q), nil
	}

	items, err := s.store.ListRepositoryItems(ctx, q.IncludeRestricted, q.Limit, q.Offset)
	if err != nil {
		return search.Response{}, asDomainError(err)
	}
	results := make([]search.Result, 0, len(items))
	for _, item := range items {
		results = append(results, search.Result{
			ID:              item.ID,
			ApplicationID:   item.ApplicationID,
			Title:           item.Title,
			Snippet:         item.Abstract,
			Keywords:        item.Keywords,
			PublicationYear: item.PublicationYear,
			Institution:     item.Institution,
			ProgramArea:     item.ProgramArea,
			Restricted:      item.Restricted,
		})
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}, nil
}
