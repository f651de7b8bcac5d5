// Package rbac resolves whether a principal may perform a workflow action.
// Roles are always evaluated as a set; Primary exists only for display.
package rbac

import "sort"

type Role string
type Action string

const (
	RolePublic            Role = "PUBLIC"
	RoleApplicant         Role = "APPLICANT"
	RoleAdminOfficer      Role = "ADMIN_OFFICER"
	RoleReviewer          Role = "REVIEWER"
	RoleExecutiveDirector Role = "EXECUTIVE_DIRECTOR"
	RoleSystemAdmin       Role = "SYSTEM_ADMIN"
)

const (
	ActionCreateApplication Action = "application.create"
	ActionEditDraft         Action = "application.edit"
	ActionSubmit            Action = "application.submit"
	ActionViewApplication   Action = "application.view"
	ActionScreen            Action = "application.screen"
	ActionAssignReviewer    Action = "review.assign"
	ActionSubmitReview      Action = "review.submit"
	ActionDecide            Action = "decision.record"
	ActionActivate          Action = "application.activate"
	ActionSubmitFinal       Action = "application.final"
	ActionClose             Action = "application.close"
	ActionUploadDocument    Action = "document.upload"
	ActionDownloadDocument  Action = "document.download"
	ActionRequestExtension  Action = "extension.request"
	ActionDecideExtension   Action = "extension.decide"
	ActionVerifySignature   Action = "signature.verify"
	ActionSearchRepository  Action = "repository.search"
	ActionViewRestricted    Action = "repository.restricted"
	ActionWatchRepository   Action = "repository.watch"
	ActionViewAnalytics     Action = "repository.analytics"
	ActionViewAuditLog      Action = "audit.view"
	ActionManageRoles       Action = "roles.manage"
)

// Resource carries the ownership facts an action is checked against.
type Resource struct {
	OwnerID    string
	AssigneeID string
}

type Principal struct {
	ID    string
	Roles RoleSet
}

// Anonymous is the principal used for unauthenticated requests.
func Anonymous() Principal {
	return Principal{Roles: NewRoleSet(RolePublic)}
}

func (p Principal) Authenticated() bool {
	return p.ID != ""
}

type rule struct {
	public   bool
	owner    bool
	assignee bool
	staff    []Role
}

var rules = map[Action]rule{
	ActionCreateApplication: {staff: []Role{RoleApplicant}},
	ActionEditDraft:         {owner: true},
	ActionSubmit:            {owner: true},
	ActionViewApplication:   {owner: true, assignee: true, staff: []Role{RoleAdminOfficer, RoleReviewer, RoleExecutiveDirector}},
	ActionScreen:            {staff: []Role{RoleAdminOfficer}},
	ActionAssignReviewer:    {staff: []Role{RoleAdminOfficer}},
	ActionSubmitReview:      {assignee: true},
	ActionDecide:            {staff: []Role{RoleExecutiveDirector}},
	ActionActivate:          {owner: true, staff: []Role{RoleAdminOfficer}},
	ActionSubmitFinal:       {owner: true},
	ActionClose:             {staff: []Role{RoleAdminOfficer}},
	ActionUploadDocument:    {owner: true, staff: []Role{RoleAdminOfficer}},
	ActionDownloadDocument:  {owner: true, assignee: true, staff: []Role{RoleAdminOfficer, RoleReviewer, RoleExecutiveDirector}},
	ActionRequestExtension:  {owner: true},
	ActionDecideExtension:   {staff: []Role{RoleAdminOfficer, RoleExecutiveDirector}},
	ActionVerifySignature:   {public: true},
	ActionSearchRepository:  {public: true},
	ActionViewRestricted:    {staff: []Role{RoleApplicant, RoleAdminOfficer, RoleReviewer, RoleExecutiveDirector}},
	ActionWatchRepository:   {staff: []Role{RoleApplicant, RoleAdminOfficer, RoleReviewer, RoleExecutiveDirector}},
	ActionViewAnalytics:     {staff: []Role{RoleAdminOfficer, RoleExecutiveDirector}},
	ActionViewAuditLog:      {staff: []Role{RoleSystemAdmin}},
	ActionManageRoles:       {staff: []Role{RoleSystemAdmin}},
}

// Can reports whether the principal may perform action on resource. Unknown
// actions are denied. It never panics and has no side effects.
func Can(p Principal, action Action, res Resource) bool {
	r, ok := rules[action]
	if !ok {
		return false
	}
	if r.public {
		return true
	}
	if !p.Authenticated() {
		return false
	}
	if r.owner && res.OwnerID != "" && res.OwnerID == p.ID && p.Roles.Has(RoleApplicant) {
		return true
	}
	if r.assignee && res.AssigneeID != "" && res.AssigneeID == p.ID && p.Roles.Has(RoleReviewer) {
		return true
	}
	if len(r.staff) == 0 {
		return false
	}
	if p.Roles.Has(RoleSystemAdmin) {
		return true
	}
	return p.Roles.HasAny(r.staff...)
}

// RoleSet is an unordered set of roles held by one principal.
type RoleSet map[Role]struct{}

func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, role := range roles {
		set[role] = struct{}{}
	}
	return set
}

// ParseRoles builds a set from stored role names, skipping unknown values.
func ParseRoles(values []string) RoleSet {
	set := make(RoleSet, len(values))
	for _, value := range values {
		if role, ok := Normalize(value); ok {
			set[role] = struct{}{}
		}
	}
	return set
}

func (s RoleSet) Has(role Role) bool {
	_, ok := s[role]
	return ok
}

func (s RoleSet) HasAny(roles ...Role) bool {
	for _, role := range roles {
		if s.Has(role) {
			return true
		}
	}
	return false
}

// Staff reports whether the set holds any non-applicant workflow role.
func (s RoleSet) Staff() bool {
	return s.HasAny(RoleAdminOfficer, RoleReviewer, RoleExecutiveDirector, RoleSystemAdmin)
}

func (s RoleSet) Strings() []string {
	out := make([]string, 0, len(s))
	for role := range s {
		out = append(out, string(role))
	}
	sort.Strings(out)
	return out
}

var displayPrecedence = []Role{
	RoleSystemAdmin,
	RoleExecutiveDirector,
	RoleAdminOfficer,
	RoleReviewer,
	RoleApplicant,
}

// Primary returns the single role used as a display label.
func Primary(s RoleSet) Role {
	for _, role := range displayPrecedence {
		if s.Has(role) {
			return role
		}
	}
	return RolePublic
}

func Normalize(role string) (Role, bool) {
	switch Role(role) {
	case RolePublic, RoleApplicant, RoleAdminOfficer, RoleReviewer, RoleExecutiveDirector, RoleSystemAdmin:
		return Role(role), true
	default:
		return "", false
	}
}
