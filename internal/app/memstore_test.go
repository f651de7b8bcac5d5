package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"rars/api/internal/store"
	"rars/api/internal/util"
)

// memStore is an in-memory DataStore with the same transactional contract
// as the Postgres store: every write method is atomic under mu.
type memStore struct {
	mu sync.Mutex

	profiles      map[string]store.Profile
	applications  map[string]store.Application
	reviews       map[string]store.Review
	documents     []store.Document
	decisions     map[string]store.Decision
	signatures    map[string]store.ApprovalSignature
	messages      []store.Message
	extensions    map[string]store.Extension
	repository    []store.RepositoryItem
	accessLogs    []store.AccessLog
	watchlist     []watchEntry
	notifications []store.Notification
	audit         []store.AuditEntry
	intents       map[string]store.Intent
	downloads     int
	seq           int

	pingErr error
	// failNotifications makes the next n workflow InsertNotification calls fail.
	failNotifications int
	failApply         error
}

type watchEntry struct {
	userID, itemID string
	at             time.Time
}

func newMemStore() *memStore {
	return &memStore{
		profiles:     map[string]store.Profile{},
		applications: map[string]store.Application{},
		reviews:      map[string]store.Review{},
		decisions:    map[string]store.Decision{},
		signatures:   map[string]store.ApprovalSignature{},
		extensions:   map[string]store.Extension{},
		intents:      map[string]store.Intent{},
	}
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) addProfile(id, name string, roles ...string) store.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := store.Profile{
		ID:            id,
		FullName:      name,
		Email:         id + "@example.org",
		ApplicantType: "ACADEMIC",
		Institution:   "National University",
		Roles:         roles,
	}
	m.profiles[id] = p
	return p
}

// checkEnum mirrors the schema CHECK constraints.
func checkEnum[T ~string](column, value string, allowed []T) error {
	if slices.Contains(allowed, T(value)) {
		return nil
	}
	return fmt.Errorf("%w: %s %q", store.ErrInvalidValue, column, value)
}

func checkApplication(app store.Application) error {
	if err := checkEnum("data_type", app.DataType, store.DataTypes); err != nil {
		return err
	}
	return checkEnum("sensitivity_level", app.SensitivityLevel, store.SensitivityLevels)
}

func (m *memStore) CreateProfile(_ context.Context, p store.Profile) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ApplicantType == "" {
		p.ApplicantType = string(store.ApplicantOther)
	}
	if err := checkEnum("applicant_type", p.ApplicantType, store.ApplicantTypes); err != nil {
		return store.Profile{}, err
	}
	for _, existing := range m.profiles {
		if existing.Email == p.Email {
			return store.Profile{}, store.ErrDuplicate
		}
	}
	if p.ID == "" {
		p.ID = util.NewID("usr")
	}
	p.CreatedAt = time.Now().UTC()
	m.profiles[p.ID] = p
	return p, nil
}

func (m *memStore) GetProfile(_ context.Context, id string) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memStore) GetProfileByEmail(_ context.Context, email string) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.Email == email {
			return p, nil
		}
	}
	return store.Profile{}, store.ErrNotFound
}

func (m *memStore) GrantRole(_ context.Context, userID, role, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(p.Roles, role) {
		p.Roles = append(slices.Clone(p.Roles), role)
	}
	m.profiles[userID] = p
	return nil
}

func (m *memStore) RevokeRole(_ context.Context, userID, role, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return store.ErrNotFound
	}
	p.Roles = slices.DeleteFunc(slices.Clone(p.Roles), func(r string) bool { return r == role })
	m.profiles[userID] = p
	return nil
}

func (m *memStore) CreateApplication(_ context.Context, app store.Application) (store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkApplication(app); err != nil {
		return store.Application{}, err
	}
	m.seq++
	app.ID = util.NewID("app")
	app.ReferenceNumber = fmt.Sprintf("RARS-2026-%05d", m.seq)
	app.Status = "DRAFT"
	app.CreatedAt = time.Now().UTC()
	app.UpdatedAt = app.CreatedAt
	m.applications[app.ID] = app
	return app, nil
}

func (m *memStore) GetApplication(_ context.Context, id string) (store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.applications[id]
	if !ok {
		return store.Application{}, store.ErrNotFound
	}
	return app, nil
}

func (m *memStore) UpdateDraft(_ context.Context, app store.Application) (store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.applications[app.ID]
	if !ok {
		return store.Application{}, store.ErrNotFound
	}
	if current.Status != "DRAFT" && current.Status != "RETURNED" {
		return store.Application{}, store.ErrStaleStatus
	}
	if err := checkApplication(app); err != nil {
		return store.Application{}, err
	}
	app.Status = current.Status
	app.EthicsApproved = current.EthicsApproved
	app.UpdatedAt = time.Now().UTC()
	m.applications[app.ID] = app
	return app, nil
}

func (m *memStore) ListApplications(_ context.Context, filter store.ApplicationFilter) ([]store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Application{}
	for _, app := range m.applications {
		if filter.ApplicantID != "" && app.ApplicantID != filter.ApplicantID {
			continue
		}
		if filter.Status != "" && app.Status != filter.Status {
			continue
		}
		if filter.ReviewerID != "" && !m.assignedLocked(filter.ReviewerID, app.ID) {
			continue
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceNumber < out[j].ReferenceNumber })
	return out, nil
}

func (m *memStore) assignedLocked(reviewerID, applicationID string) bool {
	for _, r := range m.reviews {
		if r.ReviewerID == reviewerID && r.ApplicationID == applicationID {
			return true
		}
	}
	return false
}

func (m *memStore) GetReview(_ context.Context, id string) (store.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reviews[id]
	if !ok {
		return store.Review{}, store.ErrNotFound
	}
	return r, nil
}

func (m *memStore) ListReviews(_ context.Context, applicationID string) ([]store.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Review{}
	for _, r := range m.reviews {
		if r.ApplicationID == applicationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) GetDecisionForApplication(_ context.Context, applicationID string) (store.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.decisions {
		if d.ApplicationID == applicationID {
			return d, nil
		}
	}
	return store.Decision{}, store.ErrNotFound
}

func (m *memStore) GetSignedDecision(_ context.Context, token string) (store.SignedDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sig := range m.signatures {
		if sig.Token == token {
			return store.SignedDecision{Signature: sig, Decision: m.decisions[sig.DecisionID]}, nil
		}
	}
	return store.SignedDecision{}, store.ErrNotFound
}

func (m *memStore) ListMessages(_ context.Context, applicationID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Message{}
	for _, msg := range m.messages {
		if msg.ApplicationID == applicationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) ListRepositoryItems(_ context.Context, includeRestricted bool, _, _ int) ([]store.RepositoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.RepositoryItem{}
	for _, item := range m.repository {
		if item.Restricted && !includeRestricted {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *memStore) GetRepositoryItem(_ context.Context, id string) (store.RepositoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.repository {
		if item.ID == id {
			return item, nil
		}
	}
	return store.RepositoryItem{}, store.ErrNotFound
}

func (m *memStore) RelatedRepositoryItems(_ context.Context, item store.RepositoryItem, includeRestricted bool, limit int) ([]store.RepositoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.RepositoryItem{}
	for _, other := range m.repository {
		if other.ID == item.ID || !other.PublicVisible || (other.Restricted && !includeRestricted) {
			continue
		}
		matches := other.ProgramArea != "" && other.ProgramArea == item.ProgramArea
		if len(item.Keywords) > 0 {
			matches = slices.Contains(other.Keywords, item.Keywords[0])
		}
		if matches && len(out) < limit {
			out = append(out, other)
		}
	}
	return out, nil
}

func (m *memStore) RecordAccess(_ context.Context, entry store.AccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkEnum("action", entry.Action, []string{store.AccessView, store.AccessDownload}); err != nil {
		return err
	}
	entry.ID = util.NewID("acc")
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.accessLogs = append(m.accessLogs, entry)
	return nil
}

func (m *memStore) AddToWatchlist(_ context.Context, userID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, item := range m.repository {
		found = found || item.ID == itemID
	}
	if !found {
		return store.ErrNotFound
	}
	for _, w := range m.watchlist {
		if w.userID == userID && w.itemID == itemID {
			return nil
		}
	}
	m.watchlist = append(m.watchlist, watchEntry{userID: userID, itemID: itemID, at: time.Now().UTC()})
	return nil
}

func (m *memStore) RemoveFromWatchlist(_ context.Context, userID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.watchlist {
		if w.userID == userID && w.itemID == itemID {
			m.watchlist = slices.Delete(m.watchlist, i, i+1)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) IsWatching(_ context.Context, userID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watchlist {
		if w.userID == userID && w.itemID == itemID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListWatchlist(_ context.Context, userID string) ([]store.WatchedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.WatchedItem{}
	for i := len(m.watchlist) - 1; i >= 0; i-- {
		w := m.watchlist[i]
		if w.userID != userID {
			continue
		}
		for _, item := range m.repository {
			if item.ID == w.itemID {
				out = append(out, store.WatchedItem{Item: item, WatchedAt: w.at})
			}
		}
	}
	return out, nil
}

func (m *memStore) SummarizeAccess(_ context.Context, since time.Time, top int) (store.AccessSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := store.AccessSummary{Since: since, Daily: []store.AccessDay{}, TopDownloads: []store.ItemDownloads{}}
	items := map[string]bool{}
	days := map[string]*store.AccessDay{}
	downloads := map[string]int{}
	for _, entry := range m.accessLogs {
		if entry.CreatedAt.Before(since) {
			continue
		}
		items[entry.RepositoryItemID] = true
		key := entry.CreatedAt.UTC().Format(time.DateOnly)
		day, ok := days[key]
		if !ok {
			day = &store.AccessDay{Date: key}
			days[key] = day
		}
		if entry.Action == store.AccessView {
			summary.Views++
			day.Views++
		} else {
			summary.Downloads++
			day.Downloads++
			downloads[entry.RepositoryItemID]++
		}
	}
	summary.Items = len(items)
	for _, day := range days {
		summary.Daily = append(summary.Daily, *day)
	}
	sort.Slice(summary.Daily, func(i, j int) bool { return summary.Daily[i].Date < summary.Daily[j].Date })
	for _, item := range m.repository {
		if n := downloads[item.ID]; n > 0 {
			summary.TopDownloads = append(summary.TopDownloads, store.ItemDownloads{RepositoryItemID: item.ID, Title: item.Title, Downloads: n})
		}
	}
	sort.SliceStable(summary.TopDownloads, func(i, j int) bool {
		return summary.TopDownloads[i].Downloads > summary.TopDownloads[j].Downloads
	})
	if len(summary.TopDownloads) > top {
		summary.TopDownloads = summary.TopDownloads[:top]
	}
	return summary, nil
}

func (m *memStore) InsertNotification(_ context.Context, n store.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.Type == "workflow" && m.failNotifications > 0 {
		m.failNotifications--
		return errors.New("connection reset")
	}
	if n.DedupeKey != "" {
		for _, existing := range m.notifications {
			if existing.DedupeKey == n.DedupeKey {
				return nil
			}
		}
	}
	n.ID = util.NewID("ntf")
	n.CreatedAt = time.Now().UTC()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *memStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, _ int) ([]store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Notification{}
	for _, n := range m.notifications {
		if n.UserID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *memStore) MarkNotificationRead(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.notifications {
		if n.ID == id && n.UserID == userID {
			m.notifications[i].IsRead = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) ListAuditLogs(_ context.Context, entityID string, _ int) ([]store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.AuditEntry{}
	for _, e := range m.audit {
		if entityID == "" || e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ApplyTransition(_ context.Context, w store.TransitionWrite) (store.TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failApply != nil {
		return store.TransitionResult{}, m.failApply
	}
	app, ok := m.applications[w.ApplicationID]
	if !ok {
		return store.TransitionResult{}, store.ErrNotFound
	}
	if !slices.Contains(w.ExpectedStatuses, app.Status) {
		return store.TransitionResult{}, store.ErrStaleStatus
	}
	if w.SubmitReview != nil {
		r, ok := m.reviews[w.SubmitReview.ID]
		if !ok || r.SubmittedAt != nil {
			return store.TransitionResult{}, store.ErrStaleStatus
		}
	}
	if w.NewReview != nil {
		if err := checkEnum("stage", w.NewReview.Stage, store.ReviewStages); err != nil {
			return store.TransitionResult{}, err
		}
	}

	before := app.Status
	now := time.Now().UTC()
	app.Status = w.NextStatus
	if w.ScreeningDeadline != nil {
		app.ScreeningDeadline = w.ScreeningDeadline
	}
	if w.TurnaroundDeadline != nil {
		app.TurnaroundDeadline = w.TurnaroundDeadline
	}
	if w.SubmittedAt != nil {
		app.SubmittedAt = w.SubmittedAt
	}
	app.UpdatedAt = now
	m.applications[app.ID] = app
	result := store.TransitionResult{Application: app}

	if w.Message != nil {
		msg := *w.Message
		msg.ID = util.NewID("msg")
		msg.ApplicationID = app.ID
		msg.CreatedAt = now
		m.messages = append(m.messages, msg)
	}
	if w.NewReview != nil {
		r := *w.NewReview
		r.ID = util.NewID("rev")
		r.ApplicationID = app.ID
		r.AssignedAt = now
		m.reviews[r.ID] = r
		result.Review = &r
	}
	if w.SubmitReview != nil {
		r := m.reviews[w.SubmitReview.ID]
		r.Recommendation = w.SubmitReview.Recommendation
		r.Comments = w.SubmitReview.Comments
		r.SubmittedAt = &now
		m.reviews[r.ID] = r
		result.Review = &r
	}
	if w.LetterDocument != nil {
		doc := *w.LetterDocument
		doc.ApplicationID = app.ID
		doc = m.appendLocked(doc)
		result.LetterDocument = &doc
	}
	if w.Decision != nil {
		d := *w.Decision
		d.ID = util.NewID("dec")
		d.ApplicationID = app.ID
		d.DecisionDate = now
		if result.LetterDocument != nil {
			d.LetterDocumentID = result.LetterDocument.ID
		}
		m.decisions[d.ID] = d
		result.Decision = &d
		if w.Signature != nil {
			sig := *w.Signature
			sig.ID = util.NewID("sig")
			sig.DecisionID = d.ID
			m.signatures[sig.ID] = sig
			result.Signature = &sig
		}
	}
	if w.RepositoryItem != nil {
		item := *w.RepositoryItem
		item.ID = util.NewID("rep")
		item.ApplicationID = app.ID
		item.PublishedAt = now
		m.repository = append(m.repository, item)
		result.RepositoryItem = &item
	}

	entity := w.AuditEntity
	if entity == "" {
		entity = "application"
	}
	m.audit = append(m.audit, store.AuditEntry{
		ID:         util.NewID("aud"),
		ActorID:    w.ActorID,
		EntityType: entity,
		EntityID:   app.ID,
		Action:     w.AuditAction,
		Before:     []byte(`{"status":"` + before + `"}`),
		After:      []byte(`{"status":"` + w.NextStatus + `"}`),
		CreatedAt:  now,
	})
	m.markLocked(w.IntentID, store.IntentCommitted, 0, "")
	return result, nil
}

func (m *memStore) appendLocked(doc store.Document) store.Document {
	version := 0
	for _, existing := range m.documents {
		if existing.ApplicationID == doc.ApplicationID && existing.DocumentType == doc.DocumentType && existing.Version > version {
			version = existing.Version
		}
	}
	doc.ID = util.NewID("doc")
	doc.Version = version + 1
	doc.CreatedAt = time.Now().UTC()
	m.documents = append(m.documents, doc)
	return doc
}

func (m *memStore) AppendDocument(_ context.Context, doc store.Document) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.applications[doc.ApplicationID]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	saved := m.appendLocked(doc)
	if doc.DocumentType == "ETHICS_LETTER" {
		app.EthicsApproved = true
		m.applications[app.ID] = app
	}
	return saved, nil
}

func (m *memStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.documents {
		if doc.ID == id {
			return doc, nil
		}
	}
	return store.Document{}, store.ErrNotFound
}

// ListDocuments returns newest versions first.
func (m *memStore) ListDocuments(_ context.Context, applicationID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Document{}
	for _, doc := range m.documents {
		if doc.ApplicationID == applicationID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentType != out[j].DocumentType {
			return out[i].DocumentType < out[j].DocumentType
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (m *memStore) RecordDownload(context.Context, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads++
	return nil
}

func (m *memStore) CreateExtension(_ context.Context, intentID string, ext store.Extension) (store.Extension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.applications[ext.ApplicationID]
	if !ok {
		return store.Extension{}, store.ErrNotFound
	}
	if app.Status != "APPROVED" && app.Status != "ACTIVE_RESEARCH" {
		return store.Extension{}, store.ErrStaleStatus
	}
	ext.ID = util.NewID("ext")
	ext.Status = "PENDING"
	ext.CurrentEndDate = app.EndDate
	ext.CreatedAt = time.Now().UTC()
	m.extensions[ext.ID] = ext
	m.markLocked(intentID, store.IntentCommitted, 0, "")
	return ext, nil
}

func (m *memStore) DecideExtension(_ context.Context, d store.ExtensionDecision) (store.Extension, store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.extensions[d.ExtensionID]
	if !ok {
		return store.Extension{}, store.Application{}, store.ErrNotFound
	}
	if ext.Status != "PENDING" {
		return store.Extension{}, store.Application{}, store.ErrStaleStatus
	}
	now := time.Now().UTC()
	ext.Status = d.Status
	ext.DecidedBy = d.DeciderID
	ext.DecisionNotes = d.Notes
	ext.DecisionDate = &now
	m.extensions[ext.ID] = ext

	app := m.applications[ext.ApplicationID]
	if ext.Status == "APPROVED" {
		end := ext.RequestedEndDate
		app.EndDate = &end
		m.applications[app.ID] = app
	}
	m.markLocked(d.IntentID, store.IntentCommitted, 0, "")
	return ext, app, nil
}

func (m *memStore) GetExtension(_ context.Context, id string) (store.Extension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.extensions[id]
	if !ok {
		return store.Extension{}, store.ErrNotFound
	}
	return ext, nil
}

func (m *memStore) ListExtensions(_ context.Context, applicationID string) ([]store.Extension, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Extension{}
	for _, ext := range m.extensions {
		if ext.ApplicationID == applicationID {
			out = append(out, ext)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) CreateIntent(_ context.Context, in store.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.IdempotencyKey != "" {
		for _, existing := range m.intents {
			if existing.IdempotencyKey == in.IdempotencyKey && existing.Status != store.IntentFailed {
				return store.ErrDuplicate
			}
		}
	}
	in.Status = store.IntentStarted
	in.CreatedAt = time.Now().UTC()
	in.UpdatedAt = in.CreatedAt
	m.intents[in.ID] = in
	return nil
}

func (m *memStore) UpdateIntent(_ context.Context, id, status string, step int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLocked(id, status, step, lastError)
	return nil
}

func (m *memStore) markLocked(id, status string, step int, lastError string) {
	in, ok := m.intents[id]
	if !ok {
		return
	}
	in.Status = status
	in.Step = max(in.Step, step)
	in.LastError = lastError
	in.UpdatedAt = time.Now().UTC()
	m.intents[id] = in
}

func (m *memStore) ListIntents(_ context.Context, status string, cutoff time.Time, limit int) ([]store.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Intent{}
	for _, in := range m.intents {
		if in.Status == status && in.UpdatedAt.Before(cutoff) {
			out = append(out, in)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) intentsFor(operation string) []store.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Intent{}
	for _, in := range m.intents {
		if in.Operation == operation {
			out = append(out, in)
		}
	}
	return out
}

func (m *memStore) notificationsFor(userID, titlePrefix string) []store.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Notification{}
	for _, n := range m.notifications {
		if n.UserID == userID && strings.HasPrefix(n.Title, titlePrefix) {
			out = append(out, n)
		}
	}
	return out
}
