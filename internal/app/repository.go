package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"rars/api/internal/documents"
	"rars/api/internal/rbac"
	"rars/api/internal/store"
)

const (
	relatedItemLimit     = 6
	analyticsDefaultDays = 14
	analyticsTopItems    = 5
)

// Visit describes the request that viewed or downloaded a repository item.
type Visit struct {
	IPAddress     string
	UserAgent     string
	TermsAccepted bool
}

type RepositoryDetail struct {
	Item          store.RepositoryItem   `json:"item"`
	Related       []store.RepositoryItem `json:"related"`
	FinalPaper    string                 `json:"finalPaper,omitempty"`
	Watching      bool                   `json:"watching"`
	TermsRequired bool                   `json:"termsRequired"`
}

// GetRepositoryItem loads the public page of a published study and logs a
// VIEW. Hidden items, and restricted items for callers who may not see them,
// are reported as missing.
func (s *Service) GetRepositoryItem(ctx context.Context, actor Session, itemID string, visit Visit) (detail RepositoryDetail, err error) {
	defer s.observe(ctx, actor, "get_repository_item", &err)

	item, includeRestricted, err := s.visibleItem(ctx, actor, itemID)
	if err != nil {
		return RepositoryDetail{}, err
	}
	related, err := s.store.RelatedRepositoryItems(ctx, item, includeRestricted, relatedItemLimit)
	if err != nil {
		return RepositoryDetail{}, err
	}
	paper, err := s.finalPaper(ctx, item)
	if err != nil {
		return RepositoryDetail{}, err
	}
	detail = RepositoryDetail{Item: item, Related: related, TermsRequired: item.Restricted}
	if paper != nil {
		detail.FinalPaper = paper.FileName
	}
	if actor.UserID != "" {
		if detail.Watching, err = s.store.IsWatching(ctx, actor.UserID, item.ID); err != nil {
			return RepositoryDetail{}, err
		}
	}
	s.recordAccess(ctx, actor, item, store.AccessView, visit)
	return detail, nil
}

// RepositoryDownloadURL signs a short-lived link to the final paper of a
// published study. Restricted items need the data-use terms accepted.
func (s *Service) RepositoryDownloadURL(ctx context.Context, actor Session, itemID string, visit Visit) (link DownloadLink, err error) {
	defer s.observe(ctx, actor, "download_repository_item", &err)

	item, _, err := s.visibleItem(ctx, actor, itemID)
	if err != nil {
		return DownloadLink{}, err
	}
	if item.Restricted && !visit.TermsAccepted {
		return DownloadLink{}, errValidation("Accept the data use terms to download restricted research")
	}
	paper, err := s.finalPaper(ctx, item)
	if err != nil {
		return DownloadLink{}, err
	}
	if paper == nil {
		return DownloadLink{}, errNotFound("Final paper")
	}
	ttl := s.cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	url, err := s.blobs.SignedURL(ctx, paper.FilePath, ttl)
	if err != nil {
		return DownloadLink{}, err
	}
	s.recordAccess(ctx, actor, item, store.AccessDownload, visit)
	return DownloadLink{URL: url, ExpiresAt: s.now().Add(ttl).UTC(), FileName: paper.FileName}, nil
}

func (s *Service) WatchRepositoryItem(ctx context.Context, actor Session, itemID string) (err error) {
	defer s.observe(ctx, actor, "watch_repository_item", &err)

	if !rbac.Can(actor.Principal(), rbac.ActionWatchRepository, rbac.Resource{}) {
		return errForbidden(string(rbac.ActionWatchRepository))
	}
	item, _, err := s.visibleItem(ctx, actor, itemID)
	if err != nil {
		return err
	}
	return s.store.AddToWatchlist(ctx, actor.UserID, item.ID)
}

func (s *Service) UnwatchRepositoryItem(ctx context.Context, actor Session, itemID string) (err error) {
	defer s.observe(ctx, actor, "unwatch_repository_item", &err)

	if !rbac.Can(actor.Principal(), rbac.ActionWatchRepository, rbac.Resource{}) {
		return errForbidden(string(rbac.ActionWatchRepository))
	}
	if err := s.store.RemoveFromWatchlist(ctx, actor.UserID, strings.TrimSpace(itemID)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound("Watchlist entry")
		}
		return err
	}
	return nil
}

// ListWatchlist returns the caller's watched items, newest first. Items that
// were hidden or restricted after being watched are left out.
func (s *Service) ListWatchlist(ctx context.Context, actor Session) (items []store.WatchedItem, err error) {
	defer s.observe(ctx, actor, "list_watchlist", &err)

	principal := actor.Principal()
	if !rbac.Can(principal, rbac.ActionWatchRepository, rbac.Resource{}) {
		return nil, errForbidden(string(rbac.ActionWatchRepository))
	}
	watched, err := s.store.ListWatchlist(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	includeRestricted := rbac.Can(principal, rbac.ActionViewRestricted, rbac.Resource{})
	items = make([]store.WatchedItem, 0, len(watched))
	for _, w := range watched {
		if !w.Item.PublicVisible || (w.Item.Restricted && !includeRestricted) {
			continue
		}
		items = append(items, w)
	}
	return items, nil
}

// RepositoryAnalytics summarizes repository traffic over the last days
// (fourteen when days is not positive).
func (s *Service) RepositoryAnalytics(ctx context.Context, actor Session, days int) (summary store.AccessSummary, err error) {
	defer s.observe(ctx, actor, "repository_analytics", &err)

	if !rbac.Can(actor.Principal(), rbac.ActionViewAnalytics, rbac.Resource{}) {
		return store.AccessSummary{}, errForbidden(string(rbac.ActionViewAnalytics))
	}
	if days <= 0 || days > 366 {
		days = analyticsDefaultDays
	}
	since := s.now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))
	return s.store.SummarizeAccess(ctx, since, analyticsTopItems)
}

func (s *Service) visibleItem(ctx context.Context, actor Session, itemID string) (store.RepositoryItem, bool, error) {
	includeRestricted := rbac.Can(actor.Principal(), rbac.ActionViewRestricted, rbac.Resource{})
	item, err := s.store.GetRepositoryItem(ctx, strings.TrimSpace(itemID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.RepositoryItem{}, false, errNotFound("Repository item")
		}
		return store.RepositoryItem{}, false, err
	}
	if !item.PublicVisible || (item.Restricted && !includeRestricted) {
		return store.RepositoryItem{}, false, errNotFound("Repository item")
	}
	return item, includeRestricted, nil
}

// finalPaper is the newest FINAL_PAPER version of the published application,
// or nil when none was uploaded.
func (s *Service) finalPaper(ctx context.Context, item store.RepositoryItem) (*store.Document, error) {
	docs, err := s.store.ListDocuments(ctx, item.ApplicationID)
	if err != nil {
		return nil, err
	}
	var latest *store.Document
	for i := range docs {
		if docs[i].DocumentType != string(documents.TypeFinalPaper) {
			continue
		}
		if latest == nil || docs[i].Version > latest.Version {
			latest = &docs[i]
		}
	}
	return latest, nil
}

func (s *Service) recordAccess(ctx context.Context, actor Session, item store.RepositoryItem, action string, visit Visit) {
	entry := store.AccessLog{
		RepositoryItemID: item.ID,
		UserID:           actor.UserID,
		Action:           action,
		TermsAccepted:    visit.TermsAccepted,
		IPAddress:        visit.IPAddress,
		UserAgent:        truncate(visit.UserAgent, 512),
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.RecordAccess(ctx, entry); err != nil {
		s.logger.Warn("repository access not recorded",
			zap.String("repository_item_id", item.ID), zap.String("action", action), zap.Error(err))
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
