package store

import (
	"context"
	"fmt"
	"time"
)

const repositoryColumns = `id, application_id, title, abstract, keywords, publication_year, institution, program_area,
	public_visible, restricted, published_at`

func (s *PostgresStore) GetRepositoryItem(ctx context.Context, id string) (RepositoryItem, error) {
	item, err := scanRepositoryItem(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repository_items WHERE id=$1`, id))
	if err != nil {
		return RepositoryItem{}, wrap("get repository item", err)
	}
	return item, nil
}

// RelatedRepositoryItems lists visible items sharing the first keyword of
// item, or its program area when it has no keywords.
func (s *PostgresStore) RelatedRepositoryItems(ctx context.Context, item RepositoryItem, includeRestricted bool, limit int) ([]RepositoryItem, error) {
	if limit <= 0 || limit > 50 {
		limit = 6
	}
	keyword := ""
	if len(item.Keywords) > 0 {
		keyword = item.Keywords[0]
	}
	if keyword == "" && item.ProgramArea == "" {
		return []RepositoryItem{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+repositoryColumns+`
		FROM repository_items
		WHERE id <> $1 AND public_visible AND ($2 OR NOT restricted)
			AND CASE WHEN $3 <> '' THEN keywords @> jsonb_build_array($3::text) ELSE program_area = $4 END
		ORDER BY published_at DESC
		LIMIT $5
	`, item.ID, includeRestricted, keyword, item.ProgramArea, limit)
	if err != nil {
		return nil, wrap("list related items", err)
	}
	defer rows.Close()

	items := []RepositoryItem{}
	for rows.Next() {
		related, err := scanRepositoryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, related)
	}
	return items, rows.Err()
}

func (s *PostgresStore) RecordAccess(ctx context.Context, entry AccessLog) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO access_logs (repository_item_id, user_id, action, terms_accepted, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.RepositoryItemID, nullable(entry.UserID), entry.Action, entry.TermsAccepted, entry.IPAddress, entry.UserAgent); err != nil {
		return wrap("record access", err)
	}
	return nil
}

// Watchlist

// AddToWatchlist is idempotent; watching an item twice keeps one row.
func (s *PostgresStore) AddToWatchlist(ctx context.Context, userID, itemID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_watchlist (user_id, repository_item_id) VALUES ($1, $2)
		ON CONFLICT (user_id, repository_item_id) DO NOTHING
	`, userID, itemID); err != nil {
		return wrap("add to watchlist", err)
	}
	return nil
}

func (s *PostgresStore) RemoveFromWatchlist(ctx context.Context, userID, itemID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM repository_watchlist WHERE user_id=$1 AND repository_item_id=$2
	`, userID, itemID)
	if err != nil {
		return wrap("remove from watchlist", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("remove from watchlist: %w", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) IsWatching(ctx context.Context, userID, itemID string) (bool, error) {
	var watching bool
	if err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM repository_watchlist WHERE user_id=$1 AND repository_item_id=$2)
	`, userID, itemID).Scan(&watching); err != nil {
		return false, wrap("check watchlist", err)
	}
	return watching, nil
}

func (s *PostgresStore) ListWatchlist(ctx context.Context, userID string) ([]WatchedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.application_id, r.title, r.abstract, r.keywords, r.publication_year, r.institution,
			r.program_area, r.public_visible, r.restricted, r.published_at, w.created_at
		FROM repository_watchlist w
		JOIN repository_items r ON r.id = w.repository_item_id
		WHERE w.user_id=$1
		ORDER BY w.created_at DESC
	`, userID)
	if err != nil {
		return nil, wrap("list watchlist", err)
	}
	defer rows.Close()

	items := []WatchedItem{}
	for rows.Next() {
		var watched WatchedItem
		var keywords []byte
		item := &watched.Item
		if err := rows.Scan(&item.ID, &item.ApplicationID, &item.Title, &item.Abstract, &keywords, &item.PublicationYear,
			&item.Institution, &item.ProgramArea, &item.PublicVisible, &item.Restricted, &item.PublishedAt,
			&watched.WatchedAt); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		if err := decodeKeywords(keywords, &item.Keywords); err != nil {
			return nil, err
		}
		items = append(items, watched)
	}
	return items, rows.Err()
}

// Analytics

// SummarizeAccess totals views and downloads recorded since the given time,
// with a per-day series in UTC and the top most-downloaded items.
func (s *PostgresStore) SummarizeAccess(ctx context.Context, since time.Time, top int) (AccessSummary, error) {
	if top <= 0 || top > 50 {
		top = 5
	}
	summary := AccessSummary{Since: since, Daily: []AccessDay{}, TopDownloads: []ItemDownloads{}}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE action='VIEW'), COUNT(*) FILTER (WHERE action='DOWNLOAD'),
			COUNT(DISTINCT repository_item_id)
		FROM access_logs WHERE created_at >= $1
	`, since).Scan(&summary.Views, &summary.Downloads, &summary.Items); err != nil {
		return AccessSummary{}, wrap("summarize access", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
			COUNT(*) FILTER (WHERE action='VIEW'), COUNT(*) FILTER (WHERE action='DOWNLOAD')
		FROM access_logs WHERE created_at >= $1
		GROUP BY day ORDER BY day
	`, since)
	if err != nil {
		return AccessSummary{}, wrap("access by day", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day AccessDay
		if err := rows.Scan(&day.Date, &day.Views, &day.Downloads); err != nil {
			return AccessSummary{}, fmt.Errorf("scan access day: %w", err)
		}
		summary.Daily = append(summary.Daily, day)
	}
	if err := rows.Err(); err != nil {
		return AccessSummary{}, err
	}

	topRows, err := s.db.QueryContext(ctx, `
		SELECT l.repository_item_id, r.title, COUNT(*) AS downloads
		FROM access_logs l
		JOIN repository_items r ON r.id = l.repository_item_id
		WHERE l.action='DOWNLOAD' AND l.created_at >= $1
		GROUP BY l.repository_item_id, r.title
		ORDER BY downloads DESC, r.title
		LIMIT $2
	`, since, top)
	if err != nil {
		return AccessSummary{}, wrap("top downloads", err)
	}
	defer topRows.Close()
	for topRows.Next() {
		var item ItemDownloads
		if err := topRows.Scan(&item.RepositoryItemID, &item.Title, &item.Downloads); err != nil {
			return AccessSummary{}, fmt.Errorf("scan top download: %w", err)
		}
		summary.TopDownloads = append(summary.TopDownloads, item)
	}
	return summary, topRows.Err()
}
