package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over repository_items using PostgreSQL
// full-text search. It is the fallback when Meilisearch is unavailable.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks with ts_rank when text is given and otherwise lists the
// newest items first. Hidden items are never returned.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	where := []string{"r.public_visible"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	order := "r.published_at DESC"
	snippet := "left(r.abstract, 240)"
	text := strings.TrimSpace(q.Text)
	if text != "" {
		tsQuery := "plainto_tsquery('english', " + arg(text) + ")"
		where = append(where, "r.fts @@ "+tsQuery)
		order = "ts_rank(r.fts, " + tsQuery + ") DESC, r.published_at DESC"
		snippet = "ts_headline('english', coalesce(r.abstract, ''), " + tsQuery + ", 'MaxFragments=1,MaxWords=30')"
	}
	if !q.IncludeRestricted {
		where = append(where, "NOT r.restricted")
	}
	if q.PublicationYear > 0 {
		where = append(where, "r.publication_year = "+arg(q.PublicationYear))
	}
	if q.Institution != "" {
		where = append(where, "r.institution = "+arg(q.Institution))
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM repository_items r WHERE "+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT r.id, r.application_id, r.title, %s AS snippet, r.keywords, r.publication_year,
			r.institution, r.program_area, r.restricted
		FROM repository_items r
		WHERE %s
		ORDER BY %s
		LIMIT %d OFFSET %d`, snippet, whereSQL, order, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var keywords []byte
		if err := rows.Scan(&r.ID, &r.ApplicationID, &r.Title, &r.Snippet, &keywords, &r.PublicationYear,
			&r.Institution, &r.ProgramArea, &r.Restricted); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if len(keywords) > 0 {
			_ = json.Unmarshal(keywords, &r.Keywords)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every visible item for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RepositoryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, application_id, title, abstract, keywords, publication_year, institution, program_area, restricted
		FROM repository_items
		WHERE public_visible
	`)
	if err != nil {
		return nil, fmt.Errorf("load repository items: %w", err)
	}
	defer rows.Close()

	records := make([]RepositoryRecord, 0)
	for rows.Next() {
		var r RepositoryRecord
		var keywords []byte
		if err := rows.Scan(&r.ID, &r.ApplicationID, &r.Title, &r.Abstract, &keywords, &r.PublicationYear,
			&r.Institution, &r.ProgramArea, &r.Restricted); err != nil {
			return nil, fmt.Errorf("scan repository item: %w", err)
		}
		if len(keywords) > 0 {
			if err := json.Unmarshal(keywords, &r.Keywords); err != nil {
				return nil, fmt.Errorf("decode keywords: %w", err)
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repository items: %w", err)
	}
	return records, nil
}
