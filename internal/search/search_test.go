package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	meili "github.com/meilisearch/meilisearch-go"
)

func TestSanitizeResultsHidesRestricted(t *testing.T) {
	results := []Result{{ID: "a"}, {ID: "b", Restricted: true}}
	if got := sanitizeResults(results, false); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("sanitizeResults(public) = %+v", got)
	}
	if got := sanitizeResults(results, true); len(got) != 2 {
		t.Fatalf("sanitizeResults(restricted) = %+v", got)
	}
}

func TestMeiliFilters(t *testing.T) {
	got := meiliFilters(Query{PublicationYear: 2025, Institution: "National Institute"})
	want := []string{"restricted = false", "publicationYear = 2025", `institution = "National Institute"`}
	if len(got) != len(want) {
		t.Fatalf("meiliFilters() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("meiliFilters()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := meiliFilters(Query{IncludeRestricted: true}); len(got) != 0 {
		t.Fatalf("meiliFilters(restricted) = %v", got)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":              json.RawMessage(`"item-1"`),
		"applicationId":   json.RawMessage(`"app-1"`),
		"title":           json.RawMessage(`"Malaria prevalence"`),
		"abstract":        json.RawMessage(`"plain abstract"`),
		"keywords":        json.RawMessage(`["malaria","children"]`),
		"publicationYear": json.RawMessage(`2025`),
		"restricted":      json.RawMessage(`false`),
		"_formatted":      json.RawMessage(`{"abstract":"<mark>malaria</mark> abstract","publicationYear":"2025"}`),
	}
	r := hitToResult(hit)
	if r.ID != "item-1" || r.ApplicationID != "app-1" || r.PublicationYear != 2025 || len(r.Keywords) != 2 {
		t.Fatalf("hitToResult() = %+v", r)
	}
	if r.Snippet != "<mark>malaria</mark> abstract" {
		t.Fatalf("snippet = %q", r.Snippet)
	}
}

type fakeSearcher struct {
	results []Result
	err     error
	last    Query
}

func (f *fakeSearcher) Search(_ context.Context, q Query) ([]Result, int, error) {
	f.last = q
	return f.results, len(f.results), f.err
}

func (f *fakeSearcher) Healthy() bool { return true }

func TestServiceFallsBackToPostgres(t *testing.T) {
	fallback := &fakeSearcher{results: []Result{{ID: "a"}, {ID: "b", Restricted: true}}}
	svc := &Service{pgfts: fallback}
	resp := svc.Search(context.Background(), Query{Text: "malaria"})
	if len(resp.Results) != 1 || resp.Query != "malaria" {
		t.Fatalf("Search() = %+v", resp)
	}

	svc = &Service{pgfts: &fakeSearcher{err: errors.New("db down")}}
	resp = svc.Search(context.Background(), Query{Text: "malaria"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("Search() on error = %+v, want empty results", resp)
	}
}

func TestPgFTSSearchBuildsFilteredQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT count\(\*\) FROM repository_items r WHERE r.public_visible AND r.fts @@ plainto_tsquery\('english', \$1\) AND NOT r.restricted AND r.publication_year = \$2`).
		WithArgs("malaria", 2025).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`FROM repository_items r`).
		WithArgs("malaria", 2025).
		WillReturnRows(sqlmock.NewRows([]string{"id", "application_id", "title", "snippet", "keywords", "publication_year", "institution", "program_area", "restricted"}).
			AddRow("item-1", "app-1", "Malaria prevalence", "<b>malaria</b>", []byte(`["malaria"]`), 2025, "National Institute", "", false))

	results, total, err := NewPgFTS(db).Search(context.Background(), Query{Text: "malaria", PublicationYear: 2025})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if total != 1 || len(results) != 1 || results[0].Keywords[0] != "malaria" {
		t.Fatalf("Search() = %+v, %d", results, total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
