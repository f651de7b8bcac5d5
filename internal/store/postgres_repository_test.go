package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRecordAccessStoresAnonymousVisitorAsNull(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO access_logs").
		WithArgs("item-1", nil, AccessView, false, "198.51.100.7", "curl/8").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RecordAccess(context.Background(), AccessLog{
		RepositoryItemID: "item-1",
		Action:           AccessView,
		IPAddress:        "198.51.100.7",
		UserAgent:        "curl/8",
	})
	if err != nil {
		t.Fatalf("RecordAccess() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRemoveFromWatchlistMissingRowIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM repository_watchlist").
		WithArgs("u", "item-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RemoveFromWatchlist(context.Background(), "u", "item-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RemoveFromWatchlist() error = %v, want ErrNotFound", err)
	}
}

func TestRelatedRepositoryItemsWithoutKeywordsOrAreaSkipsQuery(t *testing.T) {
	store, mock := newMockStore(t)

	items, err := store.RelatedRepositoryItems(context.Background(), RepositoryItem{ID: "item-1"}, false, 6)
	if err != nil {
		t.Fatalf("RelatedRepositoryItems() error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("RelatedRepositoryItems() = %v, want none", items)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSummarizeAccess(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM access_logs WHERE created_at >= \\$1").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"views", "downloads", "items"}).AddRow(7, 3, 2))
	mock.ExpectQuery("GROUP BY day").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"day", "views", "downloads"}).
			AddRow("2026-03-01", 4, 1).
			AddRow("2026-03-02", 3, 2))
	mock.ExpectQuery("l.action='DOWNLOAD'").
		WithArgs(since, 5).
		WillReturnRows(sqlmock.NewRows([]string{"repository_item_id", "title", "downloads"}).
			AddRow("item-1", "Malaria incidence", 2).
			AddRow("item-2", "Maternal outcomes", 1))

	summary, err := store.SummarizeAccess(context.Background(), since, 0)
	if err != nil {
		t.Fatalf("SummarizeAccess() error = %v", err)
	}
	if summary.Views != 7 || summary.Downloads != 3 || summary.Items != 2 {
		t.Fatalf("totals = %d/%d/%d, want 7/3/2", summary.Views, summary.Downloads, summary.Items)
	}
	if len(summary.Daily) != 2 || summary.Daily[1] != (AccessDay{Date: "2026-03-02", Views: 3, Downloads: 2}) {
		t.Fatalf("Daily = %+v", summary.Daily)
	}
	if len(summary.TopDownloads) != 2 || summary.TopDownloads[0].RepositoryItemID != "item-1" {
		t.Fatalf("TopDownloads = %+v", summary.TopDownloads)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
