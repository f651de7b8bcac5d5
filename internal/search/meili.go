package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxRepository = "rars_repository"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the repository index.
// An unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxRepository,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", idxRepository), zap.Error(err))
	}

	index := m.client.Index(idxRepository)
	filterable := []interface{}{"restricted", "publicationYear", "institution", "programArea"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.String("index", idxRepository), zap.Error(err))
	}
	searchable := []string{"title", "keywords", "abstract", "institution"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.String("index", idxRepository), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID:              idxRepository,
		Query:                 q.Text,
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		AttributesToHighlight: []string{"abstract"},
		AttributesToCrop:      []string{"abstract"},
		CropLength:            30,
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	if !q.IncludeRestricted {
		filters = append(filters, "restricted = false")
	}
	if q.PublicationYear > 0 {
		filters = append(filters, fmt.Sprintf("publicationYear = %d", q.PublicationYear))
	}
	if q.Institution != "" {
		filters = append(filters, fmt.Sprintf("institution = %q", q.Institution))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:            decodeString(hit, "id"),
		ApplicationID: decodeString(hit, "applicationId"),
		Title:         decodeString(hit, "title"),
		Institution:   decodeString(hit, "institution"),
		ProgramArea:   decodeString(hit, "programArea"),
		Snippet:       firstNonBlank(decodeFormattedString(hit, "abstract"), decodeString(hit, "abstract")),
	}
	decodeInto(hit, "keywords", &r.Keywords)
	decodeInto(hit, "publicationYear", &r.PublicationYear)
	decodeInto(hit, "restricted", &r.Restricted)
	return r
}

func decodeInto(hit meili.Hit, key string, target any) {
	if raw, ok := hit[key]; ok {
		_ = json.Unmarshal(raw, target)
	}
}

func decodeString(hit meili.Hit, key string) string {
	var s string
	decodeInto(hit, key, &s)
	return s
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexItem adds or updates a published item.
func (m *Meili) IndexItem(rec RepositoryRecord) error {
	_, err := m.client.Index(idxRepository).AddDocuments([]RepositoryRecord{rec}, nil)
	return err
}

// IndexItems bulk-indexes published items.
func (m *Meili) IndexItems(records []RepositoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRepository).AddDocuments(records, nil)
	return err
}
