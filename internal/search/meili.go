package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const indexPrefix = "backstage_"

func indexUID(t ResultType) string {
	return indexPrefix + string(t) + "s"
}

func indexToResultType(uid string) ResultType {
	for _, t := range ResultTypes {
		if indexUID(t) == uid {
			return t
		}
	}
	return ""
}

// Meili indexes records in one Meilisearch index per entity type.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server leaves the client unhealthy until the health loop
// sees it recover.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	filterable := []interface{}{"performanceId"}
	searchable := []string{"title", "body"}
	for _, t := range ResultTypes {
		uid := indexUID(t)
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("search: create index (may already exist)", "index", uid, "error", err)
		}
		index := m.client.Index(uid)
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("search: update filterable attributes", "index", uid, "error", err)
		}
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.logger.Warn("search: update searchable attributes", "index", uid, "error", err)
		}
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
				m.logger.Info("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs one multi-search across the selected indexes and merges
// the hits.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	for _, t := range ResultTypes {
		if q.FilterType != "" && q.FilterType != t {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              indexUID(t),
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}
		if q.FilterPerformance != "" {
			sr.Filter = fmt.Sprintf("performanceId = %q", q.FilterPerformance)
		}
		queries = append(queries, sr)
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	return Result{
		Type:          rtyp,
		ID:            decodeString(hit, "id"),
		Title:         firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet:       firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body")),
		PerformanceID: decodeString(hit, "performanceId"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// Index adds or replaces one record.
func (m *Meili) Index(rec Record) error {
	_, err := m.client.Index(indexUID(rec.Type)).AddDocuments([]Record{rec}, nil)
	return err
}

// Delete removes one record.
func (m *Meili) Delete(t ResultType, id string) error {
	_, err := m.client.Index(indexUID(t)).DeleteDocument(id, nil)
	return err
}

// IndexAll bulk-indexes records, one request per entity type.
func (m *Meili) IndexAll(records []Record) error {
	for t, batch := range groupByType(records) {
		if _, err := m.client.Index(indexUID(t)).AddDocuments(batch, nil); err != nil {
			return fmt.Errorf("index %s: %w", t, err)
		}
	}
	return nil
}

func groupByType(records []Record) map[ResultType][]Record {
	out := map[ResultType][]Record{}
	for _, rec := range records {
		out[rec.Type] = append(out[rec.Type], rec)
	}
	return out
}
