package search

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func TestBuildQueriesCoversEveryTable(t *testing.T) {
	count, data, args := buildQueries(Query{Text: "skull"})
	if len(args) != 1 || args[0] != "skull" {
		t.Fatalf("unexpected args: %v", args)
	}
	for _, src := range sources {
		if !strings.Contains(data, "FROM "+src.table+" t") {
			t.Fatalf("data query missing %s", src.table)
		}
	}
	if !strings.HasPrefix(count, "SELECT count(*)") {
		t.Fatalf("unexpected count query: %s", count)
	}
	if !strings.Contains(data, "LIMIT 20 OFFSET 0") {
		t.Fatalf("expected default paging: %s", data)
	}
}

func TestBuildQueriesPerformanceFilterSkipsGlobalTables(t *testing.T) {
	_, data, args := buildQueries(Query{Text: "skull", FilterPerformance: "perf-1", Limit: 5, Offset: 10})
	if len(args) != 2 || args[1] != "perf-1" {
		t.Fatalf("unexpected args: %v", args)
	}
	for _, table := range []string{"items", "groups", "locations"} {
		if strings.Contains(data, "FROM "+table+" t") {
			t.Fatalf("%s has no performance and must be skipped", table)
		}
	}
	if !strings.Contains(data, "t.performance_id = $2") {
		t.Fatalf("expected performance filter: %s", data)
	}
	if !strings.Contains(data, "LIMIT 5 OFFSET 10") {
		t.Fatalf("expected paging: %s", data)
	}
}

func TestBuildQueriesTypeFilter(t *testing.T) {
	_, data, _ := buildQueries(Query{Text: "x", FilterType: ResultNote})
	if strings.Count(data, "SELECT '") != 1 || !strings.Contains(data, "FROM notes t") {
		t.Fatalf("expected only the notes sub-query: %s", data)
	}
	count, _, _ := buildQueries(Query{Text: "x", FilterType: ResultGroup, FilterPerformance: "perf-1"})
	if count != "" {
		t.Fatal("expected no query when the type cannot match the performance filter")
	}
}

func TestIndexNamesRoundTrip(t *testing.T) {
	for _, typ := range ResultTypes {
		if got := indexToResultType(indexUID(typ)); got != typ {
			t.Fatalf("index %s maps back to %q", indexUID(typ), got)
		}
		if parsed, ok := ParseResultType(string(typ)); !ok || parsed != typ {
			t.Fatalf("parse %s failed", typ)
		}
	}
	if _, ok := ParseResultType("thread"); ok {
		t.Fatal("unexpected type accepted")
	}
}

func TestHitToResultPrefersFormattedFields(t *testing.T) {
	hit := meili.Hit{
		"id":            json.RawMessage(`"n1"`),
		"title":         json.RawMessage(`"Hamlet notes"`),
		"body":          json.RawMessage(`"Yorick skull"`),
		"performanceId": json.RawMessage(`"perf-1"`),
		"_formatted":    json.RawMessage(`{"body":"Yorick <mark>skull</mark>"}`),
	}
	r := hitToResult(hit, ResultNote)
	if r.ID != "n1" || r.Title != "Hamlet notes" || r.PerformanceID != "perf-1" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.Snippet != "Yorick <mark>skull</mark>" {
		t.Fatalf("unexpected snippet: %q", r.Snippet)
	}
}

func TestServiceWithoutBackendsReturnsEmpty(t *testing.T) {
	svc := NewService(nil, nil, nil)
	resp := svc.Search(context.Background(), Query{Text: "skull"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "skull" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if n, err := svc.ReindexAllFromPG(context.Background()); n != 0 || err != nil {
		t.Fatalf("unexpected reindex result: %d %v", n, err)
	}
	svc.Index(Record{ID: "x", Type: ResultItem})
	svc.Delete(ResultItem, "x")
}

func TestGroupByType(t *testing.T) {
	grouped := groupByType([]Record{{ID: "1", Type: ResultItem}, {ID: "2", Type: ResultNote}, {ID: "3", Type: ResultItem}})
	if len(grouped[ResultItem]) != 2 || len(grouped[ResultNote]) != 1 {
		t.Fatalf("unexpected grouping: %+v", grouped)
	}
}
