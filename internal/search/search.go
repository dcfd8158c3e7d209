package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultItem        ResultType = "item"
	ResultGroup       ResultType = "group"
	ResultLocation    ResultType = "location"
	ResultPerformance ResultType = "performance"
	ResultProp        ResultType = "prop"
	ResultNote        ResultType = "note"
)

// ResultTypes lists every searchable entity type in display order.
var ResultTypes = []ResultType{ResultPerformance, ResultNote, ResultProp, ResultItem, ResultGroup, ResultLocation}

// ParseResultType returns the type named by s, or false when s names none.
func ParseResultType(s string) (ResultType, bool) {
	for _, t := range ResultTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type          ResultType `json:"type"`
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Snippet       string     `json:"snippet"`
	PerformanceID string     `json:"performanceId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text              string
	FilterType        ResultType // empty = all types
	FilterPerformance string
	Limit             int
	Offset            int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data indexed for any searchable entity.
type Record struct {
	ID            string     `json:"id"`
	Type          ResultType `json:"type"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	PerformanceID string     `json:"performanceId"`
}
