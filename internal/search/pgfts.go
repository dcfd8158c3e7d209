package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"backstage/api/internal/scenenotes"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// source describes how one entity type maps onto its table.
type source struct {
	typ         ResultType
	table       string
	title       string
	body        string
	performance string
}

// Every table carries a generated fts column built with the 'simple'
// configuration; queries must use the same one.
var sources = []source{
	{typ: ResultPerformance, table: "performances", title: "t.title", body: "coalesce(t.description, '')", performance: "t.id"},
	{typ: ResultNote, table: "notes", title: "t.title", body: noteTextSQL, performance: "coalesce(t.performance_id, '')"},
	{typ: ResultProp, table: "performance_props", title: "t.item_name", body: "''", performance: "t.performance_id"},
	{typ: ResultItem, table: "items", title: "t.name", body: "coalesce(t.description, '')", performance: "''"},
	{typ: ResultGroup, table: "groups", title: "t.name", body: "''", performance: "''"},
	{typ: ResultLocation, table: "locations", title: "t.name", body: "coalesce(t.description, '')", performance: "''"},
}

const noteTextSQL = `coalesce((SELECT string_agg(v #>> '{}', ' ') FROM jsonb_path_query(t.content, 'strict $.**.text') AS v), '')`

const tsQuery = "plainto_tsquery('simple', $1)"

func buildQueries(q Query) (count, data string, args []any) {
	args = []any{q.Text}
	var perfArg string
	if q.FilterPerformance != "" {
		args = append(args, q.FilterPerformance)
		perfArg = fmt.Sprintf("$%d", len(args))
	}

	var subQueries []string
	for _, src := range sources {
		if q.FilterType != "" && q.FilterType != src.typ {
			continue
		}
		where := "t.fts @@ " + tsQuery
		if perfArg != "" {
			if src.performance == "''" {
				continue
			}
			where += fmt.Sprintf(" AND %s = %s", src.performance, perfArg)
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT '%s'::text AS type, t.id, %s AS title,
				ts_headline('simple', %s, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				%s AS performance_id,
				ts_rank(t.fts, %s) AS rank
			FROM %s t
			WHERE %s`, src.typ, src.title, src.body, tsQuery, src.performance, tsQuery, src.table, where))
	}
	if len(subQueries) == 0 {
		return "", "", nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	union := strings.Join(subQueries, " UNION ALL ")
	count = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	data = fmt.Sprintf(`SELECT type, id, title, snippet, performance_id
		FROM (%s) sub
		ORDER BY rank DESC, title
		LIMIT %d OFFSET %d`, union, limit, offset)
	return count, data, args
}

// Search executes a UNION ALL query across every searchable table using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	countSQL, dataSQL, args := buildQueries(q)
	if countSQL == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PerformanceID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for full reindexing.
// Note bodies are flattened to plain text.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]Record, error) {
	records := make([]Record, 0)
	for _, src := range sources {
		body := src.body
		if src.typ == ResultNote {
			body = "''"
		}
		rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT t.id, %s, %s, %s FROM %s t`, src.title, body, src.performance, src.table))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", src.table, err)
		}
		for rows.Next() {
			rec := Record{Type: src.typ}
			if err := rows.Scan(&rec.ID, &rec.Title, &rec.Body, &rec.PerformanceID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", src.table, err)
			}
			records = append(records, rec)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate %s: %w", src.table, err)
		}
	}

	if err := p.fillNoteBodies(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PgFTS) fillNoteBodies(ctx context.Context, records []Record) error {
	rows, err := p.db.QueryContext(ctx, `SELECT id, content FROM notes`)
	if err != nil {
		return fmt.Errorf("load note content: %w", err)
	}
	defer rows.Close()

	bodies := map[string]string{}
	for rows.Next() {
		var id string
		var content []byte
		if err := rows.Scan(&id, &content); err != nil {
			return fmt.Errorf("scan note content: %w", err)
		}
		doc, err := scenenotes.DecodeDoc(content)
		if err != nil {
			continue
		}
		bodies[id] = scenenotes.PlainText(doc)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate note content: %w", err)
	}
	for i := range records {
		if records[i].Type == ResultNote {
			records[i].Body = bodies[records[i].ID]
		}
	}
	return nil
}
