package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgLike implements Searcher with ILIKE pattern matching as a
// fallback. Update text is Turkish, so Postgres FTS with its English
// stemmer would miss more than a plain substring match does.
type PgLike struct {
	db *sql.DB
}

// NewPgLike creates a PostgreSQL fallback searcher.
func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgLike) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across updates and projects.
func (p *PgLike) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + escapeLike(strings.TrimSpace(q.Text)) + "%"
	args := []any{pattern}
	argN := 2

	var subQueries []string

	// Updates sub-query
	if q.FilterType == "" || q.FilterType == ResultUpdate {
		where := "(u.title ILIKE $1 OR u.description ILIKE $1)"
		if q.FilterClientID != "" {
			where += fmt.Sprintf(" AND p.client_id = $%d", argN)
			args = append(args, q.FilterClientID)
			argN++
		}
		if q.FilterProjectID != "" {
			where += fmt.Sprintf(" AND u.project_id = $%d", argN)
			args = append(args, q.FilterProjectID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'update'::text AS type, u.id, u.title,
				left(u.description, 200) AS snippet,
				u.project_id, p.client_id,
				u.category, COALESCE(u.status, 'pending') AS status,
				u.created_at AS sort_key
			FROM updates u
			JOIN projects p ON p.id = u.project_id
			WHERE %s`, where))
	}

	// Projects sub-query
	if q.FilterType == "" || q.FilterType == ResultProject {
		where := "pr.name ILIKE $1"
		if q.FilterClientID != "" {
			where += fmt.Sprintf(" AND pr.client_id = $%d", argN)
			args = append(args, q.FilterClientID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'project'::text AS type, pr.id, pr.name AS title,
				''::text AS snippet,
				pr.id AS project_id, pr.client_id,
				''::text AS category, pr.status,
				pr.created_at AS sort_key
			FROM projects pr
			WHERE %s`, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id, client_id, category, status
		FROM (%s) sub
		ORDER BY sort_key DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg search count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pg search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.ClientID, &r.Category, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pg search scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgLike) LoadAllRecords(ctx context.Context) ([]UpdateRecord, []ProjectRecord, error) {
	updateRows, err := p.db.QueryContext(ctx, `
		SELECT u.id, u.title, u.description, u.project_id, p.client_id,
			u.category, COALESCE(u.status, 'pending')
		FROM updates u
		JOIN projects p ON p.id = u.project_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load updates: %w", err)
	}
	defer updateRows.Close()

	updates := make([]UpdateRecord, 0)
	for updateRows.Next() {
		var u UpdateRecord
		if err := updateRows.Scan(&u.ID, &u.Title, &u.Description, &u.ProjectID, &u.ClientID, &u.Category, &u.Status); err != nil {
			return nil, nil, fmt.Errorf("scan update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := updateRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate updates: %w", err)
	}

	projectRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, client_id, status
		FROM projects
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projectRows.Close()

	projects := make([]ProjectRecord, 0)
	for projectRows.Next() {
		var pr ProjectRecord
		if err := projectRows.Scan(&pr.ID, &pr.Name, &pr.ClientID, &pr.Status); err != nil {
			return nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, pr)
	}
	if err := projectRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	return updates, projects, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
