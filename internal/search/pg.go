package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Pg implements Searcher using an ILIKE scan over the cards table as a
// fallback when Meilisearch is unavailable.
type Pg struct {
	db *sql.DB
}

// NewPg creates a PostgreSQL card searcher.
func NewPg(db *sql.DB) *Pg {
	return &Pg{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *Pg) Healthy() bool {
	return true
}

// Search matches the query text against habit title, category, reward,
// and creator display name.
func (p *Pg) Search(ctx context.Context, q Query) ([]Result, int, error) {
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

	where := `(c.habit ILIKE $1 OR c.category ILIKE $1 OR c.reward ILIKE $1 OR p.display_name ILIKE $1)`
	args := []any{"%" + q.Text + "%"}
	argN := 2

	if q.FilterCategory != "" {
		where += fmt.Sprintf(" AND c.category = $%d", argN)
		args = append(args, q.FilterCategory)
		argN++
	}
	if q.FilterMode != "" {
		where += fmt.Sprintf(" AND c.mode = $%d", argN)
		args = append(args, q.FilterMode)
		argN++
	}

	countSQL := fmt.Sprintf(`
		SELECT count(*)
		FROM cards c
		JOIN profiles p ON p.id = c.creator_id
		WHERE %s`, where)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count card search: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.habit, c.category, c.reward, c.mode, p.display_name
		FROM cards c
		JOIN profiles p ON p.id = c.creator_id
		WHERE %s
		ORDER BY c.created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query card search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Category, &r.Reward, &r.Mode, &r.CreatorName); err != nil {
			return nil, 0, fmt.Errorf("scan card search row: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllCards returns every card for full reindexing.
func (p *Pg) LoadAllCards(ctx context.Context) ([]CardRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.habit, c.category, c.reward, c.mode, p.display_name
		FROM cards c
		JOIN profiles p ON p.id = c.creator_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load cards: %w", err)
	}
	defer rows.Close()

	cards := make([]CardRecord, 0)
	for rows.Next() {
		var c CardRecord
		if err := rows.Scan(&c.ID, &c.Title, &c.Category, &c.Reward, &c.Mode, &c.CreatorName); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}

	return cards, nil
}
