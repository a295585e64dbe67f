package memory

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"
)

var _ Store = (*SQLiteStore)(nil)

const memorySchema = `
CREATE TABLE IF NOT EXISTS memories (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	fact       TEXT    NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);`

// SQLiteStore keeps facts in a table with a unique fact column, so concurrent
// inserts of the same fact collapse into one row.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, memorySchema); err != nil {
		return nil, oops.In("memory").Wrapf(err, "migrate memories table")
	}

	return &SQLiteStore{
		db:  db,
		now: time.Now,
	}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, fact string) (bool, error) {
	fact = normalizeFact(fact)
	if fact == "" {
		return false, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (fact, created_at) VALUES (?, ?) ON CONFLICT(fact) DO NOTHING`,
		fact, s.now().Unix(),
	)
	if err != nil {
		return false, oops.In("memory").Wrapf(err, "insert fact")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, oops.In("memory").Wrapf(err, "rows affected")
	}

	if affected == 0 {
		return false, nil
	}

	slog.Info("Added fact", "fact", fact)

	return true, nil
}

func (s *SQLiteStore) All(ctx context.Context) ([]string, error) {
	return s.query(ctx, `SELECT fact FROM memories ORDER BY id`)
}

func (s *SQLiteStore) Text(ctx context.Context) (string, error) {
	facts, err := s.All(ctx)
	if err != nil {
		return "", err
	}

	return renderText(facts), nil
}

func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return s.query(ctx, `SELECT fact FROM memories ORDER BY id LIMIT ?`, limit)
	}

	return s.query(ctx,
		`SELECT fact FROM memories WHERE fact LIKE ? ESCAPE '\' ORDER BY id LIMIT ?`,
		"%"+escapeLike(query)+"%", limit,
	)
}

func (s *SQLiteStore) Replace(ctx context.Context, facts []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oops.In("memory").Wrapf(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err = tx.ExecContext(ctx, `DELETE FROM memories`); err != nil {
		return oops.In("memory").Wrapf(err, "clear memories")
	}

	if err = s.insertTx(ctx, tx, facts, nil); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return oops.In("memory").Wrapf(err, "commit")
	}

	return nil
}

func (s *SQLiteStore) Consolidate(ctx context.Context, dedup Deduplicator) error {
	return consolidate(ctx, s, dedup)
}

// swap rewrites the table in consolidated order: after first, then facts that
// appeared since before was read. Known creation times are kept.
func (s *SQLiteStore) swap(ctx context.Context, before, after []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oops.In("memory").Wrapf(err, "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	created, current, err := s.currentTx(ctx, tx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(before))
	for _, fact := range before {
		seen[fact] = true
	}

	facts := append([]string{}, after...)
	for _, fact := range current {
		if !seen[fact] {
			facts = append(facts, fact)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM memories`); err != nil {
		return oops.In("memory").Wrapf(err, "clear memories")
	}

	if err = s.insertTx(ctx, tx, facts, created); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return oops.In("memory").Wrapf(err, "commit")
	}

	return nil
}

func (s *SQLiteStore) currentTx(ctx context.Context, tx *sql.Tx) (map[string]int64, []string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT fact, created_at FROM memories ORDER BY id`)
	if err != nil {
		return nil, nil, oops.In("memory").Wrapf(err, "query memories")
	}
	defer rows.Close()

	created := make(map[string]int64)
	var facts []string
	for rows.Next() {
		var (
			fact string
			at   int64
		)
		if err = rows.Scan(&fact, &at); err != nil {
			return nil, nil, oops.In("memory").Wrapf(err, "scan fact")
		}
		created[fact] = at
		facts = append(facts, fact)
	}

	if err = rows.Err(); err != nil {
		return nil, nil, oops.In("memory").Wrapf(err, "iterate memories")
	}

	return created, facts, nil
}

func (s *SQLiteStore) insertTx(ctx context.Context, tx *sql.Tx, facts []string, created map[string]int64) error {
	now := s.now().Unix()

	for _, fact := range facts {
		fact = normalizeFact(fact)
		if fact == "" {
			continue
		}

		at, ok := created[fact]
		if !ok {
			at = now
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories (fact, created_at) VALUES (?, ?) ON CONFLICT(fact) DO NOTHING`,
			fact, at,
		); err != nil {
			return oops.In("memory").Wrapf(err, "insert fact")
		}
	}

	return nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, oops.In("memory").Wrapf(err, "query memories")
	}
	defer rows.Close()

	facts := make([]string, 0)
	for rows.Next() {
		var fact string
		if err = rows.Scan(&fact); err != nil {
			return nil, oops.In("memory").Wrapf(err, "scan fact")
		}
		facts = append(facts, fact)
	}

	if err = rows.Err(); err != nil {
		return nil, oops.In("memory").Wrapf(err, "iterate memories")
	}

	return facts, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
