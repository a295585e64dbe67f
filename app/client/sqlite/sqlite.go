package sqlite

import (
	"cortex/app/config"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/do"
	"github.com/samber/oops"
	_ "modernc.org/sqlite"
)

var _ do.Shutdownable = (*DB)(nil)

// DB is the process-wide SQLite handle shared by the task and memory stores.
type DB struct {
	*sql.DB
}

func New(di *do.Injector) (*DB, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return Open(cfg.Storage.DBPath)
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, oops.Wrapf(err, "create database directory")
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, oops.Wrapf(err, "open database")
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, oops.Wrapf(err, "ping database")
	}

	return &DB{DB: db}, nil
}

func (d *DB) Shutdown() error {
	return d.Close()
}
