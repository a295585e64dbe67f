package memory

import (
	"context"
	"cortex/app/client/sqlite"
	"cortex/app/config"

	"github.com/samber/do"
	"github.com/samber/oops"
)

// New picks the backend configured in storage.memory_driver.
func New(di *do.Injector) (Store, error) {
	cfg := do.MustInvoke[*config.Config](di)

	switch cfg.Storage.MemoryDriver {
	case "file":
		return NewFileStore(cfg.Storage.MemoryPath)
	case "sqlite":
		db := do.MustInvoke[*sqlite.DB](di)
		return NewSQLiteStore(context.Background(), db.DB)
	default:
		return nil, oops.In("memory").Errorf("unknown memory driver %q", cfg.Storage.MemoryDriver)
	}
}
