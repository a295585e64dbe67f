package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
)

var _ Store = (*FileStore)(nil)

// FileStore keeps facts as JSON lines, one object per fact, in insertion order.
type FileStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, oops.In("memory").Wrapf(err, "create memory directory")
	}

	return &FileStore{
		path: path,
		now:  time.Now,
	}, nil
}

func (s *FileStore) load() ([]jsonLineItem, error) {
	file, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("memory").Wrapf(err, "open memory file")
	}
	defer file.Close()

	var items []jsonLineItem

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var item jsonLineItem
		if err = json.Unmarshal([]byte(line), &item); err != nil {
			slog.Warn("Skipping malformed memory line", "path", s.path, "error", err)
			continue
		}

		items = append(items, item)
	}

	if err = scanner.Err(); err != nil {
		return nil, oops.In("memory").Wrapf(err, "read memory file")
	}

	return items, nil
}

func (s *FileStore) save(items []jsonLineItem) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".memory-*.tmp")
	if err != nil {
		return oops.In("memory").Wrapf(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	writer := bufio.NewWriter(tmp)
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			_ = tmp.Close()
			return oops.In("memory").Wrapf(err, "marshal fact")
		}
		data = append(data, '\n')
		if _, err = writer.Write(data); err != nil {
			_ = tmp.Close()
			return oops.In("memory").Wrapf(err, "write fact")
		}
	}

	if err = writer.Flush(); err != nil {
		_ = tmp.Close()
		return oops.In("memory").Wrapf(err, "flush memory file")
	}
	if err = tmp.Close(); err != nil {
		return oops.In("memory").Wrapf(err, "close temp file")
	}

	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return oops.In("memory").Wrapf(err, "replace memory file")
	}

	return nil
}

func (s *FileStore) Add(_ context.Context, fact string) (bool, error) {
	fact = normalizeFact(fact)
	if fact == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return false, err
	}

	for _, item := range items {
		if item.Fact == fact {
			return false, nil
		}
	}

	items = append(items, jsonLineItem{Fact: fact, CreatedAt: s.now().UTC()})
	if err = s.save(items); err != nil {
		return false, err
	}

	slog.Info("Added fact", "fact", fact)

	return true, nil
}

func (s *FileStore) All(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.factsLocked()
}

func (s *FileStore) factsLocked() ([]string, error) {
	items, err := s.load()
	if err != nil {
		return nil, err
	}

	facts := make([]string, 0, len(items))
	for _, item := range items {
		facts = append(facts, item.Fact)
	}

	return facts, nil
}

func (s *FileStore) Text(ctx context.Context) (string, error) {
	facts, err := s.All(ctx)
	if err != nil {
		return "", err
	}

	return renderText(facts), nil
}

// Search returns facts containing query, case-insensitively. Empty query matches all.
func (s *FileStore) Search(ctx context.Context, query string, limit int) ([]string, error) {
	facts, err := s.All(ctx)
	if err != nil {
		return nil, err
	}

	return searchFacts(facts, query, limit), nil
}

func (s *FileStore) Replace(_ context.Context, facts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save(s.itemsFor(nil, facts))
}

func (s *FileStore) Consolidate(ctx context.Context, dedup Deduplicator) error {
	return consolidate(ctx, s, dedup)
}

func (s *FileStore) swap(_ context.Context, before, after []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(before))
	for _, fact := range before {
		seen[fact] = true
	}

	var added []string
	for _, item := range current {
		if !seen[item.Fact] {
			added = append(added, item.Fact)
		}
	}

	return s.save(s.itemsFor(current, append(append([]string{}, after...), added...)))
}

// itemsFor builds unique items for facts, keeping creation times known from existing.
func (s *FileStore) itemsFor(existing []jsonLineItem, facts []string) []jsonLineItem {
	created := make(map[string]time.Time, len(existing))
	for _, item := range existing {
		created[item.Fact] = item.CreatedAt
	}

	now := s.now().UTC()
	seen := make(map[string]bool, len(facts))
	items := make([]jsonLineItem, 0, len(facts))

	for _, fact := range facts {
		fact = normalizeFact(fact)
		if fact == "" || seen[fact] {
			continue
		}
		seen[fact] = true

		at, ok := created[fact]
		if !ok {
			at = now
		}
		items = append(items, jsonLineItem{Fact: fact, CreatedAt: at})
	}

	return items
}

func searchFacts(facts []string, query string, limit int) []string {
	query = strings.ToLower(strings.TrimSpace(query))

	result := make([]string, 0)
	for _, fact := range facts {
		if limit > 0 && len(result) >= limit {
			break
		}
		if query == "" || strings.Contains(strings.ToLower(fact), query) {
			result = append(result, fact)
		}
	}

	return result
}
