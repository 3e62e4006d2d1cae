package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "tabsync/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	defaultPollInterval = 200 * time.Millisecond
	changeRetention     = time.Minute
)

// sqliteStore shares entries through a database file. Every Put/Delete also
// appends to the changes log; watchers poll the log for rows past the
// sequence they last saw.
type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	poll time.Duration
	now  func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	st := &sqliteStore{
		db:         db,
		log:        log.With(logx.String("driver", "sqlite")),
		poll:       poll,
		now:        time.Now,
		pruneEvery: 200,
		done:       make(chan struct{}),
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	v := cloneBytes(value)
	now := s.now().UnixMilli()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv(key, value, updated_at) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			key, v, now,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO changes(key, value, deleted, at) VALUES(?,?,0,?)`, key, v, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.isClosed() {
		return nil, false, ErrClosed
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cloneBytes(v), true, nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if s.isClosed() {
		return ErrClosed
	}
	now := s.now().UnixMilli()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO changes(key, value, deleted, at) VALUES(?,NULL,1,?)`, key, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Watch starts at the current end of the log; earlier changes are not replayed.
func (s *sqliteStore) Watch(ctx context.Context) (<-chan Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var last int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&last); err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	out := make(chan Change, watchBuffer)
	s.wg.Add(1)
	go s.pollLoop(ctx, last, out)
	return out, nil
}

func (s *sqliteStore) pollLoop(ctx context.Context, last int64, out chan<- Change) {
	defer s.wg.Done()
	defer close(out)

	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
		}
		changes, seq, err := s.changesSince(ctx, last)
		if err != nil {
			if ctx.Err() == nil && !s.isClosed() {
				s.log.Warn("store poll failed", logx.Err(err))
			}
			continue
		}
		last = seq
		for _, c := range changes {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}
}

func (s *sqliteStore) changesSince(ctx context.Context, after int64) ([]Change, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, key, value, deleted FROM changes WHERE seq > ? ORDER BY seq LIMIT 500`, after)
	if err != nil {
		return nil, after, err
	}
	defer rows.Close()
	var out []Change
	last := after
	for rows.Next() {
		var (
			seq     int64
			key     string
			value   []byte
			deleted bool
		)
		if err := rows.Scan(&seq, &key, &value, &deleted); err != nil {
			return nil, after, err
		}
		last = seq
		c := Change{Key: key}
		if !deleted {
			c.Value = cloneBytes(value)
		}
		out = append(out, c)
	}
	return out, last, rows.Err()
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cutoff := s.now().Add(-changeRetention).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE at < ?`, cutoff); err != nil {
		s.log.Debug("change log prune failed", logx.Err(err))
	}
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return s.db.Close()
}
