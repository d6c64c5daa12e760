package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nugget/moodmender/internal/checkpoint"
	"github.com/nugget/moodmender/internal/config"
	"github.com/nugget/moodmender/internal/conversations"
	"github.com/nugget/moodmender/internal/facts"
	"github.com/nugget/moodmender/internal/usage"
	"github.com/nugget/moodmender/internal/users"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// Files under data_dir.
const (
	usersFile         = "users.db"
	memoryFile        = "memory.db"
	checkpointsFile   = "checkpoints.db"
	conversationsFile = "conversations.db"
	usageFile         = "usage.db"
)

// stores holds every persistent handle the server shares. Handles are
// opened once and closed in reverse order by Close.
type stores struct {
	users         *users.Store
	facts         facts.Store
	checkpoints   *checkpoint.Store
	conversations *conversations.Store
	usage         *usage.Store
	// pg is set for the postgres memory backend.
	pg *pgxpool.Pool

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

func (s *stores) onClose(name string, fn func() error) {
	s.closers = append(s.closers, namedCloser{name: name, close: fn})
}

// Close releases handles newest first. It is safe to call twice.
func (s *stores) Close(logger *slog.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(); err != nil {
			logger.Warn("close failed", "store", c.name, "error", err)
		}
	}
	s.closers = nil
}

// openStores opens and migrates every store named by cfg. On error,
// whatever was already opened is closed.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *stores, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	s := &stores{}
	defer func() {
		if err != nil {
			s.Close(logger)
		}
	}()

	// --- Users ---
	usersPath := filepath.Join(cfg.DataDir, usersFile)
	s.users, err = users.NewStore(usersPath)
	if err != nil {
		return nil, fmt.Errorf("open user store %s: %w", usersPath, err)
	}
	s.onClose("users", s.users.Close)
	logger.Info("user database opened", "path", usersPath)

	// --- Memory facts ---
	switch cfg.Memory.Backend {
	case "postgres":
		var pool *pgxpool.Pool
		pool, err = pgxpool.New(ctx, cfg.Memory.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s.onClose("postgres", func() error { pool.Close(); return nil })

		pg := facts.NewPostgresStore(pool)
		if err = pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres memory store: %w", err)
		}
		s.facts = pg
		s.pg = pool
		logger.Info("memory store connected", "backend", "postgres")
	default:
		memPath := filepath.Join(cfg.DataDir, memoryFile)
		var sq *facts.SQLiteStore
		sq, err = facts.NewSQLiteStore(memPath)
		if err != nil {
			return nil, fmt.Errorf("open memory store %s: %w", memPath, err)
		}
		s.onClose("memory", sq.Close)
		s.facts = sq
		logger.Info("memory database opened", "backend", "sqlite", "path", memPath)
	}

	// --- Checkpoints ---
	cpPath := filepath.Join(cfg.DataDir, checkpointsFile)
	var cpDB *sql.DB
	cpDB, err = sql.Open("sqlite3", cpPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database %s: %w", cpPath, err)
	}
	s.onClose("checkpoints", cpDB.Close)
	s.checkpoints, err = checkpoint.NewStore(cpDB, cfg.Agent.CheckpointsKept)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint store: %w", err)
	}
	logger.Info("checkpoint database opened", "path", cpPath, "kept", cfg.Agent.CheckpointsKept)

	// --- Conversation metadata ---
	convPath := filepath.Join(cfg.DataDir, conversationsFile)
	convDB, err := conversations.Open(convPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	s.onClose("conversations", convDB.Close)

	cache, err := conversations.NewCache()
	if err != nil {
		return nil, fmt.Errorf("create conversation cache: %w", err)
	}
	s.onClose("conversation cache", func() error { cache.Close(); return nil })

	s.conversations = conversations.NewStore(convDB, cache, logger)
	logger.Info("conversation database opened", "path", convPath)

	// --- Usage ledger ---
	usagePath := filepath.Join(cfg.DataDir, usageFile)
	s.usage, err = usage.NewStore(usagePath)
	if err != nil {
		return nil, fmt.Errorf("open usage store %s: %w", usagePath, err)
	}
	s.onClose("usage", s.usage.Close)

	return s, nil
}
