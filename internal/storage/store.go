package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/binshare/binshare/internal/protocol"

	_ "modernc.org/sqlite"
)

// defaultBranchCacheSize bounds the LRU fronting branch resolution on
// the per-event insert path when the caller does not size it.
const defaultBranchCacheSize = 1024

// Store is the durable home of repositories, branches and per-branch
// event logs. All methods are safe for concurrent use; conflicting
// writes are serialized on a single sqlite connection so tick
// assignment is atomic.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	branches *lru.Cache[string, protocol.Branch]
}

// Open opens (creating if absent) the sqlite database at path, applies
// migrations and returns a ready Store. Idempotent across restarts.
// cacheSize bounds the branch cache; zero picks the default.
func Open(path string, cacheSize int, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// sqlite allows one writer; a single pooled connection keeps
	// statement ordering equal to call ordering.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := NewMigrationRunner(db).Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database %s: %w", path, err)
	}

	return NewStore(db, cacheSize, logger)
}

// NewStore wraps an already-migrated database handle.
func NewStore(db *sql.DB, cacheSize int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = defaultBranchCacheSize
	}
	cache, err := lru.New[string, protocol.Branch](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create branch cache: %w", err)
	}
	return &Store{db: db, logger: logger, branches: cache}, nil
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertRepository persists a new repository. Returns ErrDuplicateKey
// if the hash already exists; the existing row is left unchanged.
func (s *Store) InsertRepository(repo protocol.Repository) error {
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert repository %s: %w", repo.Hash, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow("SELECT 1 FROM repositories WHERE hash = ?", repo.Hash).Scan(&exists)
	if err == nil {
		return fmt.Errorf("insert repository %s: %w", repo.Hash, protocol.ErrDuplicateKey)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("insert repository %s: %w", repo.Hash, err)
	}

	_, err = tx.Exec(`
		INSERT INTO repositories (hash, file, file_type, created_at)
		VALUES (?, ?, ?, ?)
	`,
		repo.Hash,
		repo.File,
		repo.FileType,
		repo.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert repository %s: %w", repo.Hash, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert repository %s: %w", repo.Hash, err)
	}
	return nil
}

// SelectRepositories returns all repositories, or the single one
// matching hash when hash is non-empty (empty slice if absent).
func (s *Store) SelectRepositories(hash string) ([]protocol.Repository, error) {
	query := "SELECT hash, file, file_type, created_at FROM repositories"
	args := []any{}
	if hash != "" {
		query += " WHERE hash = ?"
		args = append(args, hash)
	}
	query += " ORDER BY created_at, hash"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select repositories: %w", err)
	}
	defer rows.Close()

	repos := make([]protocol.Repository, 0)
	for rows.Next() {
		var (
			repo      protocol.Repository
			createdAt string
		)
		if err := rows.Scan(&repo.Hash, &repo.File, &repo.FileType, &createdAt); err != nil {
			return nil, fmt.Errorf("select repositories: scan: %w", err)
		}
		repo.CreatedAt, err = parseSQLiteTimestamp(createdAt)
		if err != nil {
			return nil, fmt.Errorf("select repositories: parse created_at for %s: %w", repo.Hash, err)
		}
		repos = append(repos, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select repositories: iterate: %w", err)
	}
	return repos, nil
}

// InsertBranch persists a new branch. Returns ErrDuplicateKey on UUID
// collision and ErrForeignKey if the parent repository is unknown; no
// row is created on failure.
func (s *Store) InsertBranch(branch protocol.Branch) error {
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	if branch.Bits == 0 {
		branch.Bits = 64
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert branch %s: %w", branch.UUID, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow("SELECT 1 FROM branches WHERE uuid = ?", branch.UUID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("insert branch %s: %w", branch.UUID, protocol.ErrDuplicateKey)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("insert branch %s: %w", branch.UUID, err)
	}

	err = tx.QueryRow("SELECT 1 FROM repositories WHERE hash = ?", branch.RepoHash).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("insert branch %s: repository %s: %w", branch.UUID, branch.RepoHash, protocol.ErrForeignKey)
	}
	if err != nil {
		return fmt.Errorf("insert branch %s: %w", branch.UUID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO branches (uuid, repo_hash, created_at, bits)
		VALUES (?, ?, ?, ?)
	`,
		branch.UUID,
		branch.RepoHash,
		branch.CreatedAt.UTC().Format(time.RFC3339Nano),
		branch.Bits,
	)
	if err != nil {
		return fmt.Errorf("insert branch %s: %w", branch.UUID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert branch %s: %w", branch.UUID, err)
	}

	s.branches.Add(branch.UUID, branch)
	return nil
}

// SelectBranches returns branches filtered by either or both keys;
// empty filters match everything.
func (s *Store) SelectBranches(uuid, repoHash string) ([]protocol.Branch, error) {
	query := "SELECT uuid, repo_hash, created_at, bits FROM branches"
	args := []any{}
	conds := []string{}
	if uuid != "" {
		conds = append(conds, "uuid = ?")
		args = append(args, uuid)
	}
	if repoHash != "" {
		conds = append(conds, "repo_hash = ?")
		args = append(args, repoHash)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at, uuid"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("select branches: %w", err)
	}
	defer rows.Close()

	branches := make([]protocol.Branch, 0)
	for rows.Next() {
		branch, err := scanBranchRow(rows)
		if err != nil {
			return nil, fmt.Errorf("select branches: %w", err)
		}
		branches = append(branches, branch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select branches: iterate: %w", err)
	}
	return branches, nil
}

// SelectBranch returns exactly the branch with the given UUID under the
// given repository, or ErrNotFound.
func (s *Store) SelectBranch(uuid, repoHash string) (protocol.Branch, error) {
	if branch, ok := s.branches.Get(uuid); ok && branch.RepoHash == repoHash {
		return branch, nil
	}

	row := s.db.QueryRow(`
		SELECT uuid, repo_hash, created_at, bits
		FROM branches
		WHERE uuid = ? AND repo_hash = ?
	`, uuid, repoHash)

	branch, err := scanBranchSingleRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Branch{}, fmt.Errorf("branch %s in repository %s: %w", uuid, repoHash, protocol.ErrNotFound)
	}
	if err != nil {
		return protocol.Branch{}, fmt.Errorf("select branch %s: %w", uuid, err)
	}

	s.branches.Add(branch.UUID, branch)
	return branch, nil
}

// InsertEvent appends an event to the branch log and returns its
// assigned tick. Assignment is atomic: no two events on one branch ever
// share a tick, and ticks are contiguous from 1. Returns ErrNotFound if
// the branch does not exist under the repository.
func (s *Store) InsertEvent(repoHash, branchUUID, kind string, payload []byte) (uint64, error) {
	if _, err := s.SelectBranch(branchUUID, repoHash); err != nil {
		return 0, err
	}

	var tick uint64
	err := s.db.QueryRow(`
		INSERT INTO events (repo_hash, branch_uuid, tick, kind, payload, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(tick), 0) + 1 FROM events WHERE repo_hash = ? AND branch_uuid = ?), ?, ?, ?)
		RETURNING tick
	`,
		repoHash,
		branchUUID,
		repoHash,
		branchUUID,
		kind,
		payload,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Scan(&tick)
	if err != nil {
		return 0, fmt.Errorf("insert event on %s/%s: %w", repoHash, branchUUID, err)
	}

	return tick, nil
}

// SelectEvents returns every event on the branch with tick strictly
// greater than sinceTick, in ascending tick order.
func (s *Store) SelectEvents(repoHash, branchUUID string, sinceTick uint64) ([]protocol.EventMessage, error) {
	rows, err := s.db.Query(`
		SELECT tick, kind, payload
		FROM events
		WHERE repo_hash = ? AND branch_uuid = ? AND tick > ?
		ORDER BY tick ASC
	`, repoHash, branchUUID, sinceTick)
	if err != nil {
		return nil, fmt.Errorf("select events on %s/%s: %w", repoHash, branchUUID, err)
	}
	defer rows.Close()

	events := make([]protocol.EventMessage, 0)
	for rows.Next() {
		var (
			msg     protocol.EventMessage
			payload []byte
		)
		if err := rows.Scan(&msg.Tick, &msg.EventKind, &payload); err != nil {
			return nil, fmt.Errorf("select events on %s/%s: scan: %w", repoHash, branchUUID, err)
		}
		msg.Data = payload
		events = append(events, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select events on %s/%s: iterate: %w", repoHash, branchUUID, err)
	}
	return events, nil
}

func scanBranchRow(rows *sql.Rows) (protocol.Branch, error) {
	var (
		branch    protocol.Branch
		createdAt string
	)
	if err := rows.Scan(&branch.UUID, &branch.RepoHash, &createdAt, &branch.Bits); err != nil {
		return protocol.Branch{}, fmt.Errorf("scan branch row: %w", err)
	}

	parsed, err := parseSQLiteTimestamp(createdAt)
	if err != nil {
		return protocol.Branch{}, fmt.Errorf("parse created_at for branch %s: %w", branch.UUID, err)
	}
	branch.CreatedAt = parsed
	return branch, nil
}

func scanBranchSingleRow(row *sql.Row) (protocol.Branch, error) {
	var (
		branch    protocol.Branch
		createdAt string
	)
	if err := row.Scan(&branch.UUID, &branch.RepoHash, &createdAt, &branch.Bits); err != nil {
		return protocol.Branch{}, err
	}

	parsed, err := parseSQLiteTimestamp(createdAt)
	if err != nil {
		return protocol.Branch{}, fmt.Errorf("parse created_at for branch %s: %w", branch.UUID, err)
	}
	branch.CreatedAt = parsed
	return branch, nil
}

func parseSQLiteTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}
