package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrAgentNotFound is returned when no agent row matches the given UUID.
var ErrAgentNotFound = errors.New("agent not found")

// Event categories accepted by InsertEvent, one table per category. The
// category name is interpolated into SQL, so it must come from this set.
var eventCategories = map[string]bool{
	"security_logs":   true,
	"file_integrity":  true,
	"command_history": true,
	"sessions":        true,
	"cpu_processes":   true,
	"system_stats":    true,
	"alerts":          true,
}

// Agent is one enrolled agent row. APIKeyHash is the hex sha256 of the key
// issued at enrollment; the key itself is never stored.
type Agent struct {
	UUID       string
	Hostname   string
	IPAddress  string
	OSName     string
	APIKeyHash string
	IsActive   bool
	LastSeen   time.Time // zero value means the agent never reported
	CreatedAt  time.Time
}

// Store is the sqlite-backed persistence layer for the collector.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the collector database and ensures the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		uuid TEXT PRIMARY KEY,
		hostname TEXT NOT NULL,
		ip_address TEXT NOT NULL DEFAULT '',
		os_name TEXT NOT NULL DEFAULT '',
		api_key_hash TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		last_seen INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create agents table: %w", err)
	}

	for category := range eventCategories {
		table := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_uuid TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at INTEGER NOT NULL
		);`, category)
		if _, err := db.Exec(table); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create %s table: %w", category, err)
		}
	}

	return &Store{db: db, logger: logger.With().Str("component", "store").Logger()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAgent inserts a newly enrolled agent.
func (s *Store) CreateAgent(ctx context.Context, a Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (uuid, hostname, ip_address, os_name, api_key_hash, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		a.UUID, a.Hostname, a.IPAddress, a.OSName, a.APIKeyHash, time.Now().Unix())
	return err
}

// AgentByUUID fetches one agent row.
func (s *Store) AgentByUUID(ctx context.Context, uuid string) (Agent, error) {
	var a Agent
	var lastSeen, createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid, hostname, ip_address, os_name, api_key_hash, is_active, last_seen, created_at
		 FROM agents WHERE uuid = ?`, uuid).
		Scan(&a.UUID, &a.Hostname, &a.IPAddress, &a.OSName, &a.APIKeyHash, &a.IsActive, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	if lastSeen > 0 {
		a.LastSeen = time.Unix(lastSeen, 0)
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return a, nil
}

// TouchLastSeen records a successful authenticated report from an agent.
func (s *Store) TouchLastSeen(ctx context.Context, uuid string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen = ? WHERE uuid = ?`, at.Unix(), uuid)
	return err
}

// ListAgents returns every enrolled agent, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, hostname, ip_address, os_name, api_key_hash, is_active, last_seen, created_at
		 FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var lastSeen, createdAt int64
		if err := rows.Scan(&a.UUID, &a.Hostname, &a.IPAddress, &a.OSName,
			&a.APIKeyHash, &a.IsActive, &lastSeen, &createdAt); err != nil {
			return nil, err
		}
		if lastSeen > 0 {
			a.LastSeen = time.Unix(lastSeen, 0)
		}
		a.CreatedAt = time.Unix(createdAt, 0)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentActive flips an agent's revocation flag.
func (s *Store) SetAgentActive(ctx context.Context, uuid string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET is_active = ? WHERE uuid = ?`, active, uuid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// InsertEvent stores one raw event payload under its category table.
func (s *Store) InsertEvent(ctx context.Context, category, agentUUID string, payload []byte) error {
	if !eventCategories[category] {
		return fmt.Errorf("unknown event category %q", category)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (agent_uuid, payload, received_at) VALUES (?, ?, ?)`, category),
		agentUUID, string(payload), time.Now().Unix())
	return err
}

// CountEvents returns the number of stored events in one category.
func (s *Store) CountEvents(ctx context.Context, category string) (int, error) {
	if !eventCategories[category] {
		return 0, fmt.Errorf("unknown event category %q", category)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, category)).Scan(&n)
	return n, err
}
