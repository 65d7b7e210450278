package directory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/fleetd/internal/config"
	"github.com/mtzanidakis/fleetd/internal/natsbus"
	_ "modernc.org/sqlite"
)

type Directory struct {
	db     *sql.DB
	mu     sync.Mutex
	events chan Event
	bus    *natsbus.Client
}

func New(cfg config.StoreConfig) (*Directory, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	d := &Directory{db: db}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL UNIQUE,
			status           TEXT NOT NULL DEFAULT 'inactive',
			llm_config       TEXT,
			prompts          TEXT,
			abilities        TEXT,
			responsibilities TEXT,
			retry_policy     TEXT,
			last_error       TEXT,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name       TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

// Create stores a new agent config and emits a created event.
// An empty ID is assigned a fresh uuid. Names must be globally unique.
func (d *Directory) Create(cfg *AgentConfig) (string, error) {
	if cfg.Name == "" {
		return "", fmt.Errorf("agent name is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Status == "" {
		cfg.Status = StatusInactive
	}

	llm, prompts, abilities, resps, policy, err := encodeColumns(cfg)
	if err != nil {
		return "", err
	}

	_, err = d.db.Exec(`
		INSERT INTO agents (id, name, status, llm_config, prompts, abilities, responsibilities, retry_policy, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, string(cfg.Status), llm, prompts, abilities, resps, policy, cfg.LastError)
	if err != nil {
		return "", fmt.Errorf("create agent %s: %w", cfg.Name, err)
	}

	stored, err := d.Get(cfg.ID)
	if err != nil {
		return "", err
	}
	d.emit(EventCreated, stored)
	return cfg.ID, nil
}

// Update replaces an existing agent config and emits an updated event.
func (d *Directory) Update(cfg *AgentConfig) error {
	llm, prompts, abilities, resps, policy, err := encodeColumns(cfg)
	if err != nil {
		return err
	}

	prior, err := d.Get(cfg.ID)
	if err != nil {
		return err
	}

	res, err := d.db.Exec(`
		UPDATE agents SET name = ?, status = ?, llm_config = ?, prompts = ?,
			abilities = ?, responsibilities = ?, retry_policy = ?, last_error = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		cfg.Name, string(cfg.Status), llm, prompts, abilities, resps, policy, cfg.LastError, cfg.ID)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", cfg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update agent %s: not found", cfg.ID)
	}

	stored, err := d.Get(cfg.ID)
	if err != nil {
		return err
	}
	if changed := Changed(prior, stored); len(changed) > 0 {
		slog.Info("agent updated", "agent", cfg.ID, "name", stored.Name, "changed", changed)
	}
	d.emit(EventUpdated, stored)
	return nil
}

// Delete removes an agent and emits a deleted event carrying the last
// known config.
func (d *Directory) Delete(id string) error {
	prior, err := d.Get(id)
	if err != nil {
		return err
	}
	if prior == nil {
		return fmt.Errorf("delete agent %s: not found", id)
	}

	if _, err := d.db.Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}

	d.emit(EventDeleted, prior)
	return nil
}

// ChangeStatus flips an agent's status and emits an updated event.
func (d *Directory) ChangeStatus(id string, status Status) error {
	res, err := d.db.Exec(`UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("change status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("change status %s: not found", id)
	}

	stored, err := d.Get(id)
	if err != nil {
		return err
	}
	d.emit(EventUpdated, stored)
	return nil
}

// SetLastError persists a terminal ability error without emitting a
// change event (last-write-wins, no reconfiguration implied).
func (d *Directory) SetLastError(id, text string) error {
	_, err := d.db.Exec(`UPDATE agents SET last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		text, id)
	if err != nil {
		return fmt.Errorf("set last error %s: %w", id, err)
	}
	return nil
}

// Get returns the agent config, or nil if it does not exist.
func (d *Directory) Get(id string) (*AgentConfig, error) {
	row := d.db.QueryRow(`
		SELECT id, name, status, llm_config, prompts, abilities, responsibilities, retry_policy, last_error, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	cfg, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return cfg, nil
}

// GetByName returns the agent config with the given name, or nil.
func (d *Directory) GetByName(name string) (*AgentConfig, error) {
	row := d.db.QueryRow(`
		SELECT id, name, status, llm_config, prompts, abilities, responsibilities, retry_policy, last_error, created_at, updated_at
		FROM agents WHERE name = ?`, name)
	cfg, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by name %s: %w", name, err)
	}
	return cfg, nil
}

// ListActive returns all agents with status active, in creation order.
func (d *Directory) ListActive() ([]AgentConfig, error) {
	return d.list(`WHERE status = 'active'`)
}

// List returns all agents in creation order.
func (d *Directory) List() ([]AgentConfig, error) {
	return d.list(``)
}

func (d *Directory) list(where string) ([]AgentConfig, error) {
	rows, err := d.db.Query(`
		SELECT id, name, status, llm_config, prompts, abilities, responsibilities, retry_policy, last_error, created_at, updated_at
		FROM agents ` + where + ` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentConfig
	for rows.Next() {
		cfg, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *cfg)
	}
	return agents, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(s scanner) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	var status string
	var llm, prompts, abilities, resps, policy, lastErr sql.NullString
	err := s.Scan(&cfg.ID, &cfg.Name, &status, &llm, &prompts, &abilities, &resps, &policy,
		&lastErr, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cfg.Status = Status(status)
	cfg.LastError = lastErr.String

	if llm.String != "" {
		if err := json.Unmarshal([]byte(llm.String), &cfg.LLMConfig); err != nil {
			return nil, fmt.Errorf("decode llm_config: %w", err)
		}
	}
	if prompts.String != "" {
		if err := json.Unmarshal([]byte(prompts.String), &cfg.Prompts); err != nil {
			return nil, fmt.Errorf("decode prompts: %w", err)
		}
	}
	if abilities.String != "" {
		if err := json.Unmarshal([]byte(abilities.String), &cfg.Abilities); err != nil {
			return nil, fmt.Errorf("decode abilities: %w", err)
		}
	}
	if resps.String != "" {
		if err := json.Unmarshal([]byte(resps.String), &cfg.Responsibilities); err != nil {
			return nil, fmt.Errorf("decode responsibilities: %w", err)
		}
	}
	if policy.String != "" {
		if err := json.Unmarshal([]byte(policy.String), &cfg.RetryPolicy); err != nil {
			return nil, fmt.Errorf("decode retry_policy: %w", err)
		}
	}
	return cfg, nil
}

func encodeColumns(cfg *AgentConfig) (llm, prompts, abilities, resps, policy string, err error) {
	enc := func(v any) (string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode agent column: %w", err)
		}
		return string(data), nil
	}

	if llm, err = enc(cfg.LLMConfig); err != nil {
		return
	}
	if prompts, err = enc(cfg.Prompts); err != nil {
		return
	}
	if abilities, err = enc(cfg.Abilities); err != nil {
		return
	}
	if resps, err = enc(cfg.Responsibilities); err != nil {
		return
	}
	policy, err = enc(cfg.RetryPolicy)
	return
}
