// PostgreSQL-backed Store implementation using pgx.
// Production deployments point DATABASE_URL at a Postgres instance; local
// dev and tests fall back to the in-memory store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Info().Int("max_conns", maxConns).Msg("PostgreSQL store connected")
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the control-plane schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_definitions (
		agent_id TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS agent_versions (
		agent_id TEXT NOT NULL,
		version TEXT NOT NULL,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (agent_id, version)
	);

	CREATE TABLE IF NOT EXISTS tenant_agent_configs (
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS tenant_tiers (
		tenant_id TEXT PRIMARY KEY,
		tier TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_events(agent_id, occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_events(tenant_id, occurred_at DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// ── Agent Definition Store ──────────────────────────────────

func (s *PostgresStore) GetDefinition(ctx context.Context, agentID string) (*models.AgentDefinition, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM agent_definitions WHERE agent_id = $1`, agentID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent definition", Key: agentID}
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	var def models.AgentDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", agentID, err)
	}
	return &def, nil
}

func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]models.AgentDefinition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM agent_definitions ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []models.AgentDefinition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var def models.AgentDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *PostgresStore) UpsertDefinition(ctx context.Context, def *models.AgentDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_definitions (agent_id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (agent_id) DO UPDATE SET data = $2, updated_at = now()`,
		def.AgentID, raw)
	return err
}

// ── Agent Version Store ─────────────────────────────────────

func (s *PostgresStore) GetVersion(ctx context.Context, agentID, version string) (*models.AgentVersion, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM agent_versions WHERE agent_id = $1 AND version = $2`,
		agentID, version).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent version", Key: agentID + "@" + version}
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	var v models.AgentVersion
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, agentID string) ([]models.AgentVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM agent_versions WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []models.AgentVersion
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v models.AgentVersion
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest first by semver; semver ordering is not lexical, sort in Go.
	sort.Slice(versions, func(i, j int) bool {
		return models.CompareSemver(versions[i].Version, versions[j].Version) > 0
	})
	return versions, nil
}

func (s *PostgresStore) CreateVersion(ctx context.Context, v *models.AgentVersion) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO agent_versions (agent_id, version, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id, version) DO NOTHING`,
		v.AgentID, v.Version, raw, v.CreatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return &models.ValidationError{
			Rule:    "version_unique",
			Field:   "version",
			Message: "version " + v.Version + " already exists for agent " + v.AgentID,
		}
	}
	return nil
}

func (s *PostgresStore) SetVersionStatus(ctx context.Context, agentID, version string, status models.VersionStatus) error {
	v, err := s.GetVersion(ctx, agentID, version)
	if err != nil {
		return err
	}
	v.Status = status
	if status == models.VersionRetired {
		now := time.Now().UTC()
		v.RetiredAt = &now
	}
	return s.updateVersion(ctx, v)
}

func (s *PostgresStore) SetRolloutPercentage(ctx context.Context, agentID, version string, pct int) error {
	v, err := s.GetVersion(ctx, agentID, version)
	if err != nil {
		return err
	}
	v.RolloutPercentage = pct
	return s.updateVersion(ctx, v)
}

func (s *PostgresStore) updateVersion(ctx context.Context, v *models.AgentVersion) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE agent_versions SET data = $3 WHERE agent_id = $1 AND version = $2`,
		v.AgentID, v.Version, raw)
	return err
}

// ── Tenant Config Store ─────────────────────────────────────

func (s *PostgresStore) GetTenantConfig(ctx context.Context, tenantID, agentID string) (*models.TenantAgentConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM tenant_agent_configs WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant agent config", Key: tenantID + ":" + agentID}
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant config: %w", err)
	}
	var cfg models.TenantAgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *PostgresStore) ListTenantConfigs(ctx context.Context, tenantID string) ([]models.TenantAgentConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM tenant_agent_configs WHERE tenant_id = $1 ORDER BY agent_id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant configs: %w", err)
	}
	defer rows.Close()

	var cfgs []models.TenantAgentConfig
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var cfg models.TenantAgentConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, rows.Err()
}

func (s *PostgresStore) UpsertTenantConfig(ctx context.Context, cfg *models.TenantAgentConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode tenant config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_agent_configs (tenant_id, agent_id, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, agent_id) DO UPDATE SET data = $3, updated_at = now()`,
		cfg.TenantID, cfg.AgentID, raw)
	return err
}

func (s *PostgresStore) DeleteTenantConfig(ctx context.Context, tenantID, agentID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM tenant_agent_configs WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID)
	return err
}

func (s *PostgresStore) GetTenantTier(ctx context.Context, tenantID string) (models.TenantTier, error) {
	var tier string
	err := s.pool.QueryRow(ctx,
		`SELECT tier FROM tenant_tiers WHERE tenant_id = $1`, tenantID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("get tenant tier: %w", err)
	}
	return models.TenantTier(tier), nil
}

func (s *PostgresStore) SetTenantTier(ctx context.Context, tenantID string, tier models.TenantTier) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_tiers (tenant_id, tier) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET tier = $2`,
		tenantID, string(tier))
	return err
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, agent_id, tenant_id, action, occurred_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.AgentID, event.TenantID, event.Action, event.Timestamp, raw)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT data FROM audit_events WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.AgentID != "" {
		query += ` AND agent_id = ` + arg(filter.AgentID)
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ` + arg(filter.TenantID)
	}
	if filter.Action != "" {
		query += ` AND action = ` + arg(filter.Action)
	}
	if filter.Since != nil {
		query += ` AND occurred_at >= ` + arg(*filter.Since)
	}
	query += ` ORDER BY occurred_at DESC LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev models.AuditEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ── Lifecycle ───────────────────────────────────────────────

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
