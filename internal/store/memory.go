// In-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/qualisys/qualisys/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Definitions   map[string]*models.AgentDefinition   `json:"definitions"`
	Versions      map[string][]*models.AgentVersion    `json:"versions"`       // key: agent_id → history
	TenantConfigs map[string]*models.TenantAgentConfig `json:"tenant_configs"` // key: tenant_id:agent_id
	TenantTiers   map[string]models.TenantTier         `json:"tenant_tiers"`   // key: tenant_id
	AuditEvents   []*models.AuditEvent                 `json:"audit_events"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	definitions   map[string]*models.AgentDefinition
	versions      map[string][]*models.AgentVersion // append-only, newest first
	tenantConfigs map[string]*models.TenantAgentConfig
	tenantTiers   map[string]models.TenantTier
	auditEvents   []*models.AuditEvent // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once

	// Audit events older than this are evicted automatically.
	// Defaults to 30 days. Set via QUALISYS_AUDIT_TTL (Go duration string).
	auditTTL time.Duration
}

// NewMemoryStore creates a new in-memory store.
// If QUALISYS_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.qualisys/data.json.
func NewMemoryStore() *MemoryStore {
	auditTTL := 30 * 24 * time.Hour
	if ttlStr := os.Getenv("QUALISYS_AUDIT_TTL"); ttlStr != "" {
		if parsed, err := time.ParseDuration(ttlStr); err == nil {
			auditTTL = parsed
		} else {
			log.Warn().Str("value", ttlStr).Msg("Invalid QUALISYS_AUDIT_TTL, using default 30d")
		}
	}

	m := &MemoryStore{
		definitions:   make(map[string]*models.AgentDefinition),
		versions:      make(map[string][]*models.AgentVersion),
		tenantConfigs: make(map[string]*models.TenantAgentConfig),
		tenantTiers:   make(map[string]models.TenantTier),
		auditEvents:   make([]*models.AuditEvent, 0),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
		auditTTL:      auditTTL,
	}

	dataDir := os.Getenv("QUALISYS_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".qualisys")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	// Audit eviction goroutine (runs hourly)
	go m.auditEvictionLoop()

	log.Info().
		Str("audit_ttl", auditTTL.String()).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// auditEvictionLoop periodically removes audit events older than auditTTL.
func (m *MemoryStore) auditEvictionLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpiredAuditEvents()
		}
	}
}

func (m *MemoryStore) evictExpiredAuditEvents() {
	cutoff := time.Now().Add(-m.auditTTL)

	m.mu.Lock()
	kept := m.auditEvents[:0]
	for _, ev := range m.auditEvents {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	evicted := len(m.auditEvents) - len(kept)
	m.auditEvents = kept
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.auditTTL.String()).Msg("Evicted expired audit events")
		m.requestSave()
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Definitions:   m.definitions,
		Versions:      m.versions,
		TenantConfigs: m.tenantConfigs,
		TenantTiers:   m.tenantTiers,
		AuditEvents:   m.auditEvents,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Cannot read snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Definitions != nil {
		m.definitions = snap.Definitions
	}
	if snap.Versions != nil {
		m.versions = snap.Versions
	}
	if snap.TenantConfigs != nil {
		m.tenantConfigs = snap.TenantConfigs
	}
	if snap.TenantTiers != nil {
		m.tenantTiers = snap.TenantTiers
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}

	log.Info().
		Int("definitions", len(m.definitions)).
		Int("tenant_configs", len(m.tenantConfigs)).
		Msg("Snapshot loaded")
}

// ── Agent Definition Store ──────────────────────────────────

func (m *MemoryStore) GetDefinition(ctx context.Context, agentID string) (*models.AgentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[agentID]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent definition", Key: agentID}
	}
	cp := *def
	return &cp, nil
}

func (m *MemoryStore) ListDefinitions(ctx context.Context) ([]models.AgentDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	defs := make([]models.AgentDefinition, 0, len(m.definitions))
	for _, def := range m.definitions {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].AgentID < defs[j].AgentID })
	return defs, nil
}

func (m *MemoryStore) UpsertDefinition(ctx context.Context, def *models.AgentDefinition) error {
	m.mu.Lock()
	cp := *def
	m.definitions[def.AgentID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Agent Version Store ─────────────────────────────────────

func (m *MemoryStore) GetVersion(ctx context.Context, agentID, version string) (*models.AgentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[agentID] {
		if v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "agent version", Key: agentID + "@" + version}
}

func (m *MemoryStore) ListVersions(ctx context.Context, agentID string) ([]models.AgentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.versions[agentID]
	out := make([]models.AgentVersion, 0, len(history))
	for _, v := range history {
		out = append(out, *v)
	}
	// Newest first by semver
	sort.Slice(out, func(i, j int) bool {
		return models.CompareSemver(out[i].Version, out[j].Version) > 0
	})
	return out, nil
}

func (m *MemoryStore) CreateVersion(ctx context.Context, v *models.AgentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions[v.AgentID] {
		if existing.Version == v.Version {
			return &models.ValidationError{
				Rule:    "version_unique",
				Field:   "version",
				Message: "version " + v.Version + " already exists for agent " + v.AgentID,
			}
		}
	}
	cp := *v
	m.versions[v.AgentID] = append(m.versions[v.AgentID], &cp)
	m.requestSave()
	return nil
}

func (m *MemoryStore) SetVersionStatus(ctx context.Context, agentID, version string, status models.VersionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[agentID] {
		if v.Version == version {
			v.Status = status
			if status == models.VersionRetired {
				now := time.Now().UTC()
				v.RetiredAt = &now
			}
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "agent version", Key: agentID + "@" + version}
}

func (m *MemoryStore) SetRolloutPercentage(ctx context.Context, agentID, version string, pct int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[agentID] {
		if v.Version == version {
			v.RolloutPercentage = pct
			m.requestSave()
			return nil
		}
	}
	return &ErrNotFound{Entity: "agent version", Key: agentID + "@" + version}
}

// ── Tenant Config Store ─────────────────────────────────────

func tenantConfigKey(tenantID, agentID string) string {
	return tenantID + ":" + agentID
}

func (m *MemoryStore) GetTenantConfig(ctx context.Context, tenantID, agentID string) (*models.TenantAgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.tenantConfigs[tenantConfigKey(tenantID, agentID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant agent config", Key: tenantConfigKey(tenantID, agentID)}
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) ListTenantConfigs(ctx context.Context, tenantID string) ([]models.TenantAgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TenantAgentConfig
	for _, cfg := range m.tenantConfigs {
		if cfg.TenantID == tenantID {
			out = append(out, *cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *MemoryStore) UpsertTenantConfig(ctx context.Context, cfg *models.TenantAgentConfig) error {
	m.mu.Lock()
	cp := *cfg
	m.tenantConfigs[tenantConfigKey(cfg.TenantID, cfg.AgentID)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteTenantConfig(ctx context.Context, tenantID, agentID string) error {
	m.mu.Lock()
	delete(m.tenantConfigs, tenantConfigKey(tenantID, agentID))
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetTenantTier(ctx context.Context, tenantID string) (models.TenantTier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tier, ok := m.tenantTiers[tenantID]; ok {
		return tier, nil
	}
	return models.TierFree, nil
}

func (m *MemoryStore) SetTenantTier(ctx context.Context, tenantID string, tier models.TenantTier) error {
	m.mu.Lock()
	m.tenantTiers[tenantID] = tier
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	cp := *event
	m.auditEvents = append(m.auditEvents, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []models.AuditEvent
	// Newest first: walk the append-only log backwards.
	for i := len(m.auditEvents) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.auditEvents[i]
		if filter.AgentID != "" && ev.AgentID != filter.AgentID {
			continue
		}
		if filter.TenantID != "" && ev.TenantID != filter.TenantID {
			continue
		}
		if filter.Action != "" && ev.Action != filter.Action {
			continue
		}
		if filter.Since != nil && ev.Timestamp.Before(*filter.Since) {
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

// ── Lifecycle ───────────────────────────────────────────────

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close stops background goroutines and flushes a final snapshot.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}
