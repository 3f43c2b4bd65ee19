package database

import (
	"database/sql"
	"fmt"
	"time"

	"stream-manager/work/catalog"
	"stream-manager/work/logger"
)

// SaveProvider upserts one provider row, keyed by name so configured
// priorities survive restarts.
func (db *DB) SaveProvider(p catalog.Provider) error {
	_, err := db.Exec(`
		INSERT INTO providers (id, name, type, priority)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type,
			priority = excluded.priority
	`, p.ID, p.Name, p.Type, p.Priority)
	if err != nil {
		return fmt.Errorf("failed to save provider %s: %w", p.Name, err)
	}
	return nil
}

// SaveChannel upserts one channel row.
func (db *DB) SaveChannel(c catalog.Channel) error {
	_, err := db.Exec(`
		INSERT INTO channels (id, name, normalized_name, region, variant, category, logo_url, enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			logo_url = excluded.logo_url,
			enabled = excluded.enabled,
			updated_at = CURRENT_TIMESTAMP
	`, c.ID, c.Name, c.NormalizedName, c.Region, c.Variant, c.Category, c.LogoURL, c.Enabled)
	if err != nil {
		return fmt.Errorf("failed to save channel %d: %w", c.ID, err)
	}
	return nil
}

// SaveStream upserts one stream row including its health fields.
func (db *DB) SaveStream(s catalog.Stream) error {
	_, err := db.Exec(`
		INSERT INTO streams (
			id, channel_id, provider_id, name, url, resolution, bitrate_kbps,
			codec, fps, quality_score, priority_order, active, state,
			consecutive_failures, last_check, last_success, last_failure,
			failure_reason, response_time_ms, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			resolution = excluded.resolution,
			bitrate_kbps = excluded.bitrate_kbps,
			codec = excluded.codec,
			fps = excluded.fps,
			quality_score = excluded.quality_score,
			priority_order = excluded.priority_order,
			active = excluded.active,
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			last_check = excluded.last_check,
			last_success = excluded.last_success,
			last_failure = excluded.last_failure,
			failure_reason = excluded.failure_reason,
			response_time_ms = excluded.response_time_ms,
			updated_at = CURRENT_TIMESTAMP
	`, s.ID, s.ChannelID, s.ProviderID, s.Name, s.URL, s.Resolution, s.BitrateKbps,
		s.Codec, s.FPS, s.QualityScore, s.PriorityOrder, s.Active, s.State.String(),
		s.ConsecutiveFailures, nullTime(s.LastCheck), nullTime(s.LastSuccess),
		nullTime(s.LastFailure), s.FailureReason, s.ResponseTimeMs)
	if err != nil {
		return fmt.Errorf("failed to save stream %d: %w", s.ID, err)
	}
	return nil
}

// LoadCatalog restores all persisted channels and streams into the
// store. Health state is restored as persisted; the first monitor pass
// refreshes it.
func (db *DB) LoadCatalog(store *catalog.MemoryStore) error {
	rows, err := db.Query(`
		SELECT id, name, normalized_name, region, variant, category, logo_url, enabled
		FROM channels ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	channels := 0
	for rows.Next() {
		var c catalog.Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.NormalizedName, &c.Region, &c.Variant,
			&c.Category, &c.LogoURL, &c.Enabled); err != nil {
			return fmt.Errorf("failed to scan channel: %w", err)
		}
		store.LoadChannel(c)
		channels++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	srows, err := db.Query(`
		SELECT id, channel_id, provider_id, name, url, resolution, bitrate_kbps,
			codec, fps, quality_score, priority_order, active, state,
			consecutive_failures, last_check, last_success, last_failure,
			failure_reason, response_time_ms
		FROM streams ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("failed to load streams: %w", err)
	}
	defer srows.Close()

	streams := 0
	for srows.Next() {
		var s catalog.Stream
		var state string
		var lastCheck, lastSuccess, lastFailure sql.NullTime
		if err := srows.Scan(&s.ID, &s.ChannelID, &s.ProviderID, &s.Name, &s.URL,
			&s.Resolution, &s.BitrateKbps, &s.Codec, &s.FPS, &s.QualityScore,
			&s.PriorityOrder, &s.Active, &state, &s.ConsecutiveFailures,
			&lastCheck, &lastSuccess, &lastFailure, &s.FailureReason,
			&s.ResponseTimeMs); err != nil {
			return fmt.Errorf("failed to scan stream: %w", err)
		}
		s.State = parseState(state)
		s.LastCheck = lastCheck.Time
		s.LastSuccess = lastSuccess.Time
		s.LastFailure = lastFailure.Time
		store.LoadStream(s)
		streams++
	}
	if err := srows.Err(); err != nil {
		return err
	}

	for _, ch := range store.Channels() {
		store.RecomputePriorities(ch.ID)
	}

	logger.Info("database: restored %d channels and %d streams", channels, streams)
	return nil
}

func parseState(s string) catalog.HealthState {
	switch s {
	case "checking":
		return catalog.StateChecking
	case "alive":
		return catalog.StateAlive
	case "suspect":
		return catalog.StateSuspect
	case "dead":
		return catalog.StateDead
	default:
		return catalog.StateUnknown
	}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
