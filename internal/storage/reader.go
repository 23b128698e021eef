package storage

import (
	"context"
	"encoding/json"
	"time"

	"sentinel-siem/internal/schema"
)

// EventReader reads persisted events back out of ClickHouse. It backs
// baseline seeding at startup and historical correlation replay.
type EventReader struct {
	client *ClickHouseClient
}

// NewEventReader creates a new EventReader.
func NewEventReader(client *ClickHouseClient) *EventReader {
	return &EventReader{client: client}
}

// QueryRange returns all events with timestamps in [from, to), ordered by
// timestamp ascending. The ordering makes replays deterministic.
func (r *EventReader) QueryRange(ctx context.Context, from, to time.Time) ([]*schema.Event, error) {
	query := `
		SELECT
			event_id, timestamp, received_at,
			level, service, host, source_ip,
			message, metadata
		FROM events
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC, event_id ASC
	`

	rows, err := r.client.Query(ctx, query, from, to)
	if err != nil {
		return nil, QueryFailedf("QueryRange", "events", err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		var (
			event    schema.Event
			level    string
			metadata string
		)
		if err := rows.Scan(
			&event.EventID,
			&event.Timestamp,
			&event.ReceivedAt,
			&level,
			&event.Service,
			&event.Host,
			&event.SourceIP,
			&event.Message,
			&metadata,
		); err != nil {
			return nil, QueryFailedf("QueryRange", "events", err)
		}

		event.Level = schema.Level(level)
		if metadata != "" && metadata != "{}" {
			// Metadata that fails to decode is dropped rather than
			// failing the whole range read.
			_ = json.Unmarshal([]byte(metadata), &event.Metadata)
		}

		events = append(events, &event)
	}

	return events, nil
}

// HourlyCount holds a per-service, per-hour event rollup.
type HourlyCount struct {
	Service    string
	Hour       time.Time
	EventCount uint64
	ErrorCount uint64
}

// HourlyCounts returns per-service hourly volume rollups for the given
// range, ordered by hour ascending. Used to seed volume and error-rate
// baselines from history at startup.
func (r *EventReader) HourlyCounts(ctx context.Context, from, to time.Time) ([]HourlyCount, error) {
	query := `
		SELECT
			service,
			hour,
			sum(event_count) AS event_count,
			sum(error_count) AS error_count
		FROM events_hourly_mv
		WHERE hour >= ? AND hour < ?
		GROUP BY service, hour
		ORDER BY service, hour ASC
	`

	rows, err := r.client.Query(ctx, query, from, to)
	if err != nil {
		return nil, QueryFailedf("HourlyCounts", "events_hourly_mv", err)
	}
	defer rows.Close()

	var counts []HourlyCount
	for rows.Next() {
		var c HourlyCount
		if err := rows.Scan(&c.Service, &c.Hour, &c.EventCount, &c.ErrorCount); err != nil {
			return nil, QueryFailedf("HourlyCounts", "events_hourly_mv", err)
		}
		counts = append(counts, c)
	}

	return counts, nil
}
