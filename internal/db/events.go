package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

// EventStore satisfies the pipeline's event sink against the append-only
// extraction_events table.
type EventStore struct{}

// Emit appends one diagnostic event. Rows are never updated or deleted.
func (EventStore) Emit(ctx context.Context, documentID uuid.UUID, stage, name string, payload map[string]any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	_, err := Pool.Exec(ctx, `
		INSERT INTO extraction_events (document_id, stage, name, payload)
		VALUES ($1, $2, $3, $4)
	`, documentID, stage, name, payloadJSON)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsForDocument returns the full trail for one document in emission
// order, for human triage of zero-line drafts.
func EventsForDocument(ctx context.Context, documentID uuid.UUID) ([]models.ExtractionEvent, error) {
	rows, err := Pool.Query(ctx, `
		SELECT id, document_id, stage, name, COALESCE(payload, 'null'::jsonb), created_at
		FROM extraction_events
		WHERE document_id = $1
		ORDER BY id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("events for document: %w", err)
	}
	defer rows.Close()

	var events []models.ExtractionEvent
	for rows.Next() {
		var ev models.ExtractionEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.DocumentID, &ev.Stage, &ev.Name, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				log.Printf("[DB] Event %d has an unreadable payload: %v", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// WindowMetrics folds the event log into rolling-window counters for the
// diagnostics surface.
func WindowMetrics(ctx context.Context, windowHours int) (*models.PipelineMetrics, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	m := &models.PipelineMetrics{
		WindowHours:    windowHours,
		ErrorBreakdown: map[string]int{},
	}

	var oracleSucceeded int
	err := Pool.QueryRow(ctx, `
		SELECT
			COUNT(DISTINCT document_id),
			COALESCE(AVG((payload->>'confidence')::float) FILTER (WHERE name = 'confidence_scored'), 0),
			COUNT(*) FILTER (WHERE name = 'oracle_invoked'),
			COUNT(*) FILTER (WHERE name = 'oracle_succeeded'),
			COALESCE(SUM((payload->>'lines')::int) FILTER (WHERE name = 'oracle_lines_merged'), 0)
		FROM extraction_events
		WHERE created_at > NOW() - make_interval(hours => $1)
	`, windowHours).Scan(
		&m.DocumentsSeen,
		&m.AverageConfidence,
		&m.OracleInvocations,
		&oracleSucceeded,
		&m.LinesAddedByAI,
	)
	if err != nil {
		return nil, fmt.Errorf("window metrics: %w", err)
	}
	if m.OracleInvocations > 0 {
		m.OracleSuccessRate = float64(oracleSucceeded) / float64(m.OracleInvocations)
	}

	rows, err := Pool.Query(ctx, `
		SELECT name, COUNT(*)
		FROM extraction_events
		WHERE created_at > NOW() - make_interval(hours => $1)
		  AND name IN ('structured_failed', 'optical_failed', 'oracle_abandoned', 'strategies_exhausted', 'tax_id_rejected')
		GROUP BY name
	`, windowHours)
	if err != nil {
		return nil, fmt.Errorf("error breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan breakdown: %w", err)
		}
		m.ErrorBreakdown[name] = count
	}
	return m, rows.Err()
}
