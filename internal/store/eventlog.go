package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendEvent appends an event with a monotonically increasing per-session
// sequence. The sequence read and the insert happen inside one transaction;
// with the single-connection pool this serializes appenders.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, step_index, event_type, payload, agent_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, nullInt(event.StepIndex), event.Type, nullRaw(event.Payload),
		nullStr(event.AgentID), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a session with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, step_index, event_type, payload, agent_id, timestamp, sequence
		 FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepIndex sql.NullInt64
		var payload, agentID sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &stepIndex, &e.Type, &payload, &agentID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		if stepIndex.Valid {
			idx := int(stepIndex.Int64)
			e.StepIndex = &idx
		}
		e.Payload = rawOrNil(payload)
		e.AgentID = agentID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
