package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/story-loom/pipeline/internal/models"
)

// ScheduleRepository handles weekly schedule rows
type ScheduleRepository struct {
	db *DB
}

// NewScheduleRepository creates a new ScheduleRepository
func NewScheduleRepository(db *DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// DueToday returns active schedule rows for the given weekday that have not
// been dispatched since the start of the current day.
func (r *ScheduleRepository) DueToday(ctx context.Context, weekday int) ([]*models.WeeklySchedule, error) {
	query := `
		SELECT id, day_of_week, theme, tone, age_range, active, last_dispatched_at, created_at
		FROM weekly_schedule
		WHERE active AND day_of_week = $1
			AND (last_dispatched_at IS NULL OR last_dispatched_at < date_trunc('day', NOW()))
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, weekday)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var entries []*models.WeeklySchedule
	for rows.Next() {
		entry := &models.WeeklySchedule{}
		err := rows.Scan(
			&entry.ID, &entry.DayOfWeek, &entry.Theme, &entry.Tone, &entry.AgeRange,
			&entry.Active, &entry.LastDispatchedAt, &entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkDispatched stamps a schedule row after its story request was created.
func (r *ScheduleRepository) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE weekly_schedule SET last_dispatched_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("mark schedule dispatched: %w", err)
	}
	return nil
}
