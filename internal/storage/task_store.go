package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/trilliondigital/near-me-sub005/internal/core"
)

// TaskSummary describes a task's place for listings.
type TaskSummary struct {
	TaskID    string              `json:"task_id"`
	Label     string              `json:"label,omitempty"`
	Center    core.Coordinate     `json:"center"`
	Tiers     []core.GeofenceTier `json:"tiers"`
	CreatedAt time.Time           `json:"created_at"`
}

// TaskStore supplies the geofence specs of a task.
type TaskStore struct {
	db  *DB
	now func() time.Time
}

// NewTaskStore creates a new task store
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db, now: time.Now}
}

// SaveTaskPlace stores one tier of a task's place, replacing the same tier.
func (s *TaskStore) SaveTaskPlace(ctx context.Context, spec core.GeofenceSpec) error {
	if spec.TaskID == "" {
		return fmt.Errorf("%w: task id is required", core.ErrInvalidInput)
	}
	if !spec.Center.Valid() {
		return core.ErrInvalidCoordinate
	}
	if !spec.Tier.Valid() {
		return fmt.Errorf("%w: tier %d", core.ErrInvalidInput, int(spec.Tier))
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO task_places (task_id, tier, label, lat, lon, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, tier) DO UPDATE SET
			label = excluded.label, lat = excluded.lat, lon = excluded.lon
	`, spec.TaskID, spec.Tier.String(), spec.Label, spec.Center.Lat, spec.Center.Lon, s.now().UTC())
	return err
}

// GeofencesForTask returns the task's specs, highest priority tier first.
func (s *TaskStore) GeofencesForTask(ctx context.Context, taskID string) ([]core.GeofenceSpec, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT tier, label, lat, lon FROM task_places WHERE task_id = ?
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []core.GeofenceSpec
	for rows.Next() {
		var tier string
		spec := core.GeofenceSpec{TaskID: taskID}
		if err := rows.Scan(&tier, &spec.Label, &spec.Center.Lat, &spec.Center.Lon); err != nil {
			return nil, err
		}
		if spec.Tier, err = core.ParseTier(tier); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}

	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Tier.Priority() > specs[j].Tier.Priority()
	})
	return specs, nil
}

// DeleteTask removes every place of the task and returns how many were removed.
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) (int, error) {
	result, err := s.db.conn.ExecContext(ctx, `DELETE FROM task_places WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// ListTasks returns one summary per task, oldest first.
func (s *TaskStore) ListTasks(ctx context.Context) ([]TaskSummary, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT task_id, tier, label, lat, lon, created_at
		FROM task_places ORDER BY created_at, task_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	index := make(map[string]int)
	var tasks []TaskSummary
	for rows.Next() {
		var (
			taskID, tierName, label string
			center                  core.Coordinate
			createdAt               time.Time
		)
		if err := rows.Scan(&taskID, &tierName, &label, &center.Lat, &center.Lon, &createdAt); err != nil {
			return nil, err
		}
		tier, err := core.ParseTier(tierName)
		if err != nil {
			return nil, err
		}

		i, ok := index[taskID]
		if !ok {
			i = len(tasks)
			index[taskID] = i
			tasks = append(tasks, TaskSummary{
				TaskID:    taskID,
				Label:     label,
				Center:    center,
				CreatedAt: createdAt,
			})
		}
		tasks[i].Tiers = append(tasks[i].Tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tasks {
		tiers := tasks[i].Tiers
		sort.Slice(tiers, func(a, b int) bool { return tiers[a].Priority() > tiers[b].Priority() })
	}
	return tasks, nil
}
