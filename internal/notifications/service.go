package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trilliondigital/near-me-sub005/internal/core"
	"github.com/trilliondigital/near-me-sub005/internal/logging"
	"github.com/trilliondigital/near-me-sub005/internal/storage"
)

// Subscriber receives reminders in real-time
type Subscriber interface {
	Send(reminder Reminder) error
	ID() string
}

// Service is the notification dispatcher. A reminder counts as delivered
// when at least one subscriber accepts it.
type Service struct {
	db          *storage.DB
	subscribers map[string]Subscriber
	mu          sync.RWMutex

	title  TitleFunc
	now    func() time.Time
	logger *logging.Logger
}

// NewService creates a new notification service
func NewService(db *storage.DB, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.WithField("component", "notifications")
	}
	return &Service{
		db:          db,
		subscribers: make(map[string]Subscriber),
		title:       DefaultTitle,
		now:         time.Now,
		logger:      logger,
	}
}

// SetTitleFunc replaces the reminder title renderer
func (s *Service) SetTitleFunc(fn TitleFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = DefaultTitle
	}
	s.title = fn
}

// Subscribe adds a subscriber for real-time reminders
func (s *Service) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID()] = sub
}

// Unsubscribe removes a subscriber
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// SubscriberCount returns the number of connected subscribers
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Dispatch delivers d to every subscriber and records it. It returns
// core.ErrDispatchUnavailable when no subscriber accepted the reminder,
// in which case nothing is recorded.
func (s *Service) Dispatch(ctx context.Context, d core.Dispatch) error {
	s.mu.RLock()
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	titleFn := s.title
	s.mu.RUnlock()

	if len(subs) == 0 {
		return fmt.Errorf("%w: no subscribers", core.ErrDispatchUnavailable)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID() < subs[j].ID() })

	title, body := titleFn(d)
	bundled := d.Bundled
	if bundled < 1 {
		bundled = 1
	}
	r := Reminder{
		ID:         uuid.New().String(),
		Action:     d.Action,
		TaskID:     d.TaskID,
		GeofenceID: d.GeofenceID,
		Tier:       d.Tier,
		Title:      title,
		Body:       body,
		Bundled:    bundled,
		EventAt:    d.Timestamp.UTC(),
		CreatedAt:  s.now().UTC(),
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sub.Send(r); err != nil {
			s.logger.Debug("Subscriber %s rejected reminder: %v", sub.ID(), err)
			continue
		}
		r.Delivered++
	}

	if r.Delivered == 0 {
		return fmt.Errorf("%w: %d subscribers failed", core.ErrDispatchUnavailable, len(subs))
	}

	if err := s.save(ctx, &r); err != nil {
		return fmt.Errorf("save reminder: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"task":   r.TaskID,
		"action": r.Action,
	}).Info("Reminder delivered to %d subscribers", r.Delivered)
	return nil
}

func (s *Service) save(ctx context.Context, r *Reminder) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO reminders (id, action, task_id, geofence_id, tier, title, body, bundled, delivered, event_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Action, r.TaskID, r.GeofenceID, r.Tier.String(), r.Title, r.Body, r.Bundled, r.Delivered, r.EventAt, r.CreatedAt)
	return err
}

const reminderColumns = `id, action, task_id, geofence_id, tier, title, body, bundled, delivered, read, event_at, created_at, read_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*Reminder, error) {
	r := &Reminder{}
	var tier string
	var readAt sql.NullTime
	err := row.Scan(&r.ID, &r.Action, &r.TaskID, &r.GeofenceID, &tier, &r.Title, &r.Body,
		&r.Bundled, &r.Delivered, &r.Read, &r.EventAt, &r.CreatedAt, &readAt)
	if err != nil {
		return nil, err
	}
	if r.Tier, err = core.ParseTier(tier); err != nil {
		return nil, err
	}
	if readAt.Valid {
		r.ReadAt = &readAt.Time
	}
	return r, nil
}

// Get retrieves a reminder by ID
func (s *Service) Get(ctx context.Context, id string) (*Reminder, error) {
	row := s.db.Conn().QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrReminderNotFound, id)
	}
	return r, err
}

// List retrieves reminders with optional filters, newest first
func (s *Service) List(ctx context.Context, filter ReminderFilter) ([]*Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE 1=1`
	args := []interface{}{}

	if filter.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.Read != nil {
		query += " AND read = ?"
		args = append(args, *filter.Read)
	}

	query += " ORDER BY created_at DESC, id"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 50"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// MarkRead marks a reminder as read
func (s *Service) MarkRead(ctx context.Context, id string) error {
	result, err := s.db.Conn().ExecContext(ctx, `
		UPDATE reminders SET read = TRUE, read_at = ? WHERE id = ? AND read = FALSE
	`, s.now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns reminder statistics
func (s *Service) Stats(ctx context.Context) (*ReminderStats, error) {
	stats := &ReminderStats{
		ByAction:    make(map[string]int),
		ByTier:      make(map[string]int),
		Subscribers: s.SubscriberCount(),
	}

	conn := s.db.Conn()
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminders`).Scan(&stats.Total); err != nil {
		return nil, err
	}
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminders WHERE read = FALSE`).Scan(&stats.Unread); err != nil {
		return nil, err
	}

	for column, into := range map[string]map[string]int{"action": stats.ByAction, "tier": stats.ByTier} {
		rows, err := conn.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM reminders GROUP BY `+column)
		if err != nil {
			return nil, err
		}
		err = collectCounts(rows, into)
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	var last time.Time
	err := conn.QueryRowContext(ctx, `SELECT created_at FROM reminders ORDER BY created_at DESC LIMIT 1`).Scan(&last)
	switch {
	case err == nil:
		stats.LastCreated = &last
	case err != sql.ErrNoRows:
		return nil, err
	}

	return stats, nil
}

func collectCounts(rows *sql.Rows, into map[string]int) error {
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

// Cleanup removes reminders created before olderThan ago
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	result, err := s.db.Conn().ExecContext(ctx, `DELETE FROM reminders WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}
