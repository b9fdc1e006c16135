// Package store keeps a local SQLite history of agent runs and chat messages.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zpdzap/beesto/internal/agent"
	"github.com/zpdzap/beesto/internal/chat"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrAmbiguous = errors.New("ambiguous id prefix")
)

// Run is a persisted agent run.
type Run struct {
	ID         string `gorm:"primaryKey"`
	SessionID  string `gorm:"index"`
	Goal       string
	State      string `gorm:"index"`
	Plan       datatypes.JSONType[[]agent.Step]
	Steps      datatypes.JSONType[[]agent.StepResult]
	Report     datatypes.JSONType[*agent.Report]
	Error      string
	FailedStep int
	RolledBack bool
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
	UpdatedAt  time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID        string `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	Role      string
	Content   string
	SentAt    time.Time `gorm:"index"`
}

// Store provides history persistence via SQLite.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&Run{}, &Message{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun inserts or replaces a run.
func (s *Store) SaveRun(ctx context.Context, sessionID string, sum agent.Summary) error {
	row := Run{
		ID:         sum.ID,
		SessionID:  sessionID,
		Goal:       sum.Goal,
		State:      string(sum.State),
		Plan:       datatypes.NewJSONType(sum.Plan),
		Steps:      datatypes.NewJSONType(sum.Steps),
		Report:     datatypes.NewJSONType(sum.Report),
		Error:      sum.Error,
		FailedStep: sum.FailedStep,
		RolledBack: sum.RolledBack,
		StartedAt:  sum.StartedAt.UTC(),
		FinishedAt: sum.FinishedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("saving run %s: %w", sum.ID, err)
	}
	return nil
}

// GetRun returns one run by ID or by a unique ID prefix.
func (s *Store) GetRun(ctx context.Context, id string) (agent.Summary, error) {
	if id == "" {
		return agent.Summary{}, fmt.Errorf("run: %w", ErrNotFound)
	}
	var rows []Run
	err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error
	if err == nil && len(rows) == 0 {
		err = s.db.WithContext(ctx).Where("id LIKE ?", id+"%").Limit(2).Find(&rows).Error
	}
	if err != nil {
		return agent.Summary{}, fmt.Errorf("loading run %s: %w", id, err)
	}
	switch len(rows) {
	case 0:
		return agent.Summary{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case 1:
		return rows[0].summary(), nil
	default:
		return agent.Summary{}, fmt.Errorf("run %s: %w", id, ErrAmbiguous)
	}
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]agent.Summary, error) {
	var rows []Run
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	out := make([]agent.Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.summary())
	}
	return out, nil
}

// SaveMessage inserts or replaces a chat message.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, m chat.Message) error {
	row := Message{
		ID:        m.ID,
		SessionID: sessionID,
		Role:      string(m.Role),
		Content:   m.Content,
		SentAt:    m.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("saving message %s: %w", m.ID, err)
	}
	return nil
}

// ListMessages returns a session's messages in the order they were sent.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sent_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, chat.Message{
			ID:        r.ID,
			Role:      chat.Role(r.Role),
			Content:   r.Content,
			Timestamp: r.SentAt,
		})
	}
	return out, nil
}

// LatestSession returns the session that sent the most recent message.
func (s *Store) LatestSession(ctx context.Context) (string, error) {
	var rows []Message
	err := s.db.WithContext(ctx).Order("sent_at DESC").Limit(1).Find(&rows).Error
	if err != nil {
		return "", fmt.Errorf("finding latest session: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("session: %w", ErrNotFound)
	}
	return rows[0].SessionID, nil
}

// ForSession returns a recorder that files runs and messages under sessionID.
func (s *Store) ForSession(sessionID string) *Recorder {
	return &Recorder{store: s, sessionID: sessionID}
}

func (r Run) summary() agent.Summary {
	sum := agent.Summary{
		ID:         r.ID,
		Goal:       r.Goal,
		State:      agent.State(r.State),
		Plan:       r.Plan.Data(),
		Steps:      r.Steps.Data(),
		Report:     r.Report.Data(),
		Error:      r.Error,
		FailedStep: r.FailedStep,
		RolledBack: r.RolledBack,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	return sum
}

// Recorder adapts a Store to the agent and chat recorder interfaces.
type Recorder struct {
	store     *Store
	sessionID string
}

var (
	_ agent.RunRecorder    = (*Recorder)(nil)
	_ chat.MessageRecorder = (*Recorder)(nil)
)

func (r *Recorder) RecordRun(ctx context.Context, s agent.Summary) error {
	return r.store.SaveRun(ctx, r.sessionID, s)
}

func (r *Recorder) RecordMessage(ctx context.Context, m chat.Message) error {
	return r.store.SaveMessage(ctx, r.sessionID, m)
}
