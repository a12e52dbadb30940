package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/agentloop/types"
)

// PoolConfig tunes the underlying sql.DB connection pool.
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultPoolConfig returns the default pool settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

type messageRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	AgentID    string `gorm:"index;size:64"`
	Role       string `gorm:"size:16"`
	Content    string // JSON-encoded []types.ContentPart
	ToolCall   string // JSON-encoded *types.ToolCall
	ToolCallID string `gorm:"size:64"`
	ToolName   string `gorm:"size:128"`
	ToolReturn string // JSON-encoded *types.ToolReturn
	OTID       string `gorm:"size:64"`
	StepID     string `gorm:"size:64"`
	CreatedAt  time.Time
	Seq        int64 `gorm:"autoIncrement;uniqueIndex"`
}

func (messageRow) TableName() string { return "agent_messages" }

type agentRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	State     string // JSON-encoded types.AgentState
	UpdatedAt time.Time
}

func (agentRow) TableName() string { return "agents" }

type runRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	AgentID    string `gorm:"index;size:64"`
	Status     string `gorm:"size:16"`
	StopReason string `gorm:"size:32"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (runRow) TableName() string { return "agent_runs" }

// GormStore implements MessageStore, AgentStore and RunStore on a GORM
// database handle.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the database selected by DSN (postgres, mysql, otherwise
// sqlite path), applies pool settings and migrates the runtime's tables.
func Open(dsn string, pool PoolConfig, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "host="):
		dialector = postgres.Open(dsn)
	case strings.Contains(dsn, "@tcp("):
		dialector = mysql.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := db.AutoMigrate(&messageRow{}, &agentRow{}, &runRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("store opened",
		zap.String("dialect", dialector.Name()),
		zap.Int("max_open_conns", pool.MaxOpenConns),
	)
	return &GormStore{db: db, logger: logger.With(zap.String("component", "store"))}, nil
}

// NewGormStore wraps an existing GORM handle (tests, shared pools).
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&messageRow{}, &agentRow{}, &runRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db, logger: logger}, nil
}

func toRow(m *types.Message) (*messageRow, error) {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	row := &messageRow{
		ID:         m.ID,
		AgentID:    m.AgentID,
		Role:       string(m.Role),
		Content:    string(content),
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
		OTID:       m.OTID,
		StepID:     m.StepID,
		CreatedAt:  m.CreatedAt,
	}
	if m.ToolCall != nil {
		b, err := json.Marshal(m.ToolCall)
		if err != nil {
			return nil, err
		}
		row.ToolCall = string(b)
	}
	if m.ToolReturn != nil {
		b, err := json.Marshal(m.ToolReturn)
		if err != nil {
			return nil, err
		}
		row.ToolReturn = string(b)
	}
	return row, nil
}

func fromRow(row *messageRow) (*types.Message, error) {
	m := &types.Message{
		ID:         row.ID,
		AgentID:    row.AgentID,
		Role:       types.Role(row.Role),
		ToolCallID: row.ToolCallID,
		ToolName:   row.ToolName,
		OTID:       row.OTID,
		StepID:     row.StepID,
		CreatedAt:  row.CreatedAt,
	}
	if row.Content != "" {
		if err := json.Unmarshal([]byte(row.Content), &m.Content); err != nil {
			return nil, err
		}
	}
	if row.ToolCall != "" {
		if err := json.Unmarshal([]byte(row.ToolCall), &m.ToolCall); err != nil {
			return nil, err
		}
	}
	if row.ToolReturn != "" {
		if err := json.Unmarshal([]byte(row.ToolReturn), &m.ToolReturn); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (s *GormStore) CreateMany(ctx context.Context, msgs []*types.Message) ([]*types.Message, error) {
	rows := make([]*messageRow, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = types.NewMessageID()
		}
		row, err := toRow(m)
		if err != nil {
			return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return msgs, nil
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("create messages: %w", err)
	}
	return msgs, nil
}

func (s *GormStore) GetMany(ctx context.Context, ids []string) ([]*types.Message, error) {
	var rows []*messageRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]*messageRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]*types.Message, 0, len(ids))
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			return nil, ErrNotFound
		}
		m, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *GormStore) UpdateContent(ctx context.Context, id string, content []types.ContentPart) error {
	encoded, err := json.Marshal(content)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&messageRow{}).Where("id = ?", id).
		Update("content", string(encoded))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListByAgent(ctx context.Context, agentID, after string, limit int) ([]*types.Message, error) {
	q := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("seq ASC")
	if after != "" {
		var pivot messageRow
		if err := s.db.WithContext(ctx).Where("id = ?", after).First(&pivot).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		q = q.Where("seq > ?", pivot.Seq)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.Message, 0, len(rows))
	for _, row := range rows {
		m, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *GormStore) Size(ctx context.Context, agentID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&messageRow{}).Where("agent_id = ?", agentID).Count(&count).Error
	return count, err
}

func (s *GormStore) Get(ctx context.Context, agentID string) (*types.AgentState, error) {
	var row agentRow
	if err := s.db.WithContext(ctx).Where("id = ?", agentID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var state types.AgentState
	if err := json.Unmarshal([]byte(row.State), &state); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", agentID, err)
	}
	return &state, nil
}

func (s *GormStore) Put(ctx context.Context, state *types.AgentState) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	row := agentRow{ID: state.ID, State: string(encoded), UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormStore) UpdateMessageIDs(ctx context.Context, agentID string, ids []string) error {
	state, err := s.Get(ctx, agentID)
	if err != nil {
		return err
	}
	state.MessageIDs = ids
	return s.Put(ctx, state)
}

func (s *GormStore) Create(ctx context.Context, runID, agentID string) error {
	now := time.Now().UTC()
	row := runRow{ID: runID, AgentID: agentID, Status: string(RunStatusCreated), CreatedAt: now, UpdatedAt: now}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormStore) UpdateStatus(ctx context.Context, runID string, status RunStatus, stopReason types.StopReason) error {
	res := s.db.WithContext(ctx).Model(&runRow{}).Where("id = ?", runID).Updates(map[string]any{
		"status":      string(status),
		"stop_reason": string(stopReason),
		"updated_at":  time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetStatus(ctx context.Context, runID string) (RunStatus, error) {
	var row runRow
	if err := s.db.WithContext(ctx).Where("id = ?", runID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return RunStatus(row.Status), nil
}
