package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modelrouter/internal/core"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// modelRow is the catalog table row.
type modelRow struct {
	ModelID             string   `gorm:"primaryKey;size:191"`
	Position            int64    `gorm:"index"`
	Provider            string   `gorm:"size:32;index"`
	Category            string   `gorm:"size:32;index"`
	Rating              int      `gorm:"not null;default:3"`
	TotalRequests       int64    `gorm:"not null;default:0"`
	TotalResponseTime   float64  `gorm:"not null;default:0"`
	AverageResponseTime *float64 `gorm:"default:null"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (modelRow) TableName() string { return "ai_models" }

func (r *modelRow) toRecord() *core.ModelRecord {
	rec := &core.ModelRecord{
		ModelID:           r.ModelID,
		Provider:          r.Provider,
		Category:          core.Category(r.Category),
		Rating:            r.Rating,
		TotalRequests:     r.TotalRequests,
		TotalResponseTime: r.TotalResponseTime,
	}
	if r.AverageResponseTime != nil {
		avg := *r.AverageResponseTime
		rec.AverageResponseTime = &avg
	}
	return rec
}

// historyRow is one persisted chat turn.
type historyRow struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:36;uniqueIndex"`
	SessionID string `gorm:"size:64;index"`
	Role      string `gorm:"size:16"`
	Content   string `gorm:"type:text"`
	Model     string `gorm:"size:191"`
	CreatedAt time.Time
}

func (historyRow) TableName() string { return "chat_messages" }

// SQLCatalog stores the catalog and chat history through gorm.
type SQLCatalog struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a SQLite database. Writes go through one connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenPostgres opens a Postgres database from a DSN or URL.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// NewSQLCatalog migrates the schema and returns the catalog.
func NewSQLCatalog(db *gorm.DB) (*SQLCatalog, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&modelRow{}, &historyRow{}); err != nil {
		return nil, fmt.Errorf("migrate catalog schema: %w", err)
	}
	return &SQLCatalog{db: db}, nil
}

// Get returns the record for modelID.
func (sc *SQLCatalog) Get(ctx context.Context, modelID string) (*core.ModelRecord, error) {
	var row modelRow
	err := sc.db.WithContext(ctx).Where("model_id = ?", modelID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownModel, modelID)
		}
		return nil, fmt.Errorf("load model %s: %w", modelID, err)
	}
	return row.toRecord(), nil
}

// List returns all records in catalog order.
func (sc *SQLCatalog) List(ctx context.Context) ([]core.ModelRecord, error) {
	var rows []modelRow
	if err := sc.db.WithContext(ctx).Order("position ASC").Order("model_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	out := make([]core.ModelRecord, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toRecord())
	}
	return out, nil
}

// Register inserts record unless its id already exists.
func (sc *SQLCatalog) Register(ctx context.Context, record core.ModelRecord) (bool, error) {
	if err := validateRecord(record); err != nil {
		return false, err
	}

	created := false
	err := sc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPos int64
		if err := tx.Model(&modelRow{}).Select("COALESCE(MAX(position), 0)").Scan(&maxPos).Error; err != nil {
			return err
		}

		row := modelRow{
			ModelID:           record.ModelID,
			Position:          maxPos + 1,
			Provider:          record.Provider,
			Category:          string(record.Category),
			Rating:            record.Rating,
			TotalRequests:     record.TotalRequests,
			TotalResponseTime: record.TotalResponseTime,
		}
		if record.AverageResponseTime != nil {
			avg := *record.AverageResponseTime
			row.AverageResponseTime = &avg
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("register model %s: %w", record.ModelID, err)
	}
	return created, nil
}

// RecordLatency updates the running stats with a single UPDATE whose SET
// expressions read the pre-update row, so concurrent samples serialize on the row lock.
func (sc *SQLCatalog) RecordLatency(ctx context.Context, modelID string, seconds float64) (*core.ModelRecord, error) {
	if err := validateSample(seconds); err != nil {
		return nil, err
	}

	var row modelRow
	err := sc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&modelRow{}).Where("model_id = ?", modelID).Updates(map[string]any{
			"total_requests":        gorm.Expr("total_requests + 1"),
			"total_response_time":   gorm.Expr("total_response_time + ?", seconds),
			"average_response_time": gorm.Expr("(total_response_time + ?) / (total_requests + 1)", seconds),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", core.ErrUnknownModel, modelID)
		}
		return tx.Where("model_id = ?", modelID).Take(&row).Error
	})
	if err != nil {
		if errors.Is(err, core.ErrUnknownModel) {
			return nil, err
		}
		return nil, fmt.Errorf("record latency for %s: %w", modelID, err)
	}
	return row.toRecord(), nil
}

// SaveMessage persists one chat turn.
func (sc *SQLCatalog) SaveMessage(ctx context.Context, entry core.HistoryEntry) error {
	if entry.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	row := historyRow{
		MessageID: entry.ID,
		SessionID: entry.SessionID,
		Role:      entry.Role,
		Content:   entry.Content,
		Model:     entry.Model,
		CreatedAt: entry.CreatedAt,
	}
	if err := sc.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// RecentMessages returns the newest limit turns of a session, oldest first.
func (sc *SQLCatalog) RecentMessages(ctx context.Context, sessionID string, limit int) ([]core.HistoryEntry, error) {
	if limit <= 0 {
		limit = core.DefaultHistoryLimit
	}
	limit = min(limit, core.MaxHistoryLimit)

	var rows []historyRow
	err := sc.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}

	out := make([]core.HistoryEntry, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = core.HistoryEntry{
			ID:        row.MessageID,
			SessionID: row.SessionID,
			Role:      row.Role,
			Content:   row.Content,
			Model:     row.Model,
			CreatedAt: row.CreatedAt,
		}
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (sc *SQLCatalog) Close() error {
	sqlDB, err := sc.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
