package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ibot_go/internal/domain"
)

const keyOrderIDHighWater = "order_id_high_water"

// OrderRecord is the persisted snapshot of one order, upserted on change.
type OrderRecord struct {
	ID              int64  `gorm:"primaryKey;autoIncrement:false"`
	Instrument      string `gorm:"index"`
	Side            string
	Type            string
	RequestedQty    int64
	LimitPrice      decimal.NullDecimal `gorm:"type:text"`
	Status          string              `gorm:"index"`
	FilledQty       int64
	AvgFillPrice    decimal.Decimal `gorm:"type:text"`
	CancelRequested bool
	CreatedAt       time.Time
	LastUpdate      time.Time
}

// FillRecord is one appended execution increment.
type FillRecord struct {
	ID         uint   `gorm:"primaryKey"`
	OrderID    int64  `gorm:"index"`
	Instrument string `gorm:"index"`
	Side       string
	Qty        int64
	Price      decimal.Decimal `gorm:"type:text"`
	Time       time.Time
}

// AppConfig is a key-value row for small pieces of runtime state.
type AppConfig struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// Storage is the SQLite journal. Writes go through a buffered channel and
// are applied by Run so callers never wait on disk.
type Storage struct {
	db     *gorm.DB
	queue  chan func(*gorm.DB) error
	logger *slog.Logger
}

var _ domain.OrderJournal = (*Storage)(nil)

// NewStorage opens (or creates) the database at path. An empty path
// resolves to the per-user data directory.
func NewStorage(path string, bufferSize int, log *slog.Logger) (*Storage, error) {
	if path == "" {
		p, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		path = p
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(db, bufferSize, log)
}

func newStorage(db *gorm.DB, bufferSize int, log *slog.Logger) (*Storage, error) {
	if err := db.AutoMigrate(&OrderRecord{}, &FillRecord{}, &AppConfig{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Storage{
		db:     db,
		queue:  make(chan func(*gorm.DB) error, bufferSize),
		logger: log.With(slog.String("module", "journal")),
	}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "ibot", "data", "ibot.db"), nil
}

// Run applies queued writes until ctx is done, then drains what is left.
func (s *Storage) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case write := <-s.queue:
			s.apply(write)
		}
	}
}

func (s *Storage) drain() {
	for {
		select {
		case write := <-s.queue:
			s.apply(write)
		default:
			return
		}
	}
}

func (s *Storage) apply(write func(*gorm.DB) error) {
	if err := write(s.db); err != nil {
		s.logger.Error("Journal write failed", slog.Any("error", err))
	}
}

func (s *Storage) enqueue(kind string, write func(*gorm.DB) error) {
	select {
	case s.queue <- write:
	default:
		s.logger.Warn("Journal queue full, record dropped", slog.String("kind", kind))
	}
}

// ======================================================================================
// Journal
// ======================================================================================

// RecordOrder queues an upsert of the order snapshot.
func (s *Storage) RecordOrder(o domain.Order) {
	rec := toOrderRecord(o)
	s.enqueue("order", func(db *gorm.DB) error {
		return db.Save(&rec).Error
	})
}

// RecordFill queues an append of one fill.
func (s *Storage) RecordFill(f domain.Fill) {
	rec := FillRecord{
		OrderID:    f.OrderID,
		Instrument: f.Instrument,
		Side:       f.Side.String(),
		Qty:        f.Qty,
		Price:      f.Price,
		Time:       f.Time,
	}
	s.enqueue("fill", func(db *gorm.DB) error {
		return db.Create(&rec).Error
	})
}

// Orders returns the most recent orders, newest first. limit <= 0 means all.
func (s *Storage) Orders(limit int) ([]domain.Order, error) {
	var recs []OrderRecord
	q := s.db.Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(recs))
	for _, r := range recs {
		o, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", r.ID, err)
		}
		out = append(out, o)
	}
	return out, nil
}

// GetOrder retrieves one order snapshot by id.
func (s *Storage) GetOrder(id int64) (*domain.Order, error) {
	var rec OrderRecord
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	o, err := rec.toDomain()
	return &o, err
}

// Fills returns the fills of one order in insertion order, or of every
// order when orderID is 0.
func (s *Storage) Fills(orderID int64) ([]domain.Fill, error) {
	var recs []FillRecord
	q := s.db.Order("id asc")
	if orderID != 0 {
		q = q.Where("order_id = ?", orderID)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Fill, 0, len(recs))
	for _, r := range recs {
		side, err := domain.ParseSide(r.Side)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Fill{
			OrderID:    r.OrderID,
			Instrument: r.Instrument,
			Side:       side,
			Qty:        r.Qty,
			Price:      r.Price,
			Time:       r.Time,
		})
	}
	return out, nil
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves a key-value setting synchronously.
func (s *Storage) SaveConfig(key, value string) error {
	config := AppConfig{
		Key:   key,
		Value: value,
	}
	return s.db.Save(&config).Error
}

// LoadConfigMap loads all key-value settings as a map
func (s *Storage) LoadConfigMap() (map[string]string, error) {
	var configs []AppConfig
	if err := s.db.Find(&configs).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string)
	for _, cfg := range configs {
		result[cfg.Key] = cfg.Value
	}
	return result, nil
}

// SaveOrderIDHighWater remembers the last order id used by this process.
func (s *Storage) SaveOrderIDHighWater(id int64) error {
	return s.SaveConfig(keyOrderIDHighWater, strconv.FormatInt(id, 10))
}

// LoadOrderIDHighWater returns the largest order id known to the store:
// the saved mark or the newest journaled order, whichever is higher. The
// journal covers runs that ended without a clean shutdown. 0 if none.
func (s *Storage) LoadOrderIDHighWater() (int64, error) {
	m, err := s.LoadConfigMap()
	if err != nil {
		return 0, err
	}
	var saved int64
	if v, ok := m[keyOrderIDHighWater]; ok {
		if saved, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, fmt.Errorf("parse %s: %w", keyOrderIDHighWater, err)
		}
	}

	var journaled int64
	if err := s.db.Model(&OrderRecord{}).Select("COALESCE(MAX(id), 0)").Row().Scan(&journaled); err != nil {
		return 0, fmt.Errorf("query newest order id: %w", err)
	}
	return max(saved, journaled), nil
}

// Close applies any writes still queued, then closes the database handle.
func (s *Storage) Close() error {
	s.drain()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toOrderRecord(o domain.Order) OrderRecord {
	return OrderRecord{
		ID:              o.ID,
		Instrument:      o.Instrument,
		Side:            o.Side.String(),
		Type:            o.Type.String(),
		RequestedQty:    o.RequestedQty,
		LimitPrice:      o.LimitPrice,
		Status:          o.Status.String(),
		FilledQty:       o.FilledQty,
		AvgFillPrice:    o.AvgFillPrice,
		CancelRequested: o.CancelRequested,
		CreatedAt:       o.CreatedAt,
		LastUpdate:      o.LastUpdate,
	}
}

func (r OrderRecord) toDomain() (domain.Order, error) {
	side, err := domain.ParseSide(r.Side)
	if err != nil {
		return domain.Order{}, err
	}
	typ, err := domain.ParseOrderType(r.Type)
	if err != nil {
		return domain.Order{}, err
	}
	status, err := domain.ParseOrderStatus(r.Status)
	if err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		ID:              r.ID,
		Instrument:      r.Instrument,
		Side:            side,
		Type:            typ,
		RequestedQty:    r.RequestedQty,
		LimitPrice:      r.LimitPrice,
		Status:          status,
		FilledQty:       r.FilledQty,
		AvgFillPrice:    r.AvgFillPrice,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		LastUpdate:      r.LastUpdate,
	}, nil
}
