package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ibot_go/internal/domain"
)

func setupTestDB(t *testing.T) *Storage {
	dbName := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}

	s, err := newStorage(db, 16, nil)
	if err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// flush runs the writer until the queue is drained.
func flush(t *testing.T, s *Storage) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestRecordOrder_Upsert(t *testing.T) {
	s := setupTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	o := domain.Order{
		ID:           7,
		Instrument:   "MES",
		Side:         domain.SideBuy,
		Type:         domain.OrderTypeLimit,
		RequestedQty: 3,
		LimitPrice:   decimal.NewNullDecimal(decimal.RequireFromString("5000.25")),
		Status:       domain.OrderStatusPendingSubmit,
		CreatedAt:    now,
		LastUpdate:   now,
	}
	s.RecordOrder(o)

	o.Status = domain.OrderStatusPartiallyFilled
	o.FilledQty = 1
	o.AvgFillPrice = decimal.RequireFromString("5000.25")
	s.RecordOrder(o)
	flush(t, s)

	orders, err := s.Orders(0)
	if err != nil {
		t.Fatalf("Orders failed: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("Expected 1 order after upsert, got %d", len(orders))
	}
	got := orders[0]
	if got.Status != domain.OrderStatusPartiallyFilled || got.FilledQty != 1 {
		t.Errorf("Expected latest snapshot, got %+v", got)
	}
	if !got.LimitPrice.Valid || !got.LimitPrice.Decimal.Equal(o.LimitPrice.Decimal) {
		t.Errorf("Limit price lost: %+v", got.LimitPrice)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	s := setupTestDB(t)

	o, err := s.GetOrder(404)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if o != nil {
		t.Error("expected nil for missing order")
	}
}

func TestRecordFill(t *testing.T) {
	s := setupTestDB(t)

	for _, px := range []string{"100", "101.5"} {
		s.RecordFill(domain.Fill{
			OrderID:    1,
			Instrument: "MGC",
			Side:       domain.SideSell,
			Qty:        2,
			Price:      decimal.RequireFromString(px),
			Time:       time.Now(),
		})
	}
	s.RecordFill(domain.Fill{OrderID: 2, Instrument: "MGC", Side: domain.SideBuy, Qty: 1, Price: decimal.NewFromInt(99)})
	flush(t, s)

	fills, err := s.Fills(1)
	if err != nil {
		t.Fatalf("Fills failed: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("Expected 2 fills for order 1, got %d", len(fills))
	}
	if !fills[1].Price.Equal(decimal.RequireFromString("101.5")) || fills[1].Side != domain.SideSell {
		t.Errorf("Unexpected fill: %+v", fills[1])
	}

	all, _ := s.Fills(0)
	if len(all) != 3 {
		t.Errorf("Expected 3 fills total, got %d", len(all))
	}
}

func TestQueueFullDrops(t *testing.T) {
	s := setupTestDB(t)

	for i := 0; i < 40; i++ {
		s.RecordFill(domain.Fill{OrderID: 1, Instrument: "MES", Side: domain.SideBuy, Qty: 1, Price: decimal.NewFromInt(1)})
	}
	flush(t, s)

	fills, _ := s.Fills(1)
	if len(fills) != 16 {
		t.Errorf("Expected buffer size (16) fills kept, got %d", len(fills))
	}
}

func TestOrderIDHighWater(t *testing.T) {
	s := setupTestDB(t)

	hw, err := s.LoadOrderIDHighWater()
	if err != nil || hw != 0 {
		t.Fatalf("Expected 0 with no state, got %d, %v", hw, err)
	}

	if err := s.SaveOrderIDHighWater(1234); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.SaveOrderIDHighWater(1300); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	hw, err = s.LoadOrderIDHighWater()
	if err != nil || hw != 1300 {
		t.Errorf("Expected 1300, got %d, %v", hw, err)
	}
}

func TestOrderIDHighWater_RecoveredFromJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ibot.db")

	s, err := NewStorage(path, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	for id := int64(1); id <= 5; id++ {
		s.RecordOrder(domain.Order{ID: id, Instrument: "MES", Side: domain.SideBuy, Type: domain.OrderTypeMarket, RequestedQty: 1})
	}
	flush(t, s)
	// No SaveOrderIDHighWater: the process died before its shutdown hook.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewStorage(path, 16, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	hw, err := reopened.LoadOrderIDHighWater()
	if err != nil || hw != 5 {
		t.Fatalf("Expected high-water 5 from the journal, got %d, %v", hw, err)
	}

	t.Run("saved mark wins when higher", func(t *testing.T) {
		if err := reopened.SaveOrderIDHighWater(12); err != nil {
			t.Fatal(err)
		}
		if hw, _ := reopened.LoadOrderIDHighWater(); hw != 12 {
			t.Errorf("Expected 12, got %d", hw)
		}
	})
}
