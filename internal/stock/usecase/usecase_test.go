package usecase

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/clock"
	"github.com/fekuna/omnipos-inventory-service/internal/logger"
	"github.com/fekuna/omnipos-inventory-service/internal/metrics"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

var (
	keyA = model.StockKey{ProductID: "A"}
	keyB = model.StockKey{ProductID: "B"}
	keyC = model.StockKey{ProductID: "C"}
)

type StockUseCaseSuite struct {
	suite.Suite

	ctx     context.Context
	repo    *repository.MemoryRepository
	clock   *clock.Manual
	metrics *metrics.Metrics
	uc      stock.UseCase
}

func TestStockUseCaseSuite(t *testing.T) {
	suite.Run(t, new(StockUseCaseSuite))
}

func (s *StockUseCaseSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = repository.NewMemoryRepository()
	s.clock = clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.uc = NewStockUseCase(s.repo, s.clock, Config{ReservationTTL: 15 * time.Minute, MaxRetries: 3, RetryInitialInterval: time.Millisecond}, logger.NewNop(), s.metrics)
}

func (s *StockUseCaseSuite) seed(key model.StockKey, current, threshold int64) *model.StockItem {
	item, err := s.uc.CreateStockItem(s.ctx, &dto.CreateStockItemInput{Key: key, InitialStock: current, LowStockThreshold: threshold})
	s.Require().NoError(err)
	return item
}

func (s *StockUseCaseSuite) item(key model.StockKey) *model.StockItem {
	item, err := s.uc.GetStockItem(s.ctx, key)
	s.Require().NoError(err)
	return item
}

func (s *StockUseCaseSuite) eventTypes() []model.EventType {
	var types []model.EventType
	for _, e := range s.repo.Events() {
		types = append(types, e.Type)
	}
	return types
}

func (s *StockUseCaseSuite) TestReserveForOrder_AllOrNothing() {
	s.seed(keyA, 5, 0)
	s.seed(keyB, 0, 0)

	_, err := s.uc.ReserveForOrder(s.ctx, "o1", []dto.OrderLine{
		{Key: keyA, Quantity: 2},
		{Key: keyB, Quantity: 1},
	})

	var resErr *model.ReservationError
	s.Require().ErrorAs(err, &resErr)
	s.ErrorIs(err, model.ErrInsufficientStock)
	s.Equal([]string{"B"}, resErr.ProductIDs())
	s.Zero(s.item(keyA).ReservedStock)
	s.Zero(s.item(keyB).ReservedStock)
	s.Empty(s.repo.Events())
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.ReservationsRejected.WithLabelValues("insufficient_stock")))
}

func (s *StockUseCaseSuite) TestReserveForOrder_ReservesEveryLine() {
	s.seed(keyA, 10, 0)
	s.seed(keyB, 4, 0)

	result, err := s.uc.ReserveForOrder(s.ctx, "o1", []dto.OrderLine{
		{Key: keyA, Quantity: 3},
		{Key: keyB, Quantity: 4},
		{Key: keyA, Quantity: 1},
	})
	s.Require().NoError(err)
	s.Len(result.Lines, 2)
	s.Len(result.ReservationIDs(), 2)
	for _, l := range result.Lines {
		s.Equal(s.clock.Now().Add(15*time.Minute), l.ExpiresAt)
	}

	s.Equal(int64(4), s.item(keyA).ReservedStock, "duplicate lines are merged")
	s.Equal(int64(0), s.item(keyB).AvailableStock())
	s.Contains(s.eventTypes(), model.EventOutOfStockReached)
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.ReservationsCreated))
}

func (s *StockUseCaseSuite) TestReserveForOrder_UnknownProductBeatsShortage() {
	s.seed(keyA, 0, 0)

	_, err := s.uc.ReserveForOrder(s.ctx, "o1", []dto.OrderLine{
		{Key: keyA, Quantity: 1},
		{Key: keyC, Quantity: 1},
	})

	var resErr *model.ReservationError
	s.Require().ErrorAs(err, &resErr)
	s.ErrorIs(err, model.ErrProductNotFound)
	s.Equal([]string{"C"}, resErr.ProductIDs())
}

func (s *StockUseCaseSuite) TestReserveForOrder_RejectsDuplicateAndInactive() {
	s.seed(keyA, 10, 0)
	s.seed(keyB, 10, 0)

	_, err := s.uc.Reserve(s.ctx, keyA, 2, "o1")
	s.Require().NoError(err)

	_, err = s.uc.Reserve(s.ctx, keyA, 2, "o1")
	s.ErrorIs(err, model.ErrDuplicateReservation)
	s.Equal(int64(2), s.item(keyA).ReservedStock)

	s.Require().NoError(s.uc.Deactivate(s.ctx, keyB))
	_, err = s.uc.Reserve(s.ctx, keyB, 1, "o2")
	s.ErrorIs(err, model.ErrProductNotFound)
}

func (s *StockUseCaseSuite) TestReserveForOrder_ValidatesInput() {
	s.seed(keyA, 10, 0)

	_, err := s.uc.ReserveForOrder(s.ctx, "", []dto.OrderLine{{Key: keyA, Quantity: 1}})
	s.ErrorIs(err, model.ErrInvalidInput)

	_, err = s.uc.ReserveForOrder(s.ctx, "o1", nil)
	s.ErrorIs(err, model.ErrInvalidInput)

	_, err = s.uc.ReserveForOrder(s.ctx, "o1", []dto.OrderLine{{Key: keyA, Quantity: 0}})
	s.ErrorIs(err, model.ErrInvalidInput)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err = s.uc.ReserveForOrder(ctx, "o1", []dto.OrderLine{{Key: keyA, Quantity: 1}})
	s.ErrorIs(err, context.Canceled)
	s.Zero(s.item(keyA).ReservedStock)
}

func (s *StockUseCaseSuite) TestCommitForOrder_DeductsAndAudits() {
	s.seed(keyA, 10, 2)
	s.seed(keyB, 5, 0)

	_, err := s.uc.ReserveForOrder(s.ctx, "o1", []dto.OrderLine{
		{Key: keyA, Quantity: 8},
		{Key: keyB, Quantity: 5},
	})
	s.Require().NoError(err)

	outcome, err := s.uc.CommitForOrder(s.ctx, "o1")
	s.Require().NoError(err)
	s.Equal(2, outcome.Count(dto.OutcomeApplied))

	a := s.item(keyA)
	s.Equal(int64(2), a.CurrentStock)
	s.Zero(a.ReservedStock)
	s.Zero(s.item(keyB).CurrentStock)

	movements, total, err := s.uc.ListMovements(s.ctx, &dto.MovementFilters{MovementType: string(model.MovementSale)})
	s.Require().NoError(err)
	s.Equal(2, total)
	for _, m := range movements {
		s.Equal(m.QuantityBefore+m.QuantityChange, m.QuantityAfter)
		s.Require().NotNil(m.ReferenceID)
		s.Equal("o1", *m.ReferenceID)
	}

	again, err := s.uc.CommitForOrder(s.ctx, "o1")
	s.Require().NoError(err)
	s.Equal(2, again.Count(dto.OutcomeSkipped), "commit is idempotent per item")
	s.Equal(int64(2), s.item(keyA).CurrentStock)
}

func (s *StockUseCaseSuite) TestCancelForOrder_ReleasesHolds() {
	s.seed(keyA, 10, 0)

	_, err := s.uc.Reserve(s.ctx, keyA, 6, "o1")
	s.Require().NoError(err)

	outcome, err := s.uc.CancelForOrder(s.ctx, "o1")
	s.Require().NoError(err)
	s.Equal(1, outcome.Count(dto.OutcomeApplied))

	a := s.item(keyA)
	s.Equal(int64(10), a.CurrentStock)
	s.Zero(a.ReservedStock)

	_, err = s.uc.CommitReservation(s.ctx, keyA, "o1")
	s.ErrorIs(err, model.ErrInvalidReservationState)

	_, err = s.uc.CancelForOrder(s.ctx, "unknown")
	s.ErrorIs(err, model.ErrReservationNotFound)
}

func (s *StockUseCaseSuite) TestExpiryReleasesStockAndBlocksCommit() {
	s.seed(keyA, 10, 0)

	result, err := s.uc.Reserve(s.ctx, keyA, 4, "o1")
	s.Require().NoError(err)
	resID := result.Lines[0].ReservationID

	_, err = s.uc.ExpireReservation(s.ctx, resID)
	s.ErrorIs(err, model.ErrReservationNotExpired)

	s.clock.Advance(16 * time.Minute)
	expired, err := s.uc.ExpireReservation(s.ctx, resID)
	s.Require().NoError(err)
	s.Equal(model.ReservationExpired, expired.Status)
	s.Zero(s.item(keyA).ReservedStock)

	_, err = s.uc.ExpireReservation(s.ctx, resID)
	s.ErrorIs(err, model.ErrInvalidReservationState)

	outcome, err := s.uc.CommitForOrder(s.ctx, "o1")
	s.ErrorIs(err, model.ErrInvalidReservationState)
	s.Equal(1, outcome.Count(dto.OutcomeFailed))
	s.Equal(int64(10), s.item(keyA).CurrentStock)

	_, err = s.uc.ExpireReservation(s.ctx, "missing")
	s.ErrorIs(err, model.ErrReservationNotFound)
}

func (s *StockUseCaseSuite) TestSingleItemCommitAndCancel() {
	s.seed(keyA, 5, 0)
	_, err := s.uc.Reserve(s.ctx, keyA, 2, "o1")
	s.Require().NoError(err)

	r, err := s.uc.CommitReservation(s.ctx, keyA, "o1")
	s.Require().NoError(err)
	s.Equal(model.ReservationConfirmed, r.Status)
	s.Equal(int64(3), s.item(keyA).CurrentStock)

	_, err = s.uc.CommitReservation(s.ctx, keyA, "o1")
	s.ErrorIs(err, model.ErrInvalidReservationState)

	_, err = s.uc.CancelReservation(s.ctx, keyA, "o2")
	s.ErrorIs(err, model.ErrReservationNotFound)

	_, err = s.uc.CommitReservation(s.ctx, keyC, "o1")
	s.ErrorIs(err, model.ErrProductNotFound)
}

func (s *StockUseCaseSuite) TestUntrackedItemsNeverBlock() {
	untracked := false
	_, err := s.uc.CreateStockItem(s.ctx, &dto.CreateStockItemInput{Key: keyA, TrackInventory: &untracked})
	s.Require().NoError(err)

	result, err := s.uc.Reserve(s.ctx, keyA, 100, "o1")
	s.Require().NoError(err)
	s.Empty(result.ReservationIDs())

	_, err = s.uc.CommitForOrder(s.ctx, "o1")
	s.ErrorIs(err, model.ErrReservationNotFound, "no hold was recorded")

	r, err := s.uc.CommitReservation(s.ctx, keyA, "o1")
	s.Require().NoError(err)
	s.Nil(r)

	available, err := s.uc.CheckAvailability(s.ctx, map[model.StockKey]int64{keyA: 1000})
	s.Require().NoError(err)
	s.True(available[keyA])
}

func (s *StockUseCaseSuite) TestCheckAvailability() {
	s.seed(keyA, 5, 0)
	s.seed(keyB, 1, 0)
	_, err := s.uc.Reserve(s.ctx, keyB, 1, "o1")
	s.Require().NoError(err)

	available, err := s.uc.CheckAvailability(s.ctx, map[model.StockKey]int64{
		keyA: 5,
		keyB: 1,
		keyC: 1,
	})
	s.Require().NoError(err)
	s.Equal(map[model.StockKey]bool{keyA: true, keyB: false, keyC: false}, available)

	empty, err := s.uc.CheckAvailability(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *StockUseCaseSuite) TestAdjustStock() {
	s.seed(keyA, 10, 3)
	_, err := s.uc.Reserve(s.ctx, keyA, 6, "o1")
	s.Require().NoError(err)

	_, err = s.uc.AdjustStock(s.ctx, &dto.AdjustStockInput{Key: keyA, Delta: -5, Reason: "damaged", Actor: "clerk"})
	s.ErrorIs(err, model.ErrInsufficientStock)

	_, err = s.uc.AdjustStock(s.ctx, &dto.AdjustStockInput{Key: keyA, Delta: 5, MovementType: model.MovementShrinkage})
	s.ErrorIs(err, model.ErrInvalidInput)

	item, err := s.uc.AdjustStock(s.ctx, &dto.AdjustStockInput{Key: keyA, Delta: -2, Reason: "damaged", Actor: "clerk"})
	s.Require().NoError(err)
	s.Equal(int64(8), item.CurrentStock)
	s.True(item.IsLowStock())

	movements, _, err := s.uc.ListMovements(s.ctx, &dto.MovementFilters{ProductID: "A"})
	s.Require().NoError(err)
	s.Require().Len(movements, 1)
	s.Equal(model.MovementShrinkage, movements[0].MovementType)
	s.Equal(int64(10), movements[0].QuantityBefore)
	s.Equal(int64(8), movements[0].QuantityAfter)
	s.Require().NotNil(movements[0].CreatedBy)
	s.Equal("clerk", *movements[0].CreatedBy)

	s.Contains(s.eventTypes(), model.EventLowStockReached)

	_, err = s.uc.AdjustStock(s.ctx, &dto.AdjustStockInput{Key: keyC, Delta: 1})
	s.ErrorIs(err, model.ErrProductNotFound)
}

func (s *StockUseCaseSuite) TestBatchAdjust_ReportsEveryLine() {
	s.seed(keyA, 1, 0)
	s.seed(keyB, 1, 0)

	report, err := s.uc.BatchAdjust(s.ctx, &dto.BatchAdjustInput{
		Items: []dto.AdjustLine{
			{Key: keyA, Delta: 4},
			{Key: keyC, Delta: 2},
			{Key: keyB, Delta: -3},
		},
		MovementType: model.MovementCorrection,
		Reason:       "stock take",
		Actor:        "auditor",
	})
	s.Require().NoError(err)
	s.Require().Len(report.Items, 3)
	s.Equal(dto.OutcomeApplied, report.Items[0].Status)
	s.Equal(int64(5), report.Items[0].CurrentStock)
	s.Equal(dto.OutcomeSkipped, report.Items[1].Status)
	s.Equal(dto.OutcomeFailed, report.Items[2].Status)
	s.ErrorIs(report.Items[2].Err, model.ErrInsufficientStock)
	s.Equal(int64(1), s.item(keyB).CurrentStock)
}

func (s *StockUseCaseSuite) TestSettingsAndLowStockListing() {
	s.seed(keyA, 10, 0)
	s.seed(keyB, 0, 0)
	s.seed(keyC, 50, 0)

	threshold := int64(10)
	item, err := s.uc.UpdateSettings(s.ctx, keyA, model.SettingsPatch{LowStockThreshold: &threshold})
	s.Require().NoError(err)
	s.Equal(int64(10), item.LowStockThreshold)
	s.Equal(int64(10), item.CurrentStock)

	low, total, err := s.uc.ListLowStock(s.ctx, &dto.StockItemFilters{})
	s.Require().NoError(err)
	s.Equal(1, total)
	s.Equal("A", low[0].ProductID)

	_, total, err = s.uc.ListLowStock(s.ctx, &dto.StockItemFilters{LowStock: true, OutOfStock: true})
	s.Require().NoError(err)
	s.Equal(2, total)

	negative := int64(-1)
	_, err = s.uc.UpdateSettings(s.ctx, keyA, model.SettingsPatch{LowStockThreshold: &negative})
	s.ErrorIs(err, model.ErrInvalidInput)

	_, err = s.uc.UpdateSettings(s.ctx, model.StockKey{ProductID: "missing"}, model.SettingsPatch{})
	s.ErrorIs(err, model.ErrProductNotFound)
}

func (s *StockUseCaseSuite) TestCreateStockItem_IsIdempotent() {
	first := s.seed(keyA, 7, 1)
	second, err := s.uc.CreateStockItem(s.ctx, &dto.CreateStockItemInput{Key: keyA, InitialStock: 99})
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.Equal(int64(7), second.CurrentStock)

	_, err = s.uc.CreateStockItem(s.ctx, &dto.CreateStockItemInput{Key: keyB, InitialStock: -1})
	s.ErrorIs(err, model.ErrInvalidInput)
}

func (s *StockUseCaseSuite) TestConcurrentReservationsNeverOversell() {
	s.seed(keyA, 10, 0)
	s.seed(keyB, 10, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lines := []dto.OrderLine{{Key: keyA, Quantity: 1}, {Key: keyB, Quantity: 1}}
			if i%2 == 1 {
				lines[0], lines[1] = lines[1], lines[0]
			}
			if _, err := s.uc.ReserveForOrder(s.ctx, "order-"+string(rune('a'+i)), lines); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	s.Equal(10, succeeded)
	for _, key := range []model.StockKey{keyA, keyB} {
		item := s.item(key)
		s.Equal(int64(10), item.ReservedStock)
		s.GreaterOrEqual(item.AvailableStock(), int64(0))
	}
}

func (s *StockUseCaseSuite) TestConcurrentCommitAndExpiry() {
	s.seed(keyA, 10, 0)
	result, err := s.uc.Reserve(s.ctx, keyA, 3, "o1")
	s.Require().NoError(err)
	s.clock.Advance(20 * time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.uc.CommitReservation(s.ctx, keyA, "o1")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = s.uc.ExpireReservation(s.ctx, result.Lines[0].ReservationID)
	}()
	wg.Wait()

	a := s.item(keyA)
	s.Zero(a.ReservedStock)
	if errs[0] == nil {
		s.ErrorIs(errs[1], model.ErrInvalidReservationState)
		s.Equal(int64(7), a.CurrentStock)
	} else {
		s.ErrorIs(errs[0], model.ErrInvalidReservationState)
		s.NoError(errs[1])
		s.Equal(int64(10), a.CurrentStock)
	}
}

func (s *StockUseCaseSuite) TestCommitForOrder_RetryAfterReReserveIsIdempotent() {
	s.seed(keyA, 10, 0)

	_, err := s.uc.Reserve(s.ctx, keyA, 2, "o1")
	s.Require().NoError(err)
	_, err = s.uc.CancelReservation(s.ctx, keyA, "o1")
	s.Require().NoError(err)
	_, err = s.uc.Reserve(s.ctx, keyA, 3, "o1")
	s.Require().NoError(err)

	outcome, err := s.uc.CommitForOrder(s.ctx, "o1")
	s.Require().NoError(err)
	s.Equal(1, outcome.Count(dto.OutcomeApplied))

	// Every reservation shares the frozen clock's timestamp.
	for i := 0; i < 50; i++ {
		outcome, err = s.uc.CommitForOrder(s.ctx, "o1")
		s.Require().NoError(err, "retry %d", i)
		s.Equal(1, outcome.Count(dto.OutcomeSkipped), "retry %d", i)
		s.Zero(outcome.Count(dto.OutcomeFailed), "retry %d", i)
	}

	_, err = s.uc.CancelForOrder(s.ctx, "o1")
	s.ErrorIs(err, model.ErrInvalidReservationState)

	item := s.item(keyA)
	s.Equal(int64(7), item.CurrentStock)
	s.Zero(item.ReservedStock)
}

func (s *StockUseCaseSuite) TestReservedStockMatchesPendingHolds() {
	keys := []model.StockKey{keyA, keyB, keyC}
	for _, k := range keys {
		s.seed(k, 20, 0)
	}

	rng := rand.New(rand.NewSource(42))
	var orders []string
	pick := func() string { return orders[rng.Intn(len(orders))] }

	for step := 0; step < 300; step++ {
		switch op := rng.Intn(5); {
		case op == 0 || len(orders) == 0:
			orderID := fmt.Sprintf("order-%d", step)
			orders = append(orders, orderID)
			var lines []dto.OrderLine
			for _, k := range keys {
				if rng.Intn(2) == 0 {
					lines = append(lines, dto.OrderLine{Key: k, Quantity: int64(rng.Intn(4) + 1)})
				}
			}
			if len(lines) == 0 {
				lines = []dto.OrderLine{{Key: keyA, Quantity: 1}}
			}
			_, _ = s.uc.ReserveForOrder(s.ctx, orderID, lines)
		case op == 1:
			_, _ = s.uc.CommitForOrder(s.ctx, pick())
		case op == 2:
			_, _ = s.uc.CancelForOrder(s.ctx, pick())
		case op == 3:
			delta := int64(rng.Intn(9) - 3)
			if delta == 0 {
				delta = 5
			}
			_, _ = s.uc.AdjustStock(s.ctx, &dto.AdjustStockInput{Key: keys[rng.Intn(len(keys))], Delta: delta, Reason: "count", Actor: "clerk"})
		case op == 4:
			s.clock.Advance(time.Duration(rng.Intn(10)) * time.Minute)
			expired, err := s.repo.FindExpiredReservations(s.ctx, s.clock.Now(), 100)
			s.Require().NoError(err)
			for _, r := range expired {
				_, err := s.uc.ExpireReservation(s.ctx, r.ID)
				s.Require().NoError(err)
			}
		}

		pending := make(map[string]int64)
		for _, orderID := range orders {
			reservations, err := s.repo.ListReservationsByOrder(s.ctx, orderID)
			s.Require().NoError(err)
			for _, r := range reservations {
				if r.Status == model.ReservationPending {
					pending[r.StockItemID] += r.Quantity
				}
			}
		}
		for _, k := range keys {
			item := s.item(k)
			s.Require().Equal(pending[item.ID], item.ReservedStock, "step %d item %s", step, k)
			s.Require().GreaterOrEqual(item.CurrentStock, item.ReservedStock, "step %d item %s", step, k)
		}
	}
}
