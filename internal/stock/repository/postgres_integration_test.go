//go:build integration

package repository_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fekuna/omnipos-inventory-service/internal/clock"
	"github.com/fekuna/omnipos-inventory-service/internal/logger"
	"github.com/fekuna/omnipos-inventory-service/internal/metrics"
	"github.com/fekuna/omnipos-inventory-service/internal/model"
	"github.com/fekuna/omnipos-inventory-service/internal/outbox"
	"github.com/fekuna/omnipos-inventory-service/internal/stock"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/dto"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/repository"
	"github.com/fekuna/omnipos-inventory-service/internal/stock/usecase"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PostgresSuite struct {
	suite.Suite

	ctx       context.Context
	container *postgres.PostgresContainer
	db        *sqlx.DB
	repo      *repository.PGRepository
	clock     *clock.Manual
	uc        stock.UseCase
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	s.ctx = context.Background()

	var err error
	s.container, err = postgres.Run(
		s.ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("inventory_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)

	connStr, err := s.container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	absPath, err := filepath.Abs("../../../migrations")
	s.Require().NoError(err)
	m, err := migrate.New("file://"+absPath, connStr)
	s.Require().NoError(err)
	s.Require().NoError(m.Up())

	s.db, err = sqlx.Open("pgx", connStr)
	s.Require().NoError(err)
	s.db.SetMaxOpenConns(20)
}

func (s *PostgresSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		s.NoError(s.container.Terminate(s.ctx))
	}
}

func (s *PostgresSuite) SetupTest() {
	_, err := s.db.ExecContext(s.ctx, `TRUNCATE stock_outbox, stock_movements, stock_reservations, stock_items CASCADE`)
	s.Require().NoError(err)

	s.repo = repository.NewPGRepository(s.db)
	s.clock = clock.NewManual(time.Now().UTC().Truncate(time.Microsecond))
	s.uc = usecase.NewStockUseCase(s.repo, s.clock,
		usecase.Config{ReservationTTL: 15 * time.Minute, MaxRetries: 5, RetryInitialInterval: 5 * time.Millisecond},
		logger.NewNop(), metrics.New(prometheus.NewRegistry()))
}

func (s *PostgresSuite) seed(key model.StockKey, current int64) {
	_, err := s.uc.CreateStockItem(s.ctx, &dto.CreateStockItemInput{Key: key, InitialStock: current})
	s.Require().NoError(err)
}

func (s *PostgresSuite) item(key model.StockKey) *model.StockItem {
	item, err := s.uc.GetStockItem(s.ctx, key)
	s.Require().NoError(err)
	return item
}

func (s *PostgresSuite) TestReserveCommitRoundTrip() {
	a := model.StockKey{ProductID: "A"}
	b := model.StockKey{ProductID: "B", VariantID: "red"}
	s.seed(a, 10)
	s.seed(b, 3)

	result, err := s.uc.ReserveForOrder(s.ctx, "o1", []dto.OrderLine{{Key: a, Quantity: 4}, {Key: b, Quantity: 3}})
	s.Require().NoError(err)
	s.Len(result.ReservationIDs(), 2)

	_, err = s.uc.Reserve(s.ctx, a, 1, "o1")
	s.ErrorIs(err, model.ErrDuplicateReservation)

	outcome, err := s.uc.CommitForOrder(s.ctx, "o1")
	s.Require().NoError(err)
	s.Equal(2, outcome.Count(dto.OutcomeApplied))

	s.Equal(int64(6), s.item(a).CurrentStock)
	s.Zero(s.item(a).ReservedStock)
	s.Zero(s.item(b).CurrentStock)

	_, total, err := s.uc.ListMovements(s.ctx, &dto.MovementFilters{MovementType: string(model.MovementSale)})
	s.Require().NoError(err)
	s.Equal(2, total)
}

func (s *PostgresSuite) TestAllOrNothingLeavesNoTrace() {
	a := model.StockKey{ProductID: "A"}
	b := model.StockKey{ProductID: "B"}
	s.seed(a, 5)
	s.seed(b, 0)

	_, err := s.uc.ReserveForOrder(s.ctx, "o1", []dto.OrderLine{{Key: a, Quantity: 2}, {Key: b, Quantity: 1}})
	s.ErrorIs(err, model.ErrInsufficientStock)

	reservations, err := s.repo.ListReservationsByOrder(s.ctx, "o1")
	s.Require().NoError(err)
	s.Empty(reservations)
	s.Zero(s.item(a).ReservedStock)

	var outboxRows int
	s.Require().NoError(s.db.GetContext(s.ctx, &outboxRows, `SELECT count(*) FROM stock_outbox`))
	s.Zero(outboxRows)
}

func (s *PostgresSuite) TestExpirySweepCandidates() {
	a := model.StockKey{ProductID: "A"}
	s.seed(a, 10)

	result, err := s.uc.Reserve(s.ctx, a, 4, "o1")
	s.Require().NoError(err)

	expired, err := s.repo.FindExpiredReservations(s.ctx, s.clock.Now().Add(time.Minute), 10)
	s.Require().NoError(err)
	s.Empty(expired)

	s.clock.Advance(16 * time.Minute)
	expired, err = s.repo.FindExpiredReservations(s.ctx, s.clock.Now(), 10)
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal(result.Lines[0].ReservationID, expired[0].ID)

	r, err := s.uc.ExpireReservation(s.ctx, expired[0].ID)
	s.Require().NoError(err)
	s.Equal(model.ReservationExpired, r.Status)
	s.Zero(s.item(a).ReservedStock)

	_, err = s.uc.CommitForOrder(s.ctx, "o1")
	s.ErrorIs(err, model.ErrInvalidReservationState)
}

func (s *PostgresSuite) TestConcurrentOrdersDoNotOversell() {
	a := model.StockKey{ProductID: "A"}
	b := model.StockKey{ProductID: "B"}
	s.seed(a, 5)
	s.seed(b, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lines := []dto.OrderLine{{Key: a, Quantity: 1}, {Key: b, Quantity: 1}}
			if i%2 == 1 {
				lines[0], lines[1] = lines[1], lines[0]
			}
			if _, err := s.uc.ReserveForOrder(s.ctx, fmt.Sprintf("order-%d", i), lines); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	s.Equal(5, succeeded)
	s.Equal(int64(5), s.item(a).ReservedStock)
	s.Equal(int64(5), s.item(b).ReservedStock)
}

type collectingSink struct {
	events []model.Event
}

func (c *collectingSink) Publish(ctx context.Context, events ...model.Event) error {
	c.events = append(c.events, events...)
	return nil
}

func (s *PostgresSuite) TestOutboxRelayDrainsCommittedEvents() {
	a := model.StockKey{ProductID: "A"}
	s.seed(a, 5)
	_, err := s.uc.AdjustStock(s.ctx, &dto.AdjustStockInput{Key: a, Delta: -5, Reason: "damaged", Actor: "clerk"})
	s.Require().NoError(err)

	sink := &collectingSink{}
	relay := outbox.NewRelay(outbox.NewPGStore(s.db), sink, outbox.RelayConfig{BatchSize: 10}, logger.NewNop(), metrics.New(prometheus.NewRegistry()))

	n, err := relay.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal(model.EventStockAdjusted, sink.events[0].Type)
	s.Equal(model.EventOutOfStockReached, sink.events[1].Type)

	n, err = relay.ProcessBatch(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
}
