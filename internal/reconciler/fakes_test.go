package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/okoval/bingxbot/internal/domain"
	"github.com/okoval/bingxbot/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway serves canned order states keyed by order id. Cancelling an
// order makes subsequent fetches for it report the cancelled status, which
// is how the verify step of the breakeven transition observes the cancel.
type fakeGateway struct {
	mu     sync.Mutex
	orders map[string]*domain.RemoteOrder

	fetchErr       map[string]error
	cancelOK       bool
	cancelNoEffect bool
	cancelErr      error

	newStop    *domain.RemoteOrder
	setStopErr error

	fetched   []string
	cancelled []string
	stopCalls []stopCall
}

type stopCall struct {
	symbol string
	side   domain.PositionSide
	price  float64
	amount float64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		orders:   map[string]*domain.RemoteOrder{},
		fetchErr: map[string]error{},
		cancelOK: true,
		newStop:  &domain.RemoteOrder{ID: "sl-new", Status: domain.OrderStatusNew},
	}
}

func (g *fakeGateway) set(id string, status domain.OrderStatus, ordered, filled float64) {
	g.orders[id] = &domain.RemoteOrder{ID: id, Status: status, OrderedQty: ordered, FilledQty: filled}
}

func (g *fakeGateway) FetchOrder(_ context.Context, _, orderID string) (*domain.RemoteOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetched = append(g.fetched, orderID)
	if err := g.fetchErr[orderID]; err != nil {
		return nil, err
	}
	o, ok := g.orders[orderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _, orderID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, orderID)
	if g.cancelErr != nil {
		return false, g.cancelErr
	}
	if g.cancelOK && !g.cancelNoEffect {
		if o, ok := g.orders[orderID]; ok {
			o.Status = domain.OrderStatusCancelled
		}
	}
	return g.cancelOK, nil
}

func (g *fakeGateway) SetStopLoss(_ context.Context, symbol string, side domain.PositionSide, price, amount float64) (*domain.RemoteOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopCalls = append(g.stopCalls, stopCall{symbol: symbol, side: side, price: price, amount: amount})
	if g.setStopErr != nil {
		return nil, g.setStopErr
	}
	if g.newStop != nil {
		cp := *g.newStop
		g.orders[cp.ID] = &cp
	}
	return g.newStop, nil
}

func (g *fakeGateway) SetTakeProfits(context.Context, string, domain.PositionSide, float64, []float64, []float64) ([]domain.RemoteOrder, error) {
	return nil, errors.New("not used in reconciliation")
}

func (g *fakeGateway) PlaceMarketOrder(context.Context, string, domain.PositionSide, float64, int) (*domain.RemoteOrder, error) {
	return nil, errors.New("not used in reconciliation")
}

// fakeStore keeps positions in memory and records every mutation.
type fakeStore struct {
	mu        sync.Mutex
	positions map[string]*domain.Position

	listErr        error
	amountErr      error
	breakevenErr   error
	statusErr      error
	listCalls      int
	amountCalls    []float64
	breakevenCalls []breakevenCall
	statusCalls    []statusCall
	listedSignal   chan struct{}
}

type breakevenCall struct {
	id          string
	stopOrderID string
	isBreakeven bool
}

type statusCall struct {
	id         string
	isActive   bool
	statusInfo string
}

func newFakeStore(positions ...*domain.Position) *fakeStore {
	s := &fakeStore{positions: map[string]*domain.Position{}, listedSignal: make(chan struct{}, 16)}
	for _, p := range positions {
		s.positions[p.ID] = p
	}
	return s
}

func (s *fakeStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.ID] = &pos
	return nil
}

func (s *fakeStore) ListActive(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	select {
	case s.listedSignal <- struct{}{}:
	default:
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Position
	for _, p := range s.positions {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *fakeStore) UpdateCurrentAmount(_ context.Context, id string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amountCalls = append(s.amountCalls, amount)
	if s.amountErr != nil {
		return s.amountErr
	}
	p, ok := s.positions[id]
	if !ok || !p.IsActive {
		return domain.ErrNotFound
	}
	// Matches the store's monotonicity guard: a would-raise update is a
	// no-op, not an error.
	if p.CurrentAmount < amount {
		return nil
	}
	p.CurrentAmount = amount
	return nil
}

func (s *fakeStore) UpdateStopLossAndBreakeven(_ context.Context, id, stopLossOrderID string, isBreakeven bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakevenCalls = append(s.breakevenCalls, breakevenCall{id: id, stopOrderID: stopLossOrderID, isBreakeven: isBreakeven})
	if s.breakevenErr != nil {
		return s.breakevenErr
	}
	p, ok := s.positions[id]
	if !ok || !p.IsActive {
		return domain.ErrNotFound
	}
	p.StopLossOrderID = stopLossOrderID
	p.IsBreakeven = isBreakeven
	return nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, isActive bool, statusInfo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls = append(s.statusCalls, statusCall{id: id, isActive: isActive, statusInfo: statusInfo})
	if s.statusErr != nil {
		return s.statusErr
	}
	p, ok := s.positions[id]
	if !ok || !p.IsActive {
		return domain.ErrNotFound
	}
	p.IsActive = isActive
	p.StatusInfo = statusInfo
	return nil
}

func (s *fakeStore) ListClosedBefore(context.Context, time.Time, int) ([]domain.Position, error) {
	return nil, nil
}

func (s *fakeStore) DeleteClosed(context.Context, []string) (int64, error) {
	return 0, nil
}

// fakeSlots records release calls and serves a static policy.
type fakeSlots struct {
	mu                  sync.Mutex
	tracked             bool
	releasesOnBreakeven bool
	releases            []releaseCall
}

type releaseCall struct {
	sourceKey       string
	positionID      string
	becameBreakeven bool
}

func (f *fakeSlots) NotifySlotReleased(_ context.Context, sourceKey, positionID string, becameBreakeven bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tracked {
		return
	}
	if becameBreakeven && !f.releasesOnBreakeven {
		return
	}
	f.releases = append(f.releases, releaseCall{sourceKey: sourceKey, positionID: positionID, becameBreakeven: becameBreakeven})
}

func (f *fakeSlots) Reserve(context.Context, string, string) error { return nil }

func (f *fakeSlots) InUse(context.Context, string) (int, error) { return 0, nil }

func (f *fakeSlots) Tracks(string) bool { return f.tracked }

func (f *fakeSlots) ReleasesOnBreakeven(string) bool { return f.releasesOnBreakeven }

// fakeAudit records events in order.
type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) ListRecent(context.Context, int) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *fakeAudit) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

// fakeSender captures notifications delivered through the Notifier.
type fakeSender struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) criticalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.titles {
		if len(t) >= 9 && t[:9] == "CRITICAL:" {
			n++
		}
	}
	return n
}

// harness wires an Evaluator over fakes with zero transition delays.
type harness struct {
	gateway *fakeGateway
	store   *fakeStore
	slots   *fakeSlots
	audit   *fakeAudit
	sender  *fakeSender

	evaluator *Evaluator
	breakeven *BreakevenTransition
	closure   *ClosureHandler
}

func newHarness(t *testing.T, positions ...*domain.Position) *harness {
	t.Helper()
	h := &harness{
		gateway: newFakeGateway(),
		store:   newFakeStore(positions...),
		slots:   &fakeSlots{tracked: true, releasesOnBreakeven: true},
		audit:   &fakeAudit{},
		sender:  &fakeSender{},
	}
	log := testLogger()
	notifier := notify.NewNotifier([]notify.Sender{h.sender}, nil, log)
	h.breakeven = NewBreakevenTransition(h.gateway, h.store, h.audit, h.slots, notifier, 0, 0, log)
	h.closure = NewClosureHandler(h.store, h.audit, h.slots, notifier, log)
	h.evaluator = NewEvaluator(h.gateway, h.store, h.audit, h.breakeven, h.closure, notifier, log)
	return h
}

func testPosition() *domain.Position {
	return &domain.Position{
		ID:                 "pos-1",
		SourceKey:          "group_1_2_4",
		Symbol:             "BTC-USDT",
		Side:               domain.PositionSideLong,
		EntryPrice:         50000,
		InitialAmount:      1.0,
		CurrentAmount:      1.0,
		Leverage:           10,
		StopLossOrderID:    "sl-1",
		TakeProfitOrderIDs: []string{"tp-1", "tp-2"},
		IsActive:           true,
		CreatedAt:          time.Now(),
	}
}
