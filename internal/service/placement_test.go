package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/okoval/bingxbot/internal/domain"
	"github.com/okoval/bingxbot/internal/notify"
)

type stubGateway struct {
	entry      *domain.RemoteOrder
	entryErr   error
	stop       *domain.RemoteOrder
	stopErr    error
	tps        []domain.RemoteOrder
	tpErr      error
	marketSeen int
}

func (g *stubGateway) FetchOrder(context.Context, string, string) (*domain.RemoteOrder, error) {
	return nil, errors.New("not used in placement")
}

func (g *stubGateway) CancelOrder(context.Context, string, string) (bool, error) {
	return false, errors.New("not used in placement")
}

func (g *stubGateway) SetStopLoss(context.Context, string, domain.PositionSide, float64, float64) (*domain.RemoteOrder, error) {
	return g.stop, g.stopErr
}

func (g *stubGateway) SetTakeProfits(context.Context, string, domain.PositionSide, float64, []float64, []float64) ([]domain.RemoteOrder, error) {
	return g.tps, g.tpErr
}

func (g *stubGateway) PlaceMarketOrder(context.Context, string, domain.PositionSide, float64, int) (*domain.RemoteOrder, error) {
	g.marketSeen++
	return g.entry, g.entryErr
}

type stubStore struct {
	domain.PositionStore
	created   []domain.Position
	createErr error
}

func (s *stubStore) Create(_ context.Context, pos domain.Position) error {
	s.created = append(s.created, pos)
	return s.createErr
}

type stubSlots struct {
	reserveErr error
	reserved   int
	released   int
}

func (s *stubSlots) NotifySlotReleased(context.Context, string, string, bool) { s.released++ }

func (s *stubSlots) Reserve(context.Context, string, string) error {
	s.reserved++
	return s.reserveErr
}

func (s *stubSlots) InUse(context.Context, string) (int, error) { return 0, nil }

func (s *stubSlots) Tracks(string) bool { return true }

func (s *stubSlots) ReleasesOnBreakeven(string) bool { return true }

type recordingSender struct{ titles []string }

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func testIntent() domain.TradeIntent {
	return domain.TradeIntent{
		SourceKey:      "group_1_2_4",
		Symbol:         "BTC-USDT",
		Side:           domain.PositionSideLong,
		Amount:         1.0,
		Leverage:       10,
		StopLossPrice:  48000,
		TakeProfits:    []float64{51000, 52000},
		TPDistribution: []float64{70, 30},
	}
}

func newPlacement(gw *stubGateway, store *stubStore, slots *stubSlots, sender *recordingSender) *Placement {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPlacement(gw, store, nil, slots, notify.NewNotifier([]notify.Sender{sender}, nil, log), log)
}

func TestOpenPersistsProtectedPosition(t *testing.T) {
	gw := &stubGateway{
		entry: &domain.RemoteOrder{ID: "entry-1", AvgPrice: 50123.5},
		stop:  &domain.RemoteOrder{ID: "sl-1"},
		tps:   []domain.RemoteOrder{{ID: "tp-1"}, {ID: "tp-2"}},
	}
	store := &stubStore{}
	slots := &stubSlots{}

	pos, err := newPlacement(gw, store, slots, &recordingSender{}).Open(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if slots.reserved != 1 {
		t.Errorf("reservations = %d, want 1", slots.reserved)
	}
	if len(store.created) != 1 {
		t.Fatalf("created = %d positions, want 1", len(store.created))
	}
	if pos.EntryPrice != 50123.5 || pos.StopLossOrderID != "sl-1" ||
		len(pos.TakeProfitOrderIDs) != 2 || pos.TakeProfitOrderIDs[0] != "tp-1" {
		t.Errorf("position = %+v", pos)
	}
	if !pos.IsActive || pos.IsBreakeven || pos.CurrentAmount != pos.InitialAmount {
		t.Errorf("fresh position flags wrong: %+v", pos)
	}
}

func TestOpenRespectsSlotLimit(t *testing.T) {
	gw := &stubGateway{}
	slots := &stubSlots{reserveErr: domain.ErrSlotLimit}

	_, err := newPlacement(gw, &stubStore{}, slots, &recordingSender{}).Open(context.Background(), testIntent())
	if !errors.Is(err, domain.ErrSlotLimit) {
		t.Fatalf("Open returned %v, want ErrSlotLimit", err)
	}
	if gw.marketSeen != 0 {
		t.Error("no exchange order may be placed when the source is at capacity")
	}
}

func TestOpenReleasesSlotWhenEntryFails(t *testing.T) {
	gw := &stubGateway{entryErr: errors.New("exchange down")}
	slots := &stubSlots{}

	_, err := newPlacement(gw, &stubStore{}, slots, &recordingSender{}).Open(context.Background(), testIntent())
	if err == nil {
		t.Fatal("Open should fail when the entry order fails")
	}
	if slots.released != 1 {
		t.Errorf("slot releases = %d, want the reservation undone", slots.released)
	}
}

// A filled entry whose stop placement fails is still recorded, with a loud
// alert, so the reconciler can watch it.
func TestOpenPersistsEvenWhenStopFails(t *testing.T) {
	gw := &stubGateway{
		entry:   &domain.RemoteOrder{ID: "entry-1", AvgPrice: 50000},
		stopErr: errors.New("exchange 500"),
		tps:     []domain.RemoteOrder{{ID: "tp-1"}},
	}
	store := &stubStore{}
	sender := &recordingSender{}

	pos, err := newPlacement(gw, store, &stubSlots{}, sender).Open(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pos.StopLossOrderID != "" {
		t.Errorf("stop order id = %q, want empty", pos.StopLossOrderID)
	}

	critical := false
	for _, title := range sender.titles {
		if strings.HasPrefix(title, "CRITICAL:") {
			critical = true
		}
	}
	if !critical {
		t.Error("expected a critical alert about the unprotected entry")
	}
}

func TestOpenRejectsMalformedIntent(t *testing.T) {
	intent := testIntent()
	intent.TPDistribution = []float64{100}

	_, err := newPlacement(&stubGateway{}, &stubStore{}, &stubSlots{}, &recordingSender{}).Open(context.Background(), intent)
	if err == nil {
		t.Fatal("Open should reject a distribution/level length mismatch")
	}
}
