package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"platewatch/pkg/domain"
	"platewatch/pkg/poller"
	"platewatch/pkg/registry"
	"platewatch/pkg/store"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]bool
	removed   []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{scheduled: make(map[string]bool)}
}

func (f *fakeScheduler) Schedule(_ context.Context, plate string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduled[plate] {
		return false, nil
	}
	f.scheduled[plate] = true
	return true, nil
}

func (f *fakeScheduler) Remove(_ context.Context, plate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, plate)
	f.removed = append(f.removed, plate)
	return nil
}

func (f *fakeScheduler) has(plate string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduled[plate]
}

type neverFoundChecker struct{}

func (neverFoundChecker) CheckFound(context.Context, string) (time.Time, error) {
	return time.Time{}, registry.ErrNotFound
}

type noopMessenger struct{}

func (noopMessenger) SendMessage(context.Context, int64, string) error { return nil }

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *fakeScheduler) {
	t.Helper()
	st := store.NewMemoryStore()
	sc := newFakeScheduler()
	p := poller.New(st, neverFoundChecker{}, noopMessenger{}, sc)
	return New(st, sc, p), st, sc
}

func registerChat(t *testing.T, a *App, st *store.MemoryStore, id int64, active bool) {
	t.Helper()
	ctx := context.Background()
	if _, err := a.RegisterChat(ctx, domain.Chat{ID: id}); err != nil {
		t.Fatalf("register chat %d: %v", id, err)
	}
	if active {
		if err := st.SetChatActive(ctx, id, true); err != nil {
			t.Fatalf("activate chat %d: %v", id, err)
		}
	}
}

func TestAddVehicleNormalizesAndSchedules(t *testing.T) {
	a, st, sc := newTestApp(t)
	ctx := context.Background()
	registerChat(t, a, st, 1, true)

	plate, err := a.AddVehicle(ctx, 1, " ab-123 c ")
	if err != nil {
		t.Fatalf("add vehicle: %v", err)
	}
	if plate != "AB123C" {
		t.Fatalf("plate = %q, want normalized AB123C", plate)
	}
	if !sc.has("AB123C") {
		t.Fatal("active chat's plate should be scheduled")
	}

	if _, err := a.AddVehicle(ctx, 1, "AB123C"); !errors.Is(err, store.ErrAlreadySubscribed) {
		t.Fatalf("second add: got %v, want ErrAlreadySubscribed", err)
	}
}

func TestAddVehicleInactiveChatDoesNotSchedule(t *testing.T) {
	a, st, sc := newTestApp(t)
	ctx := context.Background()
	registerChat(t, a, st, 1, false)

	if _, err := a.AddVehicle(ctx, 1, "XYZ789"); err != nil {
		t.Fatalf("add vehicle: %v", err)
	}
	if sc.has("XYZ789") {
		t.Fatal("inactive chat's plate should not be scheduled")
	}
}

func TestAddVehicleResolvedPlateNotScheduled(t *testing.T) {
	a, st, sc := newTestApp(t)
	ctx := context.Background()
	registerChat(t, a, st, 1, true)
	if _, err := st.FindOrCreateVehicle(ctx, "OLD111"); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	if err := st.SetFoundAt(ctx, "OLD111", time.Now()); err != nil {
		t.Fatalf("resolve vehicle: %v", err)
	}

	if _, err := a.AddVehicle(ctx, 1, "OLD111"); err != nil {
		t.Fatalf("add vehicle: %v", err)
	}
	if sc.has("OLD111") {
		t.Fatal("resolved plate should not get a poll task")
	}
}

func TestRemoveVehicleDeprovisionsAtZeroSubscribers(t *testing.T) {
	a, st, sc := newTestApp(t)
	ctx := context.Background()
	registerChat(t, a, st, 1, true)
	registerChat(t, a, st, 2, true)
	for _, id := range []int64{1, 2} {
		if _, err := a.AddVehicle(ctx, id, "DEF456"); err != nil {
			t.Fatalf("add for chat %d: %v", id, err)
		}
	}

	if _, err := a.RemoveVehicle(ctx, 1, "DEF456"); err != nil {
		t.Fatalf("remove for chat 1: %v", err)
	}
	if !sc.has("DEF456") {
		t.Fatal("task must survive while another subscriber remains")
	}

	if _, err := a.RemoveVehicle(ctx, 2, "DEF456"); err != nil {
		t.Fatalf("remove for chat 2: %v", err)
	}
	if sc.has("DEF456") {
		t.Fatal("task must be deprovisioned with the last subscriber")
	}
}

func TestRemoveVehicleLastSubscriptionDeactivatesChat(t *testing.T) {
	a, st, sc := newTestApp(t)
	ctx := context.Background()
	registerChat(t, a, st, 1, true)
	if _, err := a.AddVehicle(ctx, 1, "GHI789"); err != nil {
		t.Fatalf("add vehicle: %v", err)
	}

	if _, err := a.RemoveVehicle(ctx, 1, "GHI789"); err != nil {
		t.Fatalf("remove vehicle: %v", err)
	}
	chat, ok, err := st.GetChat(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("get chat: ok=%v err=%v", ok, err)
	}
	if chat.Active {
		t.Fatal("chat with no subscriptions left should have alerts off")
	}
	if sc.has("GHI789") {
		t.Fatal("plate without subscribers should be deprovisioned")
	}
}

func TestStartAlerts(t *testing.T) {
	a, st, sc := newTestApp(t)
	ctx := context.Background()
	registerChat(t, a, st, 1, false)

	if _, err := a.StartAlerts(ctx, 1); !errors.Is(err, ErrNoVehicles) {
		t.Fatalf("start with no subscriptions: got %v, want ErrNoVehicles", err)
	}

	if _, err := a.AddVehicle(ctx, 1, "AAA111"); err != nil {
		t.Fatalf("add AAA111: %v", err)
	}
	if _, err := a.AddVehicle(ctx, 1, "BBB222"); err != nil {
		t.Fatalf("add BBB222: %v", err)
	}
	if err := st.SetFoundAt(ctx, "BBB222", time.Now()); err != nil {
		t.Fatalf("resolve BBB222: %v", err)
	}

	watched, err := a.StartAlerts(ctx, 1)
	if err != nil {
		t.Fatalf("start alerts: %v", err)
	}
	if len(watched) != 1 || watched[0] != "AAA111" {
		t.Fatalf("watched = %v, want only the unresolved plate", watched)
	}
	if !sc.has("AAA111") || sc.has("BBB222") {
		t.Fatalf("schedule state wrong: AAA111=%v BBB222=%v", sc.has("AAA111"), sc.has("BBB222"))
	}

	if _, err := a.StartAlerts(ctx, 1); !errors.Is(err, ErrAlertsAlreadyOn) {
		t.Fatalf("second start: got %v, want ErrAlertsAlreadyOn", err)
	}
}

func TestStopAlertsKeepsTasksWithOtherActiveSubscribers(t *testing.T) {
	a, st, sc := newTestApp(t)
	ctx := context.Background()
	registerChat(t, a, st, 1, true)
	registerChat(t, a, st, 2, true)
	for _, id := range []int64{1, 2} {
		if _, err := a.AddVehicle(ctx, id, "SHR333"); err != nil {
			t.Fatalf("add for chat %d: %v", id, err)
		}
	}

	if err := a.StopAlerts(ctx, 1); err != nil {
		t.Fatalf("stop alerts chat 1: %v", err)
	}
	if !sc.has("SHR333") {
		t.Fatal("task must survive while chat 2 is still active")
	}
	if err := a.StopAlerts(ctx, 1); !errors.Is(err, ErrAlertsAlreadyOff) {
		t.Fatalf("second stop: got %v, want ErrAlertsAlreadyOff", err)
	}

	if err := a.StopAlerts(ctx, 2); err != nil {
		t.Fatalf("stop alerts chat 2: %v", err)
	}
	if sc.has("SHR333") {
		t.Fatal("task must be deprovisioned once no active subscriber remains")
	}
}

func TestVehicleStatus(t *testing.T) {
	a, st, _ := newTestApp(t)
	ctx := context.Background()
	registerChat(t, a, st, 1, true)
	if _, err := a.AddVehicle(ctx, 1, "STA444"); err != nil {
		t.Fatalf("add vehicle: %v", err)
	}

	text, err := a.VehicleStatus(ctx, 1, "sta-444")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if text != "Vehicle STA444 has not been found yet" {
		t.Fatalf("status text = %q", text)
	}

	if _, err := a.VehicleStatus(ctx, 1, "NOP555"); !errors.Is(err, store.ErrVehicleNotFound) {
		t.Fatalf("status of unsubscribed plate: got %v, want ErrVehicleNotFound", err)
	}
}

func TestPollTaskDeprovisionsOrphanedTask(t *testing.T) {
	a, st, sc := newTestApp(t)
	ctx := context.Background()
	if _, err := st.FindOrCreateVehicle(ctx, "ORP666"); err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	if _, err := sc.Schedule(ctx, "ORP666"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	err := a.PollTask(ctx, "ORP666")
	if !errors.Is(err, poller.ErrNoSubscribers) {
		t.Fatalf("poll task: got %v, want ErrNoSubscribers", err)
	}
	if sc.has("ORP666") {
		t.Fatal("orphaned task should have been removed")
	}
}
