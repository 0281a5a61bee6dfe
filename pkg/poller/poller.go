// Package poller runs the per-plate poll task: check the cached found
// state, otherwise ask the external registry, persist the result,
// notify the active subscribers and tear the task down.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"platewatch/internal/metrics"
	"platewatch/internal/util"
	"platewatch/pkg/domain"
	"platewatch/pkg/registry"
	"platewatch/pkg/store"
)

// ErrNoSubscribers flags a poll task that exists for a plate nobody
// subscribes to. That means a deprovisioning step was missed somewhere,
// so it is surfaced instead of silently swallowed.
var ErrNoSubscribers = errors.New("poll task for plate with no subscribers")

// Outcome describes how one poll invocation ended.
type Outcome string

const (
	// OutcomeNotFound: the registry does not list the plate yet; the
	// task stays scheduled for the next cycle.
	OutcomeNotFound Outcome = "not-found"
	// OutcomeCheckFailed: the registry call failed; treated as "still
	// not found" for this cycle and never escalated to a task failure.
	OutcomeCheckFailed Outcome = "check-failed"
	// OutcomeFoundNow: the registry reported the plate found on this
	// invocation.
	OutcomeFoundNow Outcome = "found-now"
	// OutcomeFoundCached: the plate was already resolved; the external
	// call was skipped and notification replayed.
	OutcomeFoundCached Outcome = "found-cached"
)

// Messenger delivers one message to one chat.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// FoundChecker asks the external registry about one plate.
type FoundChecker interface {
	CheckFound(ctx context.Context, plate string) (time.Time, error)
}

// Deprovisioner removes a plate's poll task once the plate resolves.
type Deprovisioner interface {
	Remove(ctx context.Context, plate string) error
}

// Poller executes poll tasks against injected collaborators.
type Poller struct {
	store       store.Store
	checker     FoundChecker
	messenger   Messenger
	scheduler   Deprovisioner
	sendWorkers int
}

// New constructs a Poller.
func New(st store.Store, checker FoundChecker, messenger Messenger, scheduler Deprovisioner) *Poller {
	return &Poller{
		store:       st,
		checker:     checker,
		messenger:   messenger,
		scheduler:   scheduler,
		sendWorkers: 4,
	}
}

// Poll runs one invocation of the plate's task. Re-running the same
// invocation cannot move found_at or corrupt the ledger; at worst the
// notification batch is replayed.
func (p *Poller) Poll(ctx context.Context, plate string) (Outcome, error) {
	vehicle, ok, err := p.store.GetVehicle(ctx, plate)
	if err != nil {
		return "", fmt.Errorf("load vehicle %s: %w", plate, err)
	}
	if !ok {
		return "", fmt.Errorf("poll task for unknown vehicle %s", plate)
	}
	if len(vehicle.Subscribers) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoSubscribers, plate)
	}

	if vehicle.FoundAt != nil {
		if err := p.notifyAndDeprovision(ctx, plate, *vehicle.FoundAt); err != nil {
			return "", err
		}
		return OutcomeFoundCached, nil
	}

	foundAt, err := p.checker.CheckFound(ctx, plate)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return OutcomeNotFound, nil
		}
		slog.Warn("poller: registry check failed, treating as not found",
			"plate", plate, "err", err)
		return OutcomeCheckFailed, nil
	}

	// Persist before notifying: a crash in between is recovered by the
	// next invocation replaying the notification from the cached state.
	if err := p.store.SetFoundAt(ctx, plate, foundAt); err != nil {
		return "", fmt.Errorf("persist found_at for %s: %w", plate, err)
	}
	if err := p.notifyAndDeprovision(ctx, plate, foundAt); err != nil {
		return "", err
	}
	return OutcomeFoundNow, nil
}

func (p *Poller) notifyAndDeprovision(ctx context.Context, plate string, foundAt time.Time) error {
	// The subscriber list is fetched now, not earlier: activation
	// toggles between poll cycles must be honored.
	subscribers, err := p.store.ActiveSubscribers(ctx, plate)
	if err != nil {
		return fmt.Errorf("load active subscribers of %s: %w", plate, err)
	}
	text := domain.FoundText(plate, foundAt)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.sendWorkers)
	for _, chat := range subscribers {
		chat := chat
		group.Go(func() error {
			sendErr := p.messenger.SendMessage(groupCtx, chat.ID, text)
			if sendErr != nil {
				// One unreachable subscriber must not block the rest.
				slog.Error("poller: notify subscriber",
					"plate", plate, "chat", chat.ID, "err", sendErr)
			}
			p.recordDelivery(groupCtx, plate, chat.ID, text, sendErr)
			return nil
		})
	}
	_ = group.Wait()

	if err := p.scheduler.Remove(ctx, plate); err != nil {
		return fmt.Errorf("deprovision task for %s: %w", plate, err)
	}
	return nil
}

func (p *Poller) recordDelivery(ctx context.Context, plate string, chatID int64, text string, sendErr error) {
	n := domain.Notification{
		ID:        util.NewID(),
		Plate:     plate,
		ChatID:    chatID,
		Delivered: sendErr == nil,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	status := "delivered"
	if sendErr != nil {
		n.Error = sendErr.Error()
		status = "failed"
	}
	metrics.NotificationsTotal.WithLabelValues(status).Inc()
	if err := p.store.RecordNotification(ctx, n); err != nil {
		slog.Error("poller: record notification", "plate", plate, "chat", chatID, "err", err)
	}
}
