// Package app orchestrates the subscription lifecycle: it ties the
// ledger, the plate scheduler and the poll engine together behind the
// operations the bot commands map onto.
package app

import (
	"context"
	"errors"
	"fmt"

	"platewatch/internal/metrics"
	"platewatch/pkg/domain"
	"platewatch/pkg/poller"
	"platewatch/pkg/store"
)

// Scheduler provisions and deprovisions per-plate poll tasks.
type Scheduler interface {
	Schedule(ctx context.Context, plate string) (bool, error)
	Remove(ctx context.Context, plate string) error
}

// App is the application service. All methods take normalized or raw
// plates as documented; raw plates are normalized at this boundary.
type App struct {
	store     store.Store
	scheduler Scheduler
	poller    *poller.Poller
}

// New constructs the application service.
func New(st store.Store, sc Scheduler, p *poller.Poller) *App {
	return &App{store: st, scheduler: sc, poller: p}
}

// RegisterChat records first contact with a chat. New chats start with
// alerts off; they opt in explicitly.
func (a *App) RegisterChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	return a.store.FindOrCreateChat(ctx, chat)
}

// AddVehicle subscribes the chat to a plate and, when the chat has
// alerts on and the plate is unresolved, provisions its poll task.
// Returns the normalized plate.
func (a *App) AddVehicle(ctx context.Context, chatID int64, rawPlate string) (string, error) {
	plate, err := domain.NormalizePlate(rawPlate)
	if err != nil {
		return "", err
	}
	chat, ok, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", store.ErrChatNotFound
	}
	vehicle, err := a.store.FindOrCreateVehicle(ctx, plate)
	if err != nil {
		return "", err
	}
	if err := a.store.CreateSubscription(ctx, plate, chatID); err != nil {
		return plate, err
	}
	if chat.Active && vehicle.FoundAt == nil {
		if _, err := a.scheduler.Schedule(ctx, plate); err != nil {
			return plate, fmt.Errorf("schedule %s: %w", plate, err)
		}
	}
	return plate, nil
}

// RemoveVehicle ends the chat's subscription to a plate. The plate's
// poll task is deprovisioned when the last subscriber leaves, and the
// chat's alerts are switched off when its last subscription ends.
func (a *App) RemoveVehicle(ctx context.Context, chatID int64, rawPlate string) (string, error) {
	plate, err := domain.NormalizePlate(rawPlate)
	if err != nil {
		return "", err
	}
	res, err := a.store.EndSubscription(ctx, plate, chatID)
	if err != nil {
		return plate, err
	}
	if res.SubscribersLeft == 0 {
		if err := a.scheduler.Remove(ctx, plate); err != nil {
			return plate, fmt.Errorf("deprovision %s: %w", plate, err)
		}
	}
	if res.SubscriptionsLeft == 0 {
		chat, ok, err := a.store.GetChat(ctx, chatID)
		if err != nil {
			return plate, err
		}
		if ok && chat.Active {
			if err := a.store.SetChatActive(ctx, chatID, false); err != nil {
				return plate, err
			}
		}
	}
	return plate, nil
}

// StartAlerts turns live notifications on for the chat and provisions
// poll tasks for all of its unresolved plates. Returns the plates that
// are now being watched.
func (a *App) StartAlerts(ctx context.Context, chatID int64) ([]string, error) {
	chat, ok, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrChatNotFound
	}
	if chat.Active {
		return nil, ErrAlertsAlreadyOn
	}
	vehicles, err := a.store.SubscriptionsByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(vehicles) == 0 {
		return nil, ErrNoVehicles
	}
	if err := a.store.SetChatActive(ctx, chatID, true); err != nil {
		return nil, err
	}
	var watched []string
	for _, v := range vehicles {
		if !v.PollActive() {
			continue
		}
		if _, err := a.scheduler.Schedule(ctx, v.Plate); err != nil {
			return watched, fmt.Errorf("schedule %s: %w", v.Plate, err)
		}
		watched = append(watched, v.Plate)
	}
	return watched, nil
}

// StopAlerts turns live notifications off. Poll tasks are removed only
// for plates that are left without any active subscriber; plates other
// active chats watch keep their tasks.
func (a *App) StopAlerts(ctx context.Context, chatID int64) error {
	chat, ok, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrChatNotFound
	}
	if !chat.Active {
		return ErrAlertsAlreadyOff
	}
	if err := a.store.SetChatActive(ctx, chatID, false); err != nil {
		return err
	}
	for _, plate := range chat.Subscriptions {
		remaining, err := a.store.ActiveSubscribers(ctx, plate)
		if err != nil {
			if errors.Is(err, store.ErrVehicleNotFound) {
				continue
			}
			return err
		}
		if len(remaining) == 0 {
			if err := a.scheduler.Remove(ctx, plate); err != nil {
				return fmt.Errorf("deprovision %s: %w", plate, err)
			}
		}
	}
	return nil
}

// ListVehicles returns the chat's subscriptions in subscription order.
func (a *App) ListVehicles(ctx context.Context, chatID int64) ([]domain.Vehicle, error) {
	vehicles, err := a.store.SubscriptionsByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(vehicles) == 0 {
		return nil, ErrNoVehicles
	}
	return vehicles, nil
}

// VehicleStatus renders the found status of one of the chat's plates.
func (a *App) VehicleStatus(ctx context.Context, chatID int64, rawPlate string) (string, error) {
	plate, err := domain.NormalizePlate(rawPlate)
	if err != nil {
		return "", err
	}
	chat, ok, err := a.store.GetChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", store.ErrChatNotFound
	}
	subscribed := false
	for _, p := range chat.Subscriptions {
		if p == plate {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return "", store.ErrVehicleNotFound
	}
	vehicle, ok, err := a.store.GetVehicle(ctx, plate)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", store.ErrVehicleNotFound
	}
	return vehicle.StatusText(), nil
}

// PollTask is the scheduler handler: it runs one poll invocation and
// reports the outcome as a metric. Business outcomes are absorbed here;
// only execution failures propagate and trigger the scheduler's retry.
func (a *App) PollTask(ctx context.Context, plate string) error {
	outcome, err := a.poller.Poll(ctx, plate)
	if err != nil {
		if errors.Is(err, poller.ErrNoSubscribers) {
			// A deprovision step was missed somewhere; stop the orphaned
			// task so it does not fire again, then surface the fault.
			if rmErr := a.scheduler.Remove(ctx, plate); rmErr != nil {
				return fmt.Errorf("deprovision orphaned task %s: %w", plate, rmErr)
			}
		}
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.PollsTotal.WithLabelValues(string(outcome)).Inc()
	return nil
}
