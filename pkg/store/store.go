package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"platewatch/pkg/domain"
)

var (
	// ErrAlreadySubscribed is the expected outcome of subscribing twice.
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrChatNotFound      = errors.New("chat not found")
	ErrVehicleNotFound   = errors.New("vehicle not found")
	// ErrConcurrentUpdate means a relation row changed between the read
	// and the transactional write; the transaction was rolled back.
	ErrConcurrentUpdate = errors.New("concurrent relation update")
)

// CouldNotEndError reports why an unsubscribe could not be applied,
// with a reason suitable for user messaging.
type CouldNotEndError struct {
	Plate  string
	ChatID int64
	Reason string
}

func (e *CouldNotEndError) Error() string {
	return fmt.Sprintf("could not end subscription of chat %d to vehicle %q: %s", e.ChatID, e.Plate, e.Reason)
}

// EndResult carries the post-removal counts so the caller can decide
// whether to deprovision the plate's poll task (SubscribersLeft == 0)
// or deactivate the chat's alerts (SubscriptionsLeft == 0).
type EndResult struct {
	SubscribersLeft   int
	SubscriptionsLeft int
}

// Store is the subscription ledger. Both relation columns are mirrored:
// after every completed mutation, a plate appears in a chat's
// subscription list exactly when the chat appears in the plate's
// subscriber list.
type Store interface {
	// chats
	FindOrCreateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error)
	GetChat(ctx context.Context, id int64) (domain.Chat, bool, error)
	SetChatActive(ctx context.Context, id int64, active bool) error

	// vehicles
	FindOrCreateVehicle(ctx context.Context, plate string) (domain.Vehicle, error)
	GetVehicle(ctx context.Context, plate string) (domain.Vehicle, bool, error)
	// SetFoundAt resolves a plate. It is a no-op when the plate is
	// already resolved: found_at never moves once set.
	SetFoundAt(ctx context.Context, plate string, foundAt time.Time) error

	// subscriptions
	CreateSubscription(ctx context.Context, plate string, chatID int64) error
	EndSubscription(ctx context.Context, plate string, chatID int64) (EndResult, error)
	SubscriptionsByChat(ctx context.Context, chatID int64) ([]domain.Vehicle, error)
	ActiveSubscribers(ctx context.Context, plate string) ([]domain.Chat, error)

	// notification delivery log
	RecordNotification(ctx context.Context, n domain.Notification) error
}
