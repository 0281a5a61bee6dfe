package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"platewatch/pkg/domain"
	"platewatch/pkg/relation"
)

// MemoryStore keeps the ledger in-process. It stores the same encoded
// relation strings as the Postgres store so the codec path is exercised
// end to end, and it backs the engine tests.
type MemoryStore struct {
	mu            sync.Mutex
	chats         map[int64]*ChatModel
	vehicles      map[string]*VehicleModel
	notifications []domain.Notification
}

// NewMemoryStore initializes an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[int64]*ChatModel),
		vehicles: make(map[string]*VehicleModel),
	}
}

func (m *MemoryStore) FindOrCreateChat(_ context.Context, chat domain.Chat) (domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.chats[chat.ID]; ok {
		return chatFromModel(*existing), nil
	}
	model := &ChatModel{
		ID:           chat.ID,
		Username:     chat.Username,
		LanguageCode: chat.LanguageCode,
		CreatedAt:    time.Now().UTC(),
	}
	m.chats[chat.ID] = model
	return chatFromModel(*model), nil
}

func (m *MemoryStore) GetChat(_ context.Context, id int64) (domain.Chat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, ok := m.chats[id]
	if !ok {
		return domain.Chat{}, false, nil
	}
	return chatFromModel(*model), true, nil
}

func (m *MemoryStore) SetChatActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, ok := m.chats[id]
	if !ok {
		return ErrChatNotFound
	}
	model.Active = active
	model.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FindOrCreateVehicle(_ context.Context, plate string) (domain.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.vehicles[plate]; ok {
		return vehicleFromModel(*existing), nil
	}
	model := &VehicleModel{Plate: plate, CreatedAt: time.Now().UTC()}
	m.vehicles[plate] = model
	return vehicleFromModel(*model), nil
}

func (m *MemoryStore) GetVehicle(_ context.Context, plate string) (domain.Vehicle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, ok := m.vehicles[plate]
	if !ok {
		return domain.Vehicle{}, false, nil
	}
	return vehicleFromModel(*model), true, nil
}

func (m *MemoryStore) SetFoundAt(_ context.Context, plate string, foundAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, ok := m.vehicles[plate]
	if !ok || model.FoundAt != nil {
		return nil
	}
	t := foundAt.UTC()
	model.FoundAt = &t
	model.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, plate string, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vehicles[plate]
	if !ok {
		return ErrVehicleNotFound
	}
	cm, ok := m.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	if relation.ChatIDs.Contains(vm.SubscribersIDs, chatID) ||
		relation.Plates.Contains(cm.SubscribedVehicles, plate) {
		return ErrAlreadySubscribed
	}
	vm.SubscribersIDs, _ = relation.ChatIDs.Append(vm.SubscribersIDs, chatID)
	cm.SubscribedVehicles, _ = relation.Plates.Append(cm.SubscribedVehicles, plate)
	now := time.Now().UTC()
	vm.UpdatedAt, cm.UpdatedAt = now, now
	return nil
}

func (m *MemoryStore) EndSubscription(_ context.Context, plate string, chatID int64) (EndResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vehicles[plate]
	if !ok {
		return EndResult{}, ErrVehicleNotFound
	}
	cm, ok := m.chats[chatID]
	if !ok {
		return EndResult{}, ErrChatNotFound
	}
	newSubscribers, removedSubscribers := relation.ChatIDs.Remove(vm.SubscribersIDs, chatID)
	newSubscriptions, removedSubscriptions := relation.Plates.Remove(cm.SubscribedVehicles, plate)
	if removedSubscribers == 0 {
		return EndResult{}, &CouldNotEndError{Plate: plate, ChatID: chatID,
			Reason: fmt.Sprintf("vehicle %s has no subscribers to remove", plate)}
	}
	if removedSubscriptions == 0 {
		return EndResult{}, &CouldNotEndError{Plate: plate, ChatID: chatID,
			Reason: fmt.Sprintf("chat has no subscription to vehicle %s", plate)}
	}
	vm.SubscribersIDs = newSubscribers
	cm.SubscribedVehicles = newSubscriptions
	now := time.Now().UTC()
	vm.UpdatedAt, cm.UpdatedAt = now, now
	return EndResult{
		SubscribersLeft:   relation.ChatIDs.Count(newSubscribers),
		SubscriptionsLeft: relation.Plates.Count(newSubscriptions),
	}, nil
}

func (m *MemoryStore) SubscriptionsByChat(_ context.Context, chatID int64) ([]domain.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	plates := relation.Plates.Decode(cm.SubscribedVehicles)
	vehicles := make([]domain.Vehicle, 0, len(plates))
	for _, plate := range plates {
		if vm, ok := m.vehicles[plate]; ok {
			vehicles = append(vehicles, vehicleFromModel(*vm))
		}
	}
	return vehicles, nil
}

func (m *MemoryStore) ActiveSubscribers(_ context.Context, plate string) ([]domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vehicles[plate]
	if !ok {
		return nil, ErrVehicleNotFound
	}
	var chats []domain.Chat
	for _, id := range relation.ChatIDs.Decode(vm.SubscribersIDs) {
		if cm, ok := m.chats[id]; ok && cm.Active {
			chats = append(chats, chatFromModel(*cm))
		}
	}
	return chats, nil
}

func (m *MemoryStore) RecordNotification(_ context.Context, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

// Notifications returns a copy of the delivery log, oldest first.
func (m *MemoryStore) Notifications() []domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}
