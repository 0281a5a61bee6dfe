package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"platewatch/pkg/domain"
	"platewatch/pkg/relation"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ChatModel{}, &VehicleModel{}, &NotificationModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// FindOrCreateChat returns the stored chat, creating it on first contact.
func (s *GormStore) FindOrCreateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	var m ChatModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", chat.ID).Error
	if err == nil {
		return chatFromModel(m), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Chat{}, err
	}
	m = ChatModel{
		ID:           chat.ID,
		Username:     chat.Username,
		LanguageCode: chat.LanguageCode,
		Active:       false,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Chat{}, err
	}
	return chatFromModel(m), nil
}

// GetChat returns a chat by ID.
func (s *GormStore) GetChat(ctx context.Context, id int64) (domain.Chat, bool, error) {
	var m ChatModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return chatFromModel(m), true, nil
}

// SetChatActive toggles live-notification mode for a chat.
func (s *GormStore) SetChatActive(ctx context.Context, id int64, active bool) error {
	res := s.db.WithContext(ctx).Model(&ChatModel{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// FindOrCreateVehicle returns the tracked vehicle, creating the row on
// first interest. Plates are expected to be normalized by the caller.
func (s *GormStore) FindOrCreateVehicle(ctx context.Context, plate string) (domain.Vehicle, error) {
	var m VehicleModel
	err := s.db.WithContext(ctx).First(&m, "plate = ?", plate).Error
	if err == nil {
		return vehicleFromModel(m), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Vehicle{}, err
	}
	m = VehicleModel{Plate: plate, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Vehicle{}, err
	}
	return vehicleFromModel(m), nil
}

// GetVehicle returns a vehicle by plate.
func (s *GormStore) GetVehicle(ctx context.Context, plate string) (domain.Vehicle, bool, error) {
	var m VehicleModel
	if err := s.db.WithContext(ctx).First(&m, "plate = ?", plate).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Vehicle{}, false, nil
		}
		return domain.Vehicle{}, false, err
	}
	return vehicleFromModel(m), true, nil
}

// SetFoundAt resolves a plate. The guard keeps found_at immutable once
// set, so replayed poll invocations cannot move it.
func (s *GormStore) SetFoundAt(ctx context.Context, plate string, foundAt time.Time) error {
	return s.db.WithContext(ctx).Model(&VehicleModel{}).
		Where("plate = ? AND found_at IS NULL", plate).
		Update("found_at", foundAt.UTC()).Error
}

// CreateSubscription registers a chat's interest in a plate on both
// sides of the relation. The reads happen outside the transaction; the
// transaction holds only the two guarded row updates.
func (s *GormStore) CreateSubscription(ctx context.Context, plate string, chatID int64) error {
	var vm VehicleModel
	if err := s.db.WithContext(ctx).First(&vm, "plate = ?", plate).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrVehicleNotFound
		}
		return err
	}
	var cm ChatModel
	if err := s.db.WithContext(ctx).First(&cm, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		return err
	}
	if relation.ChatIDs.Contains(vm.SubscribersIDs, chatID) ||
		relation.Plates.Contains(cm.SubscribedVehicles, plate) {
		return ErrAlreadySubscribed
	}
	newSubscribers, _ := relation.ChatIDs.Append(vm.SubscribersIDs, chatID)
	newSubscriptions, _ := relation.Plates.Append(cm.SubscribedVehicles, plate)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateRelation(tx.Model(&VehicleModel{}).
			Where("plate = ? AND subscribers_ids = ?", plate, vm.SubscribersIDs).
			Update("subscribers_ids", newSubscribers)); err != nil {
			return fmt.Errorf("vehicle %s: %w", plate, err)
		}
		if err := updateRelation(tx.Model(&ChatModel{}).
			Where("id = ? AND subscribed_vehicles = ?", chatID, cm.SubscribedVehicles).
			Update("subscribed_vehicles", newSubscriptions)); err != nil {
			return fmt.Errorf("chat %d: %w", chatID, err)
		}
		return nil
	})
}

// EndSubscription removes a chat's interest in a plate from both sides
// of the relation and reports the remaining counts.
func (s *GormStore) EndSubscription(ctx context.Context, plate string, chatID int64) (EndResult, error) {
	var vm VehicleModel
	if err := s.db.WithContext(ctx).First(&vm, "plate = ?", plate).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return EndResult{}, ErrVehicleNotFound
		}
		return EndResult{}, err
	}
	var cm ChatModel
	if err := s.db.WithContext(ctx).First(&cm, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return EndResult{}, ErrChatNotFound
		}
		return EndResult{}, err
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
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateRelation(tx.Model(&VehicleModel{}).
			Where("plate = ? AND subscribers_ids = ?", plate, vm.SubscribersIDs).
			Update("subscribers_ids", newSubscribers)); err != nil {
			return fmt.Errorf("vehicle %s: %w", plate, err)
		}
		if err := updateRelation(tx.Model(&ChatModel{}).
			Where("id = ? AND subscribed_vehicles = ?", chatID, cm.SubscribedVehicles).
			Update("subscribed_vehicles", newSubscriptions)); err != nil {
			return fmt.Errorf("chat %d: %w", chatID, err)
		}
		return nil
	})
	if err != nil {
		return EndResult{}, err
	}
	return EndResult{
		SubscribersLeft:   relation.ChatIDs.Count(newSubscribers),
		SubscriptionsLeft: relation.Plates.Count(newSubscriptions),
	}, nil
}

// updateRelation enforces the consistency guard: each relation update
// must hit exactly the one row that was read, otherwise the enclosing
// transaction rolls back.
func updateRelation(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: update affected %d rows", ErrConcurrentUpdate, res.RowsAffected)
	}
	return nil
}

// SubscriptionsByChat returns the chat's vehicles in subscription
// order. Plates that no longer exist are skipped.
func (s *GormStore) SubscriptionsByChat(ctx context.Context, chatID int64) ([]domain.Vehicle, error) {
	var cm ChatModel
	if err := s.db.WithContext(ctx).First(&cm, "id = ?", chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	plates := relation.Plates.Decode(cm.SubscribedVehicles)
	vehicles := make([]domain.Vehicle, 0, len(plates))
	for _, plate := range plates {
		var vm VehicleModel
		if err := s.db.WithContext(ctx).First(&vm, "plate = ?", plate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		vehicles = append(vehicles, vehicleFromModel(vm))
	}
	return vehicles, nil
}

// ActiveSubscribers returns the plate's subscribers that currently
// want live notifications. The active flag is read at query time, not
// from a captured list, so toggles between poll cycles are honored.
func (s *GormStore) ActiveSubscribers(ctx context.Context, plate string) ([]domain.Chat, error) {
	var vm VehicleModel
	if err := s.db.WithContext(ctx).First(&vm, "plate = ?", plate).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVehicleNotFound
		}
		return nil, err
	}
	ids := relation.ChatIDs.Decode(vm.SubscribersIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	var models []ChatModel
	if err := s.db.WithContext(ctx).
		Where("id IN ? AND active = ?", ids, true).
		Find(&models).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]ChatModel, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	chats := make([]domain.Chat, 0, len(models))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			chats = append(chats, chatFromModel(m))
		}
	}
	return chats, nil
}

// RecordNotification appends one delivery attempt to the log.
func (s *GormStore) RecordNotification(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(map[string]string{"text": n.Text, "error": n.Error})
	if err != nil {
		return err
	}
	m := NotificationModel{
		ID:        n.ID,
		Plate:     n.Plate,
		ChatID:    n.ChatID,
		Delivered: n.Delivered,
		Payload:   datatypes.JSON(payload),
		CreatedAt: n.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}
