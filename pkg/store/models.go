package store

import (
	"time"

	"gorm.io/datatypes"

	"platewatch/pkg/domain"
	"platewatch/pkg/relation"
)

// GORM models used for persistence. The relation columns hold
// comma-joined membership lists; pkg/relation owns their format.
type ChatModel struct {
	ID                 int64  `gorm:"primaryKey;autoIncrement:false"`
	Username           string `gorm:"size:64"`
	LanguageCode       string `gorm:"size:16"`
	Active             bool   `gorm:"not null;default:false"`
	SubscribedVehicles string `gorm:"not null;default:''"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time
}

func (ChatModel) TableName() string { return "chats" }

type VehicleModel struct {
	Plate          string     `gorm:"primaryKey;size:32"`
	SubscribersIDs string     `gorm:"not null;default:''"`
	FoundAt        *time.Time `gorm:"index"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time
}

func (VehicleModel) TableName() string { return "vehicles" }

type NotificationModel struct {
	ID        string         `gorm:"primaryKey"`
	Plate     string         `gorm:"not null;index"`
	ChatID    int64          `gorm:"not null;index"`
	Delivered bool           `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

func (NotificationModel) TableName() string { return "notifications" }

func chatFromModel(m ChatModel) domain.Chat {
	return domain.Chat{
		ID:            m.ID,
		Username:      m.Username,
		LanguageCode:  m.LanguageCode,
		Active:        m.Active,
		Subscriptions: relation.Plates.Decode(m.SubscribedVehicles),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func vehicleFromModel(m VehicleModel) domain.Vehicle {
	return domain.Vehicle{
		Plate:       m.Plate,
		Subscribers: relation.ChatIDs.Decode(m.SubscribersIDs),
		FoundAt:     m.FoundAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
