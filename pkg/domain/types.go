package domain

import (
	"fmt"
	"time"
)

// Chat is one Telegram conversation that can subscribe to plates.
type Chat struct {
	ID            int64     `json:"id"`
	Username      string    `json:"username,omitempty"`
	LanguageCode  string    `json:"languageCode,omitempty"`
	Active        bool      `json:"active"`
	Subscriptions []string  `json:"subscriptions,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Vehicle is a tracked plate. FoundAt == nil means the plate is still
// being polled; once set the plate is resolved and polling ends.
type Vehicle struct {
	Plate       string     `json:"plate"`
	Subscribers []int64    `json:"subscribers,omitempty"`
	FoundAt     *time.Time `json:"foundAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// PollActive reports whether the vehicle should still be polled.
func (v Vehicle) PollActive() bool {
	return len(v.Subscribers) > 0 && v.FoundAt == nil
}

// StatusText renders the human-readable found status for a vehicle.
func (v Vehicle) StatusText() string {
	if v.FoundAt == nil {
		return fmt.Sprintf("Vehicle %s has not been found yet", v.Plate)
	}
	return FoundText(v.Plate, *v.FoundAt)
}

// FoundText is the message sent to subscribers when a plate resolves.
func FoundText(plate string, foundAt time.Time) string {
	return fmt.Sprintf("Vehicle %s was found on %s", plate, foundAt.Format("Monday, 2 January 2006, 15:04"))
}

// Notification is one delivery attempt to a subscriber.
type Notification struct {
	ID        string    `json:"id"`
	Plate     string    `json:"plate"`
	ChatID    int64     `json:"chatId"`
	Delivered bool      `json:"delivered"`
	Text      string    `json:"text"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
