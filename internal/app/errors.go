package app

import "errors"

var (
	// ErrAlertsAlreadyOn is returned when an active chat asks to start
	// alerts again.
	ErrAlertsAlreadyOn = errors.New("alerts already on")
	// ErrAlertsAlreadyOff is returned when an inactive chat asks to stop
	// alerts again.
	ErrAlertsAlreadyOff = errors.New("alerts already off")
	// ErrNoVehicles is returned for list/start operations on a chat with
	// no subscriptions.
	ErrNoVehicles = errors.New("no subscribed vehicles")
)
