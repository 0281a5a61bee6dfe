package domain

import (
	"errors"
	"strings"
)

// ErrInvalidPlate indicates a plate that cannot be tracked.
var ErrInvalidPlate = errors.New("invalid plate")

// NormalizePlate canonicalizes a user-entered plate: uppercase, with
// spaces and dashes stripped. The result must never contain the list
// delimiter used by the relation columns.
func NormalizePlate(raw string) (string, error) {
	plate := strings.ToUpper(strings.TrimSpace(raw))
	plate = strings.ReplaceAll(plate, " ", "")
	plate = strings.ReplaceAll(plate, "-", "")
	if plate == "" {
		return "", ErrInvalidPlate
	}
	if strings.Contains(plate, ",") {
		return "", ErrInvalidPlate
	}
	return plate, nil
}
