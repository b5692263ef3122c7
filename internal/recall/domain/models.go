// Package domain holds the recall documents this service consumes. Recalls
// are validated and persisted upstream; only the attributes relevant to
// targeting appear here.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recall is a published recall or vehicle campaign.
type Recall struct {
	ID            string    `json:"id"`
	Audiences     []string  `json:"audiences"`
	Categories    []string  `json:"categories"`
	Distributions []string  `json:"distributions"`
	Risk          string    `json:"risk"`
	Restricted    bool      `json:"restricted"`
	PublishedAt   time.Time `json:"published_at"`
	VehicleKeys   []string  `json:"vehicle_keys"`
}

// IsVehicleCampaign reports whether the record targets vehicle interests.
func (r Recall) IsVehicleCampaign() bool {
	return len(r.VehicleKeys) > 0
}

const vehicleKeySep = "|"

// NormalizeVehicleKey builds the canonical make|model|year identifier used to
// match vehicle-interest slots against vehicle campaigns.
func NormalizeVehicleKey(make, model string, year int) (string, error) {
	make = strings.ToLower(strings.TrimSpace(make))
	model = strings.ToLower(strings.TrimSpace(model))
	if make == "" || model == "" {
		return "", fmt.Errorf("vehicle key requires make and model")
	}
	if year < 1900 || year > 2200 {
		return "", fmt.Errorf("vehicle key year %d out of range", year)
	}
	return strings.Join([]string{make, model, strconv.Itoa(year)}, vehicleKeySep), nil
}

// ValidVehicleKey reports whether key is in canonical form.
func ValidVehicleKey(key string) bool {
	parts := strings.Split(key, vehicleKeySep)
	if len(parts) != 3 {
		return false
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return false
	}
	normalized, err := NormalizeVehicleKey(parts[0], parts[1], year)
	return err == nil && normalized == key
}
