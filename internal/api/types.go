package api

import (
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/station"
)

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// StationDirectory is the fleet surface the API serves from.
type StationDirectory interface {
	Snapshots() []station.Snapshot
	Snapshot(stationID string) (station.Snapshot, bool)
	Configuration(stationID string) ([]config.Key, bool)
	StartStation(stationID string) error
	StopStation(stationID string) error
}
