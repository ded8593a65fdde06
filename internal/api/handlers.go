package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/helpers"
)

// HealthHandler handles health check requests.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := APIResponse{
		Success: true,
		Message: "Charging station simulator is running",
		Data: map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	helpers.SendJSONResponse(w, http.StatusOK, response)
}

// GetStationsHandler lists every simulated station.
func GetStationsHandler(directory StationDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stations := directory.Snapshots()
		response := APIResponse{
			Success: true,
			Message: "Stations retrieved",
			Data: map[string]interface{}{
				"stations": stations,
				"count":    len(stations),
			},
		}
		helpers.SendJSONResponse(w, http.StatusOK, response)
	}
}

// GetStationHandler returns one station's state.
func GetStationHandler(directory StationDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		stationID := vars["stationID"]

		snapshot, ok := directory.Snapshot(stationID)
		if !ok {
			response := APIResponse{
				Success: false,
				Message: "Station not found",
			}
			helpers.SendJSONResponse(w, http.StatusNotFound, response)
			return
		}
		response := APIResponse{
			Success: true,
			Message: "Station retrieved",
			Data:    snapshot,
		}
		helpers.SendJSONResponse(w, http.StatusOK, response)
	}
}

// GetStationConfigurationHandler returns one station's OCPP configuration keys.
func GetStationConfigurationHandler(directory StationDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		stationID := vars["stationID"]

		keys, ok := directory.Configuration(stationID)
		if !ok {
			response := APIResponse{
				Success: false,
				Message: "Station not found",
			}
			helpers.SendJSONResponse(w, http.StatusNotFound, response)
			return
		}
		response := APIResponse{
			Success: true,
			Message: "Configuration retrieved",
			Data: map[string]interface{}{
				"configurationKey": keys,
				"count":            len(keys),
			},
		}
		helpers.SendJSONResponse(w, http.StatusOK, response)
	}
}

// StartStationHandler (re)starts one station's session.
func StartStationHandler(directory StationDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		stationID := vars["stationID"]

		if err := directory.StartStation(stationID); err != nil {
			response := APIResponse{
				Success: false,
				Message: err.Error(),
			}
			helpers.SendJSONResponse(w, http.StatusNotFound, response)
			return
		}
		response := APIResponse{
			Success: true,
			Message: "Station starting",
		}
		helpers.SendJSONResponse(w, http.StatusOK, response)
	}
}

// StopStationHandler stops one station's session.
func StopStationHandler(directory StationDirectory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		stationID := vars["stationID"]

		if err := directory.StopStation(stationID); err != nil {
			response := APIResponse{
				Success: false,
				Message: err.Error(),
			}
			helpers.SendJSONResponse(w, http.StatusNotFound, response)
			return
		}
		response := APIResponse{
			Success: true,
			Message: "Station stopping",
		}
		helpers.SendJSONResponse(w, http.StatusOK, response)
	}
}

// NewRouter wires the simulator's HTTP endpoints.
func NewRouter(directory StationDirectory) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", HealthHandler).Methods("GET")
	router.HandleFunc("/api/v1/stations", GetStationsHandler(directory)).Methods("GET")
	router.HandleFunc("/api/v1/stations/{stationID}", GetStationHandler(directory)).Methods("GET")
	router.HandleFunc("/api/v1/stations/{stationID}/configuration", GetStationConfigurationHandler(directory)).Methods("GET")
	router.HandleFunc("/api/v1/stations/{stationID}/start", StartStationHandler(directory)).Methods("POST")
	router.HandleFunc("/api/v1/stations/{stationID}/stop", StopStationHandler(directory)).Methods("POST")
	return router
}
