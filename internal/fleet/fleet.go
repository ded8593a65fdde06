package fleet

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/api"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/mqtt"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/station"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/models"
)

// Config holds the fleet supervisor configuration.
type Config struct {
	TemplatePaths []string
	HTTPPort      string

	MQTTEnabled  bool
	MQTTHost     string
	MQTTPort     int
	MQTTUsername string
	MQTTPassword string
	MQTTClientID string
}

// Fleet spawns and supervises the stations of every template, exposes their
// state over HTTP and forwards their events to MQTT when configured.
type Fleet struct {
	config Config

	mu       sync.RWMutex
	stations map[string]*station.Station
	order    []string

	httpServer *http.Server
	publisher  *mqtt.Publisher
}

// New builds the fleet: numberOfStations instances per template.
func New(cfg Config) (*Fleet, error) {
	f := &Fleet{
		config:   cfg,
		stations: make(map[string]*station.Station),
	}

	if cfg.MQTTEnabled {
		publisher, err := mqtt.NewPublisher(mqtt.PublisherConfig{
			BrokerHost: cfg.MQTTHost,
			BrokerPort: cfg.MQTTPort,
			Username:   cfg.MQTTUsername,
			Password:   cfg.MQTTPassword,
			ClientID:   cfg.MQTTClientID,
			QoS:        0,
			Retained:   false,
		})
		if err != nil {
			return nil, fmt.Errorf("create MQTT publisher: %w", err)
		}
		f.publisher = publisher
	}

	var events station.EventSink
	if f.publisher != nil {
		events = f.publisher
	}

	for _, path := range cfg.TemplatePaths {
		tpl, err := models.LoadTemplate(path)
		if err != nil {
			return nil, err
		}
		for i := 1; i <= tpl.Stations(); i++ {
			st, err := station.New(station.Options{
				Index:        i,
				TemplatePath: path,
				Events:       events,
			})
			if err != nil {
				return nil, fmt.Errorf("build station %d from %s: %w", i, path, err)
			}
			if _, exists := f.stations[st.ID()]; exists {
				return nil, fmt.Errorf("duplicate station id %s from %s", st.ID(), path)
			}
			f.stations[st.ID()] = st
			f.order = append(f.order, st.ID())
		}
		log.Printf("template %s: %d stations prepared", path, tpl.Stations())
	}
	if len(f.stations) == 0 {
		return nil, fmt.Errorf("no stations configured")
	}
	return f, nil
}

// Start connects MQTT, opens every station session and serves the HTTP API.
func (f *Fleet) Start() error {
	if f.publisher != nil {
		if err := f.publisher.Connect(); err != nil {
			log.Printf("MQTT connect failed, events disabled until reconnect: %v", err)
		}
	}

	for _, id := range f.order {
		if err := f.stations[id].Start(); err != nil {
			log.Printf("station %s failed to start: %v", id, err)
		}
	}

	f.httpServer = &http.Server{
		Addr:    ":" + f.config.HTTPPort,
		Handler: api.NewRouter(f),
	}
	go func() {
		log.Printf("HTTP API listening on port %s", f.config.HTTPPort)
		if err := f.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Printf("fleet started, %d stations", len(f.order))
	return nil
}

// Shutdown stops the HTTP API, every station and the MQTT publisher.
func (f *Fleet) Shutdown(ctx context.Context) error {
	if f.httpServer != nil {
		if err := f.httpServer.Shutdown(ctx); err != nil {
			log.Printf("error stopping HTTP server: %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, id := range f.order {
		st := f.stations[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.Stop(core.ReasonPowerLoss)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("shutdown deadline reached, %v", ctx.Err())
	case <-time.After(30 * time.Second):
		log.Printf("station shutdown timed out")
	}

	if f.publisher != nil {
		f.publisher.Disconnect()
	}
	return nil
}

// Snapshots implements api.StationDirectory.
func (f *Fleet) Snapshots() []station.Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]station.Snapshot, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.stations[id].Snapshot())
	}
	return out
}

// Snapshot implements api.StationDirectory.
func (f *Fleet) Snapshot(stationID string) (station.Snapshot, bool) {
	f.mu.RLock()
	st, ok := f.stations[stationID]
	f.mu.RUnlock()
	if !ok {
		return station.Snapshot{}, false
	}
	return st.Snapshot(), true
}

// Configuration implements api.StationDirectory.
func (f *Fleet) Configuration(stationID string) ([]config.Key, bool) {
	f.mu.RLock()
	st, ok := f.stations[stationID]
	f.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return st.Config().Snapshot(), true
}

// StartStation implements api.StationDirectory.
func (f *Fleet) StartStation(stationID string) error {
	f.mu.RLock()
	st, ok := f.stations[stationID]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("station %s not found", stationID)
	}
	return st.Start()
}

// StopStation implements api.StationDirectory.
func (f *Fleet) StopStation(stationID string) error {
	f.mu.RLock()
	st, ok := f.stations[stationID]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("station %s not found", stationID)
	}
	st.Stop(core.ReasonLocal)
	return nil
}
