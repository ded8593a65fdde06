package station

import (
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/helpers"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/rpc"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/watcher"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/models"
)

// transport is the station's view of the OCPP-J transport, implemented by
// *rpc.Transport and replaced by a fake in tests.
type transport interface {
	Connect(wsURL string, handshakeTimeout time.Duration) error
	Close()
	Ping() error
	IsOpen() bool
	SendRequest(req ocpp.Request) (json.RawMessage, error)
	SendCallResult(messageID string, payload interface{}) error
	SendCallError(messageID string, code rpc.ErrorCode, description string, details interface{}) error
	DrainQueue() int
	Calls() <-chan rpc.InboundCall
	Closed() <-chan rpc.CloseEvent
}

// EventSink receives station-level events for external egress (MQTT, stats).
// All methods must be non-blocking or fast; they are called from the
// station's working goroutines.
type EventSink interface {
	StatusChanged(stationID string, connectorID int, status core.ChargePointStatus)
	TransactionStarted(stationID string, connectorID, transactionID int, idTag string)
	TransactionStopped(stationID string, connectorID, transactionID int, reason core.Reason)
	MeterValuesSampled(stationID string, connectorID int, values []types.MeterValue)
}

// Info carries the per-instance values resolved from the template once, so a
// template listing several power ratings keeps a stable rating per station.
type Info struct {
	MaxPower      float64
	MaxConnectors int
}

// Options configures a new station instance.
type Options struct {
	Index        int
	TemplatePath string
	Events       EventSink
	// Transport overrides the real WebSocket transport, for tests.
	Transport transport
}

// Station impersonates one OCPP 1.6-J charging station toward a Central
// System. All mutable state is guarded by mu; RPC sends happen outside the
// lock and suspend the calling goroutine until response or timeout.
type Station struct {
	index        int
	id           string
	templatePath string
	authPath     string

	mu             sync.RWMutex
	template       *models.StationTemplate
	info           Info
	connectors     map[int]*Connector
	connectorsHash string
	authTags       []string

	bootConf         *core.BootNotificationConfirmation
	stopped          bool
	running          bool
	socketRestarted  bool
	reconnectRetries int
	stopC            chan struct{}

	heartbeatStop chan struct{}
	pingStop      chan struct{}

	cfg       *config.Store
	transport transport
	events    EventSink
	files     *watcher.Watcher
}

// New loads the template and builds a station instance. The command
// dispatcher starts immediately; the session is opened by Start.
func New(opts Options) (*Station, error) {
	tpl, err := models.LoadTemplate(opts.TemplatePath)
	if err != nil {
		return nil, err
	}
	s, err := NewFromTemplate(tpl, opts)
	if err != nil {
		return nil, err
	}
	s.templatePath = opts.TemplatePath
	if tpl.AuthorizationFile != "" {
		s.authPath = tpl.AuthorizationFile
		if !filepath.IsAbs(s.authPath) {
			s.authPath = filepath.Join(filepath.Dir(opts.TemplatePath), s.authPath)
		}
		s.loadAuthorizationTags()
	}
	s.watchFiles()
	return s, nil
}

// NewFromTemplate builds a station from an in-memory template.
func NewFromTemplate(tpl *models.StationTemplate, opts Options) (*Station, error) {
	if tpl == nil {
		return nil, fmt.Errorf("station template is nil")
	}
	s := &Station{
		index:    opts.Index,
		id:       helpers.ChargingStationID(tpl.BaseName, tpl.FixedName, tpl.NameSuffix, opts.Index),
		template: tpl,
		events:   opts.Events,
	}
	s.cfg = config.NewStore(s.logPrefix())
	s.info = Info{
		MaxPower:      tpl.ResolveMaxPower(),
		MaxConnectors: tpl.MaxConnectors(),
	}
	if opts.Transport != nil {
		s.transport = opts.Transport
	} else {
		s.transport = rpc.NewTransport(s.logPrefix(), s.isRegistered)
	}
	s.initialize()
	go s.dispatchLoop()
	return s, nil
}

// ID returns the charging station identifier.
func (s *Station) ID() string {
	return s.id
}

// StartTransaction begins a locally initiated transaction on the connector:
// Preparing status, then the StartTransaction exchange. Entry point for
// external transaction drivers.
func (s *Station) StartTransaction(connectorID int, idTag string) error {
	s.setAndNotifyStatus(connectorID, core.ChargePointStatusPreparing)
	return s.startTransaction(connectorID, idTag)
}

// StopTransaction ends the running transaction on the connector.
func (s *Station) StopTransaction(connectorID int, reason core.Reason) error {
	_, err := s.stopTransaction(connectorID, reason)
	return err
}

// Config exposes the OCPP configuration key store.
func (s *Station) Config() *config.Store {
	return s.cfg
}

func (s *Station) logPrefix() string {
	return s.id + ":"
}

// currentTemplate snapshots the template pointer. Templates are immutable
// once loaded; a reload only swaps the pointer under s.mu.
func (s *Station) currentTemplate() *models.StationTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.template
}

// isRegistered backs the transport's boot gate.
func (s *Station) isRegistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bootConf != nil && s.bootConf.Status == core.RegistrationStatusAccepted
}

func (s *Station) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// powerDividerLocked derives the divider used by the meter sampler: the
// number of connectors, or the number of running transactions when power is
// shared. Caller holds s.mu.
func (s *Station) powerDividerLocked() int {
	if s.template.PowerSharedByConnectors {
		n := 0
		for id, c := range s.connectors {
			if id > 0 && c.TransactionStarted {
				n++
			}
		}
		return n
	}
	n := 0
	for id := range s.connectors {
		if id > 0 {
			n++
		}
	}
	return n
}

// SetAuthorizationTags replaces the local authorization list.
func (s *Station) SetAuthorizationTags(tags []string) {
	s.mu.Lock()
	s.authTags = tags
	s.mu.Unlock()
}

func (s *Station) loadAuthorizationTags() {
	tags, err := models.LoadAuthorizationTags(s.authPath)
	if err != nil {
		log.Printf("%s %v", s.logPrefix(), err)
		return
	}
	s.SetAuthorizationTags(tags)
	log.Printf("%s loaded %d authorization tags", s.logPrefix(), len(tags))
}

// watchFiles arms fsnotify reloads for the template and authorization files.
func (s *Station) watchFiles() {
	files, err := watcher.New()
	if err != nil {
		log.Printf("%s file watching disabled: %v", s.logPrefix(), err)
		return
	}
	s.files = files
	if err := files.Watch(s.templatePath, s.onTemplateFileChanged); err != nil {
		log.Printf("%s cannot watch template: %v", s.logPrefix(), err)
	}
	if s.authPath != "" {
		if err := files.Watch(s.authPath, s.loadAuthorizationTags); err != nil {
			log.Printf("%s cannot watch authorization file: %v", s.logPrefix(), err)
		}
	}
}

// onTemplateFileChanged reparses the template and re-runs initialisation.
// The connector hash preserves the table, and any live transactions, when the
// connector definitions did not change.
func (s *Station) onTemplateFileChanged() {
	tpl, err := models.LoadTemplate(s.templatePath)
	if err != nil {
		log.Printf("%s template reload failed: %v", s.logPrefix(), err)
		return
	}
	log.Printf("%s template file changed, reinitializing", s.logPrefix())
	s.mu.Lock()
	s.template = tpl
	s.mu.Unlock()
	s.initialize()
	s.restartHeartbeat()
	s.restartWebSocketPing()
	if atg := tpl.AutomaticTransactionGenerator; atg != nil {
		log.Printf("%s automatic transaction generator enable=%t after reload", s.logPrefix(), atg.Enable)
	}
}

// ConnectorSnapshot is the externally visible state of one connector.
type ConnectorSnapshot struct {
	ID            int     `json:"id"`
	Status        string  `json:"status"`
	Availability  string  `json:"availability"`
	TransactionID *int    `json:"transactionId,omitempty"`
	IdTag         string  `json:"idTag,omitempty"`
	EnergyWh      int     `json:"energyWh"`
	Profiles      int     `json:"chargingProfiles"`
}

// Snapshot is the externally visible state of the station, served by the
// supervisor's HTTP API.
type Snapshot struct {
	ID         string              `json:"id"`
	Registered bool                `json:"registered"`
	Connected  bool                `json:"connected"`
	Stopped    bool                `json:"stopped"`
	MaxPowerW  float64             `json:"maxPowerW"`
	Connectors []ConnectorSnapshot `json:"connectors"`
}

// Snapshot captures the current station state.
func (s *Station) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:         s.id,
		Registered: s.bootConf != nil && s.bootConf.Status == core.RegistrationStatusAccepted,
		Connected:  s.transport.IsOpen(),
		Stopped:    s.stopped,
		MaxPowerW:  s.info.MaxPower,
	}
	ids := make([]int, 0, len(s.connectors))
	for id := range s.connectors {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		c := s.connectors[id]
		cs := ConnectorSnapshot{
			ID:           id,
			Status:       string(c.Status),
			Availability: string(c.Availability),
			IdTag:        c.IDTag,
			EnergyWh:     c.LastEnergyActiveImportRegisterValue,
			Profiles:     len(c.ChargingProfiles),
		}
		if c.TransactionID != nil {
			tx := *c.TransactionID
			cs.TransactionID = &tx
		}
		snap.Connectors = append(snap.Connectors, cs)
	}
	return snap
}

func (s *Station) emitStatus(connectorID int, status core.ChargePointStatus) {
	if s.events != nil {
		s.events.StatusChanged(s.id, connectorID, status)
	}
}

func (s *Station) emitTransactionStarted(connectorID, transactionID int, idTag string) {
	if s.events != nil {
		s.events.TransactionStarted(s.id, connectorID, transactionID, idTag)
	}
}

func (s *Station) emitTransactionStopped(connectorID, transactionID int, reason core.Reason) {
	if s.events != nil {
		s.events.TransactionStopped(s.id, connectorID, transactionID, reason)
	}
}

func (s *Station) emitMeterValues(connectorID int, values []types.MeterValue) {
	if s.events != nil {
		s.events.MeterValuesSampled(s.id, connectorID, values)
	}
}
