package models

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
)

// Power-out types a station template may declare.
const (
	PowerOutTypeAC = "AC"
	PowerOutTypeDC = "DC"
)

// Defaults applied when the template omits a field.
const (
	DefaultConnectionTimeout = 30  // seconds
	DefaultResetTime         = 60  // seconds
	DefaultVoltageOut        = 230 // volts
	DefaultNumberOfPhases    = 3
)

// Float64List accepts either a JSON number or an array of numbers.
type Float64List []float64

func (l *Float64List) UnmarshalJSON(data []byte) error {
	var single float64
	if err := json.Unmarshal(data, &single); err == nil {
		*l = Float64List{single}
		return nil
	}
	var list []float64
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// IntList accepts either a JSON number or an array of numbers.
type IntList []int

func (l *IntList) UnmarshalJSON(data []byte) error {
	var single int
	if err := json.Unmarshal(data, &single); err == nil {
		*l = IntList{single}
		return nil
	}
	var list []int
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// StringList accepts either a JSON string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// ConnectorTemplate describes one connector definition of the template,
// keyed by connector id in the Connectors map ("0" is the station aggregate).
type ConnectorTemplate struct {
	Availability     core.AvailabilityType   `json:"availability,omitempty"`
	BootStatus       core.ChargePointStatus  `json:"bootStatus,omitempty"`
	MeterValues      []SampledValueTemplate  `json:"MeterValues,omitempty"`
	ChargingProfiles []types.ChargingProfile `json:"chargingProfiles,omitempty"`
}

// TemplateConfiguration seeds the station's OCPP configuration key store.
type TemplateConfiguration struct {
	ConfigurationKey []config.Key `json:"configurationKey"`
}

// AutomaticTransactionGeneratorConfig configures the random transaction
// driver. The driver itself lives outside the station core; the station only
// honours Enable and StopOnConnectionFailure.
type AutomaticTransactionGeneratorConfig struct {
	Enable                         bool    `json:"enable"`
	MinDuration                    int     `json:"minDuration"`
	MaxDuration                    int     `json:"maxDuration"`
	MinDelayBetweenTwoTransactions int     `json:"minDelayBetweenTwoTransactions"`
	MaxDelayBetweenTwoTransactions int     `json:"maxDelayBetweenTwoTransactions"`
	ProbabilityOfStart             float64 `json:"probabilityOfStart"`
	StopAfterHours                 float64 `json:"stopAfterHours"`
	StopOnConnectionFailure        bool    `json:"stopOnConnectionFailure"`
	RequireAuthorize               bool    `json:"requireAuthorize"`
}

// StationTemplate is the JSON template a simulated station is built from.
type StationTemplate struct {
	ChargePointModel            string `json:"chargePointModel"`
	ChargePointVendor           string `json:"chargePointVendor"`
	ChargeBoxSerialNumberPrefix string `json:"chargeBoxSerialNumberPrefix,omitempty"`
	FirmwareVersion             string `json:"firmwareVersion,omitempty"`

	BaseName   string `json:"baseName"`
	FixedName  bool   `json:"fixedName,omitempty"`
	NameSuffix string `json:"nameSuffix,omitempty"`

	// NumberOfStations tells the supervisor how many instances to spawn.
	NumberOfStations int `json:"numberOfStations,omitempty"`

	Power              Float64List `json:"power"`
	NumberOfConnectors IntList     `json:"numberOfConnectors,omitempty"`
	NumberOfPhases     int         `json:"numberOfPhases,omitempty"`
	VoltageOut         float64     `json:"voltageOut,omitempty"`
	PowerOutType       string      `json:"powerOutType,omitempty"`

	SupervisionURLs                    StringList `json:"supervisionURL"`
	DistributeStationsToTenantsEqually bool       `json:"distributeStationsToTenantsEqually,omitempty"`

	AuthorizationFile string `json:"authorizationFile,omitempty"`

	UseConnectorID0         *bool `json:"useConnectorId0,omitempty"`
	RandomConnectors        bool  `json:"randomConnectors,omitempty"`
	PowerSharedByConnectors bool  `json:"powerSharedByConnectors,omitempty"`

	ConnectionTimeout         *int `json:"connectionTimeout,omitempty"` // seconds, 0 disables the handshake deadline
	AutoReconnectMaxRetries   *int `json:"autoReconnectMaxRetries,omitempty"`
	RegistrationMaxRetries    *int `json:"registrationMaxRetries,omitempty"`
	ReconnectExponentialDelay bool `json:"reconnectExponentialDelay,omitempty"`
	ResetTime                 *int `json:"resetTime,omitempty"` // seconds

	EnableStatistics          bool `json:"enableStatistics,omitempty"`
	AuthorizeRemoteTxRequests bool `json:"authorizeRemoteTxRequests,omitempty"`

	Configuration *TemplateConfiguration       `json:"Configuration,omitempty"`
	Connectors    map[string]ConnectorTemplate `json:"Connectors"`

	AutomaticTransactionGenerator *AutomaticTransactionGeneratorConfig `json:"AutomaticTransactionGenerator,omitempty"`
}

// LoadTemplate reads and parses a station template file.
func LoadTemplate(path string) (*StationTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	var tpl StationTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	if tpl.BaseName == "" {
		return nil, fmt.Errorf("template %s: baseName is required", path)
	}
	if len(tpl.SupervisionURLs) == 0 {
		return nil, fmt.Errorf("template %s: supervisionURL is required", path)
	}
	return &tpl, nil
}

// LoadAuthorizationTags reads an authorization file: a JSON array of idTags.
func LoadAuthorizationTags(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorization file %s: %w", path, err)
	}
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("parse authorization file %s: %w", path, err)
	}
	return tags, nil
}

// Stations returns the number of instances to spawn, at least 1.
func (t *StationTemplate) Stations() int {
	if t.NumberOfStations < 1 {
		return 1
	}
	return t.NumberOfStations
}

// UseConnector0 reports whether a template-defined connector 0 is applied
// (default true).
func (t *StationTemplate) UseConnector0() bool {
	return t.UseConnectorID0 == nil || *t.UseConnectorID0
}

// ResolveMaxPower picks the station's maximum power in watts. Templates may
// list several ratings; one is chosen at random per instance.
func (t *StationTemplate) ResolveMaxPower() float64 {
	switch len(t.Power) {
	case 0:
		return 0
	case 1:
		return t.Power[0]
	default:
		return t.Power[rand.Intn(len(t.Power))]
	}
}

// MaxConnectors returns the configured connector count M. A list picks one
// entry at random; an absent field falls back to the number of template
// connector definitions with id > 0.
func (t *StationTemplate) MaxConnectors() int {
	switch len(t.NumberOfConnectors) {
	case 0:
		n := 0
		for key := range t.Connectors {
			if id, err := strconv.Atoi(key); err == nil && id > 0 {
				n++
			}
		}
		return n
	case 1:
		return t.NumberOfConnectors[0]
	default:
		return t.NumberOfConnectors[rand.Intn(len(t.NumberOfConnectors))]
	}
}

// SupervisionURL selects the URL for a station instance: round-robin by index
// when distributeStationsToTenantsEqually, uniform random otherwise.
func (t *StationTemplate) SupervisionURL(index int) string {
	if len(t.SupervisionURLs) == 0 {
		return ""
	}
	if len(t.SupervisionURLs) == 1 {
		return t.SupervisionURLs[0]
	}
	if t.DistributeStationsToTenantsEqually {
		return t.SupervisionURLs[index%len(t.SupervisionURLs)]
	}
	return t.SupervisionURLs[rand.Intn(len(t.SupervisionURLs))]
}

// Connector returns the template definition for the given connector id.
func (t *StationTemplate) Connector(id int) (ConnectorTemplate, bool) {
	ct, ok := t.Connectors[strconv.Itoa(id)]
	return ct, ok
}

// ConnectorIDs lists the template connector definition ids in ascending order.
func (t *StationTemplate) ConnectorIDs() []int {
	ids := make([]int, 0, len(t.Connectors))
	for key := range t.Connectors {
		if id, err := strconv.Atoi(key); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// ConnectionTimeoutSeconds returns the WebSocket handshake timeout (default 30,
// 0 disables).
func (t *StationTemplate) ConnectionTimeoutSeconds() int {
	if t.ConnectionTimeout == nil {
		return DefaultConnectionTimeout
	}
	return *t.ConnectionTimeout
}

// ResetTimeSeconds returns the delay between stop and restart on Reset.
func (t *StationTemplate) ResetTimeSeconds() int {
	if t.ResetTime == nil {
		return DefaultResetTime
	}
	return *t.ResetTime
}

// AutoReconnectLimit returns the reconnect budget (-1 = unlimited, 0 = none).
func (t *StationTemplate) AutoReconnectLimit() int {
	if t.AutoReconnectMaxRetries == nil {
		return -1
	}
	return *t.AutoReconnectMaxRetries
}

// RegistrationLimit returns the boot retry budget (-1 = unlimited, 0 = single
// attempt).
func (t *StationTemplate) RegistrationLimit() int {
	if t.RegistrationMaxRetries == nil {
		return -1
	}
	return *t.RegistrationMaxRetries
}

// Phases returns the number of AC phases (default 3). DC stations report 0.
func (t *StationTemplate) Phases() int {
	if t.PowerOutType == PowerOutTypeDC {
		return 0
	}
	if t.NumberOfPhases == 0 {
		return DefaultNumberOfPhases
	}
	return t.NumberOfPhases
}

// Voltage returns the nominal output voltage (default 230).
func (t *StationTemplate) Voltage() float64 {
	if t.VoltageOut == 0 {
		return DefaultVoltageOut
	}
	return t.VoltageOut
}

// OutType returns AC or DC (default AC).
func (t *StationTemplate) OutType() string {
	if t.PowerOutType == PowerOutTypeDC {
		return PowerOutTypeDC
	}
	return PowerOutTypeAC
}
