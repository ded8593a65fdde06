package station

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"math/rand"
	"strconv"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/models"
)

// Connector is the live state of one connector slot. Index 0 is the station
// aggregate; transactions only ever run on indices > 0.
type Connector struct {
	Availability core.AvailabilityType
	Status       core.ChargePointStatus
	BootStatus   core.ChargePointStatus

	TransactionStarted bool
	TransactionID      *int
	IDTag              string
	// LastEnergyActiveImportRegisterValue is the energy register in Wh:
	// -1 outside a transaction, 0 at transaction start, then accumulating.
	LastEnergyActiveImportRegisterValue int

	ChargingProfiles []types.ChargingProfile
	MeterValues      []models.SampledValueTemplate

	meterStop chan struct{}
}

func newConnector(tpl models.ConnectorTemplate) *Connector {
	status := tpl.BootStatus
	if status == "" {
		status = core.ChargePointStatusAvailable
	}
	mv := make([]models.SampledValueTemplate, len(tpl.MeterValues))
	copy(mv, tpl.MeterValues)
	c := &Connector{
		// Availability always starts operative; templates cannot pin a
		// connector inoperative, only a ChangeAvailability command can.
		Availability: core.AvailabilityTypeOperative,
		Status:       status,
		BootStatus:   tpl.BootStatus,
		MeterValues:  mv,
	}
	c.initTransaction()
	return c
}

// initTransaction clears the transaction bookkeeping.
func (c *Connector) initTransaction() {
	c.TransactionStarted = false
	c.TransactionID = nil
	c.IDTag = ""
	c.LastEnergyActiveImportRegisterValue = -1
}

// connectorsHash fingerprints the template connector definitions together
// with the resolved connector count, so initialize can tell whether a reload
// actually changed the table shape.
func connectorsHash(connectors map[string]models.ConnectorTemplate, maxConnectors int) string {
	data, err := json.Marshal(connectors)
	if err != nil {
		data = nil
	}
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(strconv.Itoa(maxConnectors)))
	return hex.EncodeToString(h.Sum(nil))
}

// initialize builds the connector table from the template and seeds the OCPP
// configuration keys. When the connector fingerprint is unchanged the table
// is kept as is, so a template reload does not kill running transactions.
func (s *Station) initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxConnectors := s.info.MaxConnectors
	hash := connectorsHash(s.template.Connectors, maxConnectors)
	if s.connectors == nil || hash != s.connectorsHash {
		if s.connectorsHash != "" {
			log.Printf("%s connector definitions changed, rebuilding %d connectors", s.logPrefix(), maxConnectors)
		}
		for _, c := range s.connectors {
			s.stopMeterSamplerLocked(c)
		}
		s.connectors = make(map[int]*Connector, maxConnectors+1)
		if tpl0, ok := s.template.Connector(0); ok && s.template.UseConnector0() {
			s.connectors[0] = newConnector(tpl0)
		}
		var templateIDs []int
		for _, id := range s.template.ConnectorIDs() {
			if id > 0 {
				templateIDs = append(templateIDs, id)
			}
		}
		for i := 1; i <= maxConnectors; i++ {
			src := i
			if s.template.RandomConnectors && len(templateIDs) > 0 {
				src = templateIDs[rand.Intn(len(templateIDs))]
			}
			tpl, ok := s.template.Connector(src)
			if !ok {
				log.Printf("%s no template definition for connector %d, using an empty one", s.logPrefix(), src)
			}
			s.connectors[i] = newConnector(tpl)
		}
		s.connectorsHash = hash
	}

	if s.template.Configuration != nil {
		s.cfg.Seed(s.template.Configuration.ConfigurationKey)
	}
	if _, ok := s.cfg.Get(config.SupportedFeatureProfilesKey, false); !ok {
		s.cfg.Add(config.Key{
			Key:      config.SupportedFeatureProfilesKey,
			Value:    "Core,LocalAuthListManagement,SmartCharging,RemoteTrigger",
			Readonly: true,
		})
	}
	if _, ok := s.cfg.Get(config.MeterValuesSampledDataKey, false); !ok {
		s.cfg.Add(config.Key{
			Key:   config.MeterValuesSampledDataKey,
			Value: string(types.MeasurandEnergyActiveImportRegister),
		})
	}
	if _, ok := s.cfg.Get(config.MeterValueSampleIntervalKey, false); !ok {
		s.cfg.Add(config.Key{Key: config.MeterValueSampleIntervalKey, Value: "60"})
	}
	if _, ok := s.cfg.Get(config.AuthorizeRemoteTxRequestsKey, false); !ok {
		s.cfg.Add(config.Key{
			Key:   config.AuthorizeRemoteTxRequestsKey,
			Value: strconv.FormatBool(s.template.AuthorizeRemoteTxRequests),
		})
	}
	if _, ok := s.cfg.Get(config.ConnectionTimeOutKey, false); !ok {
		s.cfg.Add(config.Key{
			Key:   config.ConnectionTimeOutKey,
			Value: strconv.Itoa(s.template.ConnectionTimeoutSeconds()),
		})
	}
	s.cfg.SetOrAdd(config.Key{
		Key:      config.NumberOfConnectorsKey,
		Value:    strconv.Itoa(maxConnectors),
		Readonly: true,
	})
}

// connector returns the connector for the id. Caller holds s.mu.
func (s *Station) connectorLocked(id int) (*Connector, bool) {
	c, ok := s.connectors[id]
	return c, ok
}

// resetTransactionLocked stops the sampler and clears the transaction
// bookkeeping. Caller holds s.mu.
func (s *Station) resetTransactionLocked(c *Connector) {
	s.stopMeterSamplerLocked(c)
	c.initTransaction()
}

// transactionConnectorIDs lists connectors with a running transaction.
func (s *Station) transactionConnectorIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int
	for id, c := range s.connectors {
		if id > 0 && c.TransactionStarted {
			ids = append(ids, id)
		}
	}
	return ids
}

// chargeableConnectorIDs lists connectors able to carry a transaction.
func (s *Station) chargeableConnectorIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int
	for id := range s.connectors {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// setStatusLocked records the connector status. Caller holds s.mu.
func (s *Station) setStatusLocked(id int, status core.ChargePointStatus) {
	if c, ok := s.connectors[id]; ok {
		c.Status = status
	}
}

// setAndNotifyStatus records the connector status and pushes a
// StatusNotification to the Central System.
func (s *Station) setAndNotifyStatus(id int, status core.ChargePointStatus) {
	s.mu.Lock()
	s.setStatusLocked(id, status)
	s.mu.Unlock()
	if err := s.sendStatusNotification(id, status); err != nil {
		log.Printf("%s StatusNotification for connector %d failed: %v", s.logPrefix(), id, err)
	}
}
