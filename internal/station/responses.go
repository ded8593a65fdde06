package station

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
)

// sendBootNotification pushes the station identity and returns the central
// system's verdict.
func (s *Station) sendBootNotification() (*core.BootNotificationConfirmation, error) {
	tpl := s.currentTemplate()
	req := &core.BootNotificationRequest{
		ChargePointModel:  tpl.ChargePointModel,
		ChargePointVendor: tpl.ChargePointVendor,
		FirmwareVersion:   tpl.FirmwareVersion,
	}
	if prefix := tpl.ChargeBoxSerialNumberPrefix; prefix != "" {
		req.ChargeBoxSerialNumber = prefix + s.id
	}
	raw, err := s.transport.SendRequest(req)
	if err != nil {
		return nil, err
	}
	var conf core.BootNotificationConfirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, fmt.Errorf("parse BootNotification response: %w", err)
	}
	return &conf, nil
}

func (s *Station) sendHeartbeat() {
	raw, err := s.transport.SendRequest(&core.HeartbeatRequest{})
	if err != nil {
		log.Printf("%s Heartbeat failed: %v", s.logPrefix(), err)
		return
	}
	var conf core.HeartbeatConfirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		log.Printf("%s parse Heartbeat response: %v", s.logPrefix(), err)
		return
	}
	if conf.CurrentTime != nil {
		log.Printf("%s heartbeat, central system time %s", s.logPrefix(), conf.CurrentTime.Format(time.RFC3339))
	}
}

func (s *Station) sendStatusNotification(connectorID int, status core.ChargePointStatus) error {
	req := &core.StatusNotificationRequest{
		ConnectorId: connectorID,
		ErrorCode:   core.NoError,
		Status:      status,
		Timestamp:   types.NewDateTime(time.Now()),
	}
	if _, err := s.transport.SendRequest(req); err != nil {
		return err
	}
	s.emitStatus(connectorID, status)
	return nil
}

// startTransaction runs the StartTransaction exchange for the connector and
// applies the authorization verdict.
func (s *Station) startTransaction(connectorID int, idTag string) error {
	req := &core.StartTransactionRequest{
		ConnectorId: connectorID,
		IdTag:       idTag,
		MeterStart:  0,
		Timestamp:   types.NewDateTime(time.Now()),
	}
	raw, err := s.transport.SendRequest(req)
	if err != nil {
		return err
	}
	var conf core.StartTransactionConfirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		return fmt.Errorf("parse StartTransaction response: %w", err)
	}
	s.handleStartTransactionResponse(connectorID, idTag, &conf)
	return nil
}

func (s *Station) handleStartTransactionResponse(connectorID int, idTag string, conf *core.StartTransactionConfirmation) {
	accepted := conf.IdTagInfo != nil && conf.IdTagInfo.Status == types.AuthorizationStatusAccepted

	s.mu.Lock()
	c, ok := s.connectorLocked(connectorID)
	if !ok {
		s.mu.Unlock()
		log.Printf("%s StartTransaction response for unknown connector %d", s.logPrefix(), connectorID)
		return
	}
	if accepted && !c.TransactionStarted {
		txID := conf.TransactionId
		c.TransactionStarted = true
		c.TransactionID = &txID
		c.IDTag = idTag
		c.LastEnergyActiveImportRegisterValue = 0
		interval := s.cfg.GetInt(config.MeterValueSampleIntervalKey, 60)
		s.mu.Unlock()

		log.Printf("%s transaction %d started on connector %d, idTag %s", s.logPrefix(), txID, connectorID, idTag)
		s.emitTransactionStarted(connectorID, txID, idTag)
		s.setAndNotifyStatus(connectorID, core.ChargePointStatusCharging)
		s.startMeterSampler(connectorID, time.Duration(interval)*time.Second)
		return
	}

	s.resetTransactionLocked(c)
	s.mu.Unlock()
	if conf.IdTagInfo != nil {
		log.Printf("%s StartTransaction on connector %d not accepted, idTag status %s",
			s.logPrefix(), connectorID, conf.IdTagInfo.Status)
	} else {
		log.Printf("%s StartTransaction on connector %d not accepted", s.logPrefix(), connectorID)
	}
	s.setAndNotifyStatus(connectorID, core.ChargePointStatusAvailable)
}

// stopTransaction runs the StopTransaction exchange with the final energy
// register as meterStop. It reports whether the central system accepted.
func (s *Station) stopTransaction(connectorID int, reason core.Reason) (bool, error) {
	s.mu.Lock()
	c, ok := s.connectorLocked(connectorID)
	if !ok || !c.TransactionStarted || c.TransactionID == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("no transaction running on connector %d", connectorID)
	}
	txID := *c.TransactionID
	idTag := c.IDTag
	meterStop := c.LastEnergyActiveImportRegisterValue
	if meterStop < 0 {
		meterStop = 0
	}
	s.mu.Unlock()

	req := &core.StopTransactionRequest{
		TransactionId: txID,
		IdTag:         idTag,
		MeterStop:     meterStop,
		Timestamp:     types.NewDateTime(time.Now()),
		Reason:        reason,
	}
	raw, err := s.transport.SendRequest(req)
	if err != nil {
		return false, err
	}
	var conf core.StopTransactionConfirmation
	if err := json.Unmarshal(raw, &conf); err != nil {
		return false, fmt.Errorf("parse StopTransaction response: %w", err)
	}
	if conf.IdTagInfo != nil && conf.IdTagInfo.Status != types.AuthorizationStatusAccepted {
		log.Printf("%s StopTransaction for transaction %d not accepted, idTag status %s",
			s.logPrefix(), txID, conf.IdTagInfo.Status)
		return false, nil
	}

	s.mu.Lock()
	status := core.ChargePointStatusAvailable
	if c.Availability == core.AvailabilityTypeInoperative {
		status = core.ChargePointStatusUnavailable
	}
	if c0, ok := s.connectorLocked(0); ok && c0.Availability == core.AvailabilityTypeInoperative {
		status = core.ChargePointStatusUnavailable
	}
	c.Status = status
	s.resetTransactionLocked(c)
	s.mu.Unlock()

	log.Printf("%s transaction %d stopped on connector %d, reason %s, meterStop %dWh",
		s.logPrefix(), txID, connectorID, reason, meterStop)
	s.emitTransactionStopped(connectorID, txID, reason)
	if err := s.sendStatusNotification(connectorID, status); err != nil {
		log.Printf("%s StatusNotification for connector %d failed: %v", s.logPrefix(), connectorID, err)
	}
	return true, nil
}
