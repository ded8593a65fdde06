package station

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/rpc"
)

// dispatchLoop serialises CS-initiated calls through a single worker, so
// handlers may block on nested RPCs (UnlockConnector stopping a transaction)
// without racing each other.
func (s *Station) dispatchLoop() {
	for call := range s.transport.Calls() {
		s.handleCall(call)
	}
}

func (s *Station) handleCall(call rpc.InboundCall) {
	log.Printf("%s << %s", s.logPrefix(), call.Action)
	conf, err := s.dispatch(call.Action, call.Payload)
	if err != nil {
		var rpcErr *rpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = rpc.NewError(rpc.InternalError, err.Error(), nil)
		}
		log.Printf("%s %s failed: %v", s.logPrefix(), call.Action, err)
		if serr := s.transport.SendCallError(call.MessageID, rpcErr.Code, rpcErr.Description, rpcErr.Details); serr != nil {
			log.Printf("%s cannot send call error for %s: %v", s.logPrefix(), call.Action, serr)
		}
		return
	}
	if serr := s.transport.SendCallResult(call.MessageID, conf); serr != nil {
		log.Printf("%s cannot send call result for %s: %v", s.logPrefix(), call.Action, serr)
	}
}

func (s *Station) dispatch(action string, payload json.RawMessage) (interface{}, error) {
	switch action {
	case core.ResetFeatureName:
		var req core.ResetRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleReset(&req)
	case core.ClearCacheFeatureName:
		var req core.ClearCacheRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleClearCache(&req)
	case core.UnlockConnectorFeatureName:
		var req core.UnlockConnectorRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleUnlockConnector(&req)
	case core.GetConfigurationFeatureName:
		var req core.GetConfigurationRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleGetConfiguration(&req)
	case core.ChangeConfigurationFeatureName:
		var req core.ChangeConfigurationRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleChangeConfiguration(&req)
	case core.ChangeAvailabilityFeatureName:
		var req core.ChangeAvailabilityRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleChangeAvailability(&req)
	case core.RemoteStartTransactionFeatureName:
		var req core.RemoteStartTransactionRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleRemoteStartTransaction(&req)
	case core.RemoteStopTransactionFeatureName:
		var req core.RemoteStopTransactionRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleRemoteStopTransaction(&req)
	case smartcharging.SetChargingProfileFeatureName:
		var req smartcharging.SetChargingProfileRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleSetChargingProfile(&req)
	case smartcharging.ClearChargingProfileFeatureName:
		var req smartcharging.ClearChargingProfileRequest
		if err := unmarshalRequest(payload, &req); err != nil {
			return nil, err
		}
		return s.handleClearChargingProfile(&req)
	default:
		return nil, rpc.NewError(rpc.NotImplemented, fmt.Sprintf("%s is not implemented", action), nil)
	}
}

func unmarshalRequest(payload json.RawMessage, req interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, req); err != nil {
		return rpc.NewError(rpc.FormationViolation, err.Error(), nil)
	}
	return nil
}

// handleReset accepts immediately and performs stop / wait / start in the
// background so the CALLRESULT goes out before the socket drops.
func (s *Station) handleReset(req *core.ResetRequest) (interface{}, error) {
	reason := core.ReasonSoftReset
	if req.Type == core.ResetTypeHard {
		reason = core.ReasonHardReset
	}
	wait := time.Duration(s.currentTemplate().ResetTimeSeconds()) * time.Second
	log.Printf("%s %s reset scheduled, back in %s", s.logPrefix(), req.Type, wait)
	go func() {
		s.Stop(reason)
		time.Sleep(wait)
		if err := s.Start(); err != nil {
			log.Printf("%s restart after reset failed: %v", s.logPrefix(), err)
		}
	}()
	return &core.ResetConfirmation{Status: core.ResetStatusAccepted}, nil
}

func (s *Station) handleClearCache(*core.ClearCacheRequest) (interface{}, error) {
	return &core.ClearCacheConfirmation{Status: core.ClearCacheStatusAccepted}, nil
}

// handleUnlockConnector stops a running transaction with reason
// UnlockCommand, otherwise forces the connector Available.
func (s *Station) handleUnlockConnector(req *core.UnlockConnectorRequest) (interface{}, error) {
	if req.ConnectorId == 0 {
		return &core.UnlockConnectorConfirmation{Status: core.UnlockStatusNotSupported}, nil
	}
	s.mu.RLock()
	c, ok := s.connectorLocked(req.ConnectorId)
	started := ok && c.TransactionStarted
	s.mu.RUnlock()
	if !ok {
		log.Printf("%s unlock for unknown connector %d", s.logPrefix(), req.ConnectorId)
		return &core.UnlockConnectorConfirmation{Status: core.UnlockStatusUnlockFailed}, nil
	}

	if started {
		accepted, err := s.stopTransaction(req.ConnectorId, core.ReasonUnlockCommand)
		if err != nil || !accepted {
			return &core.UnlockConnectorConfirmation{Status: core.UnlockStatusUnlockFailed}, nil
		}
		return &core.UnlockConnectorConfirmation{Status: core.UnlockStatusUnlocked}, nil
	}

	s.setAndNotifyStatus(req.ConnectorId, core.ChargePointStatusAvailable)
	return &core.UnlockConnectorConfirmation{Status: core.UnlockStatusUnlocked}, nil
}

func (s *Station) handleGetConfiguration(req *core.GetConfigurationRequest) (interface{}, error) {
	if len(req.Key) == 0 {
		return &core.GetConfigurationConfirmation{ConfigurationKey: s.cfg.Visible()}, nil
	}
	found, unknown := s.cfg.Lookup(req.Key)
	return &core.GetConfigurationConfirmation{ConfigurationKey: found, UnknownKey: unknown}, nil
}

// handleChangeConfiguration matches key names case-insensitively, keeps the
// two heartbeat spellings mirrored and restarts the affected timer when an
// interval changes.
func (s *Station) handleChangeConfiguration(req *core.ChangeConfigurationRequest) (interface{}, error) {
	k, ok := s.cfg.Get(req.Key, true)
	if !ok {
		return &core.ChangeConfigurationConfirmation{Status: core.ConfigurationStatusNotSupported}, nil
	}
	if k.Readonly {
		return &core.ChangeConfigurationConfirmation{Status: core.ConfigurationStatusRejected}, nil
	}
	s.cfg.Set(k.Key, req.Value)
	switch k.Key {
	case config.HeartbeatIntervalKey:
		s.cfg.SetOrAdd(config.Key{Key: config.HeartBeatIntervalKey, Value: req.Value})
		s.restartHeartbeat()
	case config.HeartBeatIntervalKey:
		s.cfg.SetOrAdd(config.Key{Key: config.HeartbeatIntervalKey, Value: req.Value})
		s.restartHeartbeat()
	case config.WebSocketPingIntervalKey:
		s.restartWebSocketPing()
	}
	if k.RequiresReboot() {
		return &core.ChangeConfigurationConfirmation{Status: core.ConfigurationStatusRebootRequired}, nil
	}
	return &core.ChangeConfigurationConfirmation{Status: core.ConfigurationStatusAccepted}, nil
}

// handleChangeAvailability flips the availability of one connector, or of the
// whole station via connector 0. Connectors with a running transaction take
// the change but answer Scheduled.
func (s *Station) handleChangeAvailability(req *core.ChangeAvailabilityRequest) (interface{}, error) {
	type notification struct {
		id     int
		status core.ChargePointStatus
	}
	newStatus := core.ChargePointStatusAvailable
	if req.Type == core.AvailabilityTypeInoperative {
		newStatus = core.ChargePointStatusUnavailable
	}

	var notify []notification
	status := core.AvailabilityStatusAccepted

	s.mu.Lock()
	if req.ConnectorId == 0 {
		for id, c := range s.connectors {
			c.Availability = req.Type
			if id == 0 {
				continue
			}
			if c.TransactionStarted {
				status = core.AvailabilityStatusScheduled
				continue
			}
			c.Status = newStatus
			notify = append(notify, notification{id, newStatus})
		}
	} else {
		c, ok := s.connectorLocked(req.ConnectorId)
		if !ok {
			s.mu.Unlock()
			return &core.ChangeAvailabilityConfirmation{Status: core.AvailabilityStatusRejected}, nil
		}
		if c0, ok := s.connectorLocked(0); ok &&
			c0.Availability == core.AvailabilityTypeInoperative &&
			req.Type == core.AvailabilityTypeOperative {
			s.mu.Unlock()
			return &core.ChangeAvailabilityConfirmation{Status: core.AvailabilityStatusRejected}, nil
		}
		c.Availability = req.Type
		if c.TransactionStarted {
			status = core.AvailabilityStatusScheduled
		} else {
			c.Status = newStatus
			notify = append(notify, notification{req.ConnectorId, newStatus})
		}
	}
	s.mu.Unlock()

	for _, n := range notify {
		if err := s.sendStatusNotification(n.id, n.status); err != nil {
			log.Printf("%s StatusNotification for connector %d failed: %v", s.logPrefix(), n.id, err)
		}
	}
	return &core.ChangeAvailabilityConfirmation{Status: status}, nil
}

// handleRemoteStartTransaction answers first and triggers the Preparing
// status plus the StartTransaction exchange in the background.
func (s *Station) handleRemoteStartTransaction(req *core.RemoteStartTransactionRequest) (interface{}, error) {
	connectorID := 1
	if req.ConnectorId != nil {
		connectorID = *req.ConnectorId
	}

	s.mu.RLock()
	c, ok := s.connectorLocked(connectorID)
	available := ok && connectorID > 0 &&
		c.Availability == core.AvailabilityTypeOperative && !c.TransactionStarted
	if c0, ok0 := s.connectorLocked(0); ok0 && c0.Availability == core.AvailabilityTypeInoperative {
		available = false
	}
	authorized := true
	if s.cfg.GetBool(config.AuthorizeRemoteTxRequestsKey, false) &&
		s.cfg.GetBool(config.LocalAuthListEnabledKey, false) && len(s.authTags) > 0 {
		authorized = false
		for _, tag := range s.authTags {
			if tag == req.IdTag {
				authorized = true
				break
			}
		}
	}
	s.mu.RUnlock()

	if !available {
		log.Printf("%s remote start rejected, connector %d not available", s.logPrefix(), connectorID)
		return &core.RemoteStartTransactionConfirmation{Status: types.RemoteStartStopStatusRejected}, nil
	}
	if !authorized {
		log.Printf("%s remote start rejected, idTag %s not authorized", s.logPrefix(), req.IdTag)
		return &core.RemoteStartTransactionConfirmation{Status: types.RemoteStartStopStatusRejected}, nil
	}
	if req.ChargingProfile != nil {
		if req.ChargingProfile.ChargingProfilePurpose != types.ChargingProfilePurposeTxProfile {
			log.Printf("%s remote start rejected, charging profile purpose %s", s.logPrefix(),
				req.ChargingProfile.ChargingProfilePurpose)
			return &core.RemoteStartTransactionConfirmation{Status: types.RemoteStartStopStatusRejected}, nil
		}
		s.mu.Lock()
		if c, ok := s.connectorLocked(connectorID); ok {
			upsertChargingProfile(c, *req.ChargingProfile)
		}
		s.mu.Unlock()
	}

	go func() {
		s.setAndNotifyStatus(connectorID, core.ChargePointStatusPreparing)
		if err := s.startTransaction(connectorID, req.IdTag); err != nil {
			log.Printf("%s remote start on connector %d failed: %v", s.logPrefix(), connectorID, err)
		}
	}()
	return &core.RemoteStartTransactionConfirmation{Status: types.RemoteStartStopStatusAccepted}, nil
}

// handleRemoteStopTransaction looks up the transaction id and stops it in the
// background after answering.
func (s *Station) handleRemoteStopTransaction(req *core.RemoteStopTransactionRequest) (interface{}, error) {
	connectorID := 0
	s.mu.RLock()
	for id, c := range s.connectors {
		if id > 0 && c.TransactionStarted && c.TransactionID != nil && *c.TransactionID == req.TransactionId {
			connectorID = id
			break
		}
	}
	s.mu.RUnlock()

	if connectorID == 0 {
		log.Printf("%s remote stop rejected, unknown transaction %d", s.logPrefix(), req.TransactionId)
		return &core.RemoteStopTransactionConfirmation{Status: types.RemoteStartStopStatusRejected}, nil
	}

	go func() {
		s.setAndNotifyStatus(connectorID, core.ChargePointStatusFinishing)
		if _, err := s.stopTransaction(connectorID, core.ReasonRemote); err != nil {
			log.Printf("%s remote stop on connector %d failed: %v", s.logPrefix(), connectorID, err)
		}
	}()
	return &core.RemoteStopTransactionConfirmation{Status: types.RemoteStartStopStatusAccepted}, nil
}

// upsertChargingProfile replaces a profile matching by id, or by the
// (stackLevel, purpose) pair, and appends otherwise.
func upsertChargingProfile(c *Connector, profile types.ChargingProfile) {
	for i, p := range c.ChargingProfiles {
		if p.ChargingProfileId == profile.ChargingProfileId ||
			(p.StackLevel == profile.StackLevel && p.ChargingProfilePurpose == profile.ChargingProfilePurpose) {
			c.ChargingProfiles[i] = profile
			return
		}
	}
	c.ChargingProfiles = append(c.ChargingProfiles, profile)
}

// handleSetChargingProfile validates purpose against the target connector and
// upserts the profile.
func (s *Station) handleSetChargingProfile(req *smartcharging.SetChargingProfileRequest) (interface{}, error) {
	if req.ChargingProfile == nil {
		return nil, rpc.NewError(rpc.FormationViolation, "csChargingProfiles is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connectorLocked(req.ConnectorId)
	if !ok {
		log.Printf("%s charging profile for unknown connector %d", s.logPrefix(), req.ConnectorId)
		return &smartcharging.SetChargingProfileConfirmation{Status: smartcharging.ChargingProfileStatusRejected}, nil
	}
	purpose := req.ChargingProfile.ChargingProfilePurpose
	if purpose == types.ChargingProfilePurposeChargePointMaxProfile && req.ConnectorId != 0 {
		return &smartcharging.SetChargingProfileConfirmation{Status: smartcharging.ChargingProfileStatusRejected}, nil
	}
	if purpose == types.ChargingProfilePurposeTxProfile && (req.ConnectorId == 0 || !c.TransactionStarted) {
		return &smartcharging.SetChargingProfileConfirmation{Status: smartcharging.ChargingProfileStatusRejected}, nil
	}
	upsertChargingProfile(c, *req.ChargingProfile)
	return &smartcharging.SetChargingProfileConfirmation{Status: smartcharging.ChargingProfileStatusAccepted}, nil
}

// handleClearChargingProfile clears a whole connector when connectorId is
// given, and filters every connector by the id / stackLevel / purpose
// criteria otherwise.
func (s *Station) handleClearChargingProfile(req *smartcharging.ClearChargingProfileRequest) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ConnectorId != nil {
		c, ok := s.connectorLocked(*req.ConnectorId)
		if !ok || len(c.ChargingProfiles) == 0 {
			return &smartcharging.ClearChargingProfileConfirmation{Status: smartcharging.ClearChargingProfileStatusUnknown}, nil
		}
		c.ChargingProfiles = nil
		return &smartcharging.ClearChargingProfileConfirmation{Status: smartcharging.ClearChargingProfileStatusAccepted}, nil
	}

	cleared := false
	for _, c := range s.connectors {
		kept := c.ChargingProfiles[:0]
		for _, p := range c.ChargingProfiles {
			if clearProfileMatch(p, req) {
				cleared = true
				continue
			}
			kept = append(kept, p)
		}
		c.ChargingProfiles = kept
	}
	if !cleared {
		return &smartcharging.ClearChargingProfileConfirmation{Status: smartcharging.ClearChargingProfileStatusUnknown}, nil
	}
	return &smartcharging.ClearChargingProfileConfirmation{Status: smartcharging.ClearChargingProfileStatusAccepted}, nil
}

func clearProfileMatch(p types.ChargingProfile, req *smartcharging.ClearChargingProfileRequest) bool {
	if req.Id != nil && p.ChargingProfileId == *req.Id {
		return true
	}
	hasStack := req.StackLevel != nil
	hasPurpose := req.ChargingProfilePurpose != ""
	switch {
	case hasStack && hasPurpose:
		return p.StackLevel == *req.StackLevel && p.ChargingProfilePurpose == req.ChargingProfilePurpose
	case hasStack:
		return p.StackLevel == *req.StackLevel
	case hasPurpose:
		return p.ChargingProfilePurpose == req.ChargingProfilePurpose
	}
	return false
}
