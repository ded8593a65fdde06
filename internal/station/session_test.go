package station

import (
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/models"
)

func TestStartStop_FullSessionCycle(t *testing.T) {
	s, tr := newTestStation(t)

	require.NoError(t, s.Start())

	// Boot is accepted by default, the initial connector statuses follow.
	assert.Eventually(t, func() bool {
		return s.isRegistered() &&
			tr.countRequests(core.StatusNotificationFeatureName) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, tr.countRequests(core.BootNotificationFeatureName))

	boot := tr.lastRequest(core.BootNotificationFeatureName).(*core.BootNotificationRequest)
	assert.Equal(t, "Sim-1", boot.ChargePointModel)
	assert.Equal(t, "ACME", boot.ChargePointVendor)

	s.Stop(core.ReasonLocal)

	assert.False(t, s.isRegistered())
	assert.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return !s.running
	}, 2*time.Second, 10*time.Millisecond)

	// A stopped station can be started again and re-registers.
	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool {
		return s.isRegistered()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, tr.countRequests(core.BootNotificationFeatureName))
	s.Stop(core.ReasonLocal)
}

func TestBootLoop_PendingThenAccepted(t *testing.T) {
	s, tr := newTestStation(t)
	tr.stub(core.BootNotificationFeatureName, &core.BootNotificationConfirmation{
		Status:      core.RegistrationStatusPending,
		Interval:    1,
		CurrentTime: types.NewDateTime(time.Now()),
	})
	s.mu.Lock()
	s.stopC = make(chan struct{})
	s.mu.Unlock()

	ok := s.bootLoop()
	defer s.stopHeartbeat()

	assert.True(t, ok)
	assert.True(t, s.isRegistered())
	assert.Equal(t, 2, tr.countRequests(core.BootNotificationFeatureName))
}

func TestBootLoop_RegistrationRetriesDisabled(t *testing.T) {
	zero := 0
	s, tr := newTestStation(t, func(tpl *models.StationTemplate) {
		tpl.RegistrationMaxRetries = &zero
	})
	tr.stub(core.BootNotificationFeatureName, &core.BootNotificationConfirmation{
		Status:      core.RegistrationStatusRejected,
		Interval:    1,
		CurrentTime: types.NewDateTime(time.Now()),
	})
	s.mu.Lock()
	s.stopC = make(chan struct{})
	s.mu.Unlock()

	ok := s.bootLoop()

	assert.False(t, ok)
	assert.False(t, s.isRegistered())
	assert.Equal(t, 1, tr.countRequests(core.BootNotificationFeatureName))
}

func TestExponentialBackoff_GrowsAndCaps(t *testing.T) {
	d1 := exponentialBackoff(1)
	d3 := exponentialBackoff(3)

	assert.GreaterOrEqual(t, d1, 2*time.Second)
	assert.Less(t, d1, 4*time.Second)
	assert.GreaterOrEqual(t, d3, 8*time.Second)
	// The exponent is capped so huge attempt counts cannot overflow.
	assert.LessOrEqual(t, exponentialBackoff(50), 1025*time.Second)
}

func TestReconnect_DisabledAtLimitZero(t *testing.T) {
	zero := 0
	s, tr := newTestStation(t, func(tpl *models.StationTemplate) {
		tpl.AutoReconnectMaxRetries = &zero
	})

	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool {
		return s.isRegistered()
	}, 2*time.Second, 10*time.Millisecond)
	before := tr.connectCount()

	tr.abnormalClose(1006)

	// The session loop must give up without dialing again.
	assert.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return !s.running
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, before, tr.connectCount())
	s.Stop(core.ReasonLocal)
}

func TestReconnect_UnlimitedRetriesDialsAgain(t *testing.T) {
	noDelay := 0
	s, tr := newTestStation(t, func(tpl *models.StationTemplate) {
		tpl.ConnectionTimeout = &noDelay
	})

	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool {
		return s.isRegistered()
	}, 2*time.Second, 10*time.Millisecond)
	before := tr.connectCount()

	tr.abnormalClose(1006)

	assert.Eventually(t, func() bool {
		return tr.connectCount() > before
	}, 3*time.Second, 20*time.Millisecond)
	s.Stop(core.ReasonLocal)
}

func TestChangeConfiguration_StartsPingTimerFromZeroInterval(t *testing.T) {
	s, _ := newTestStation(t)
	s.cfg.SetOrAdd(config.Key{Key: config.WebSocketPingIntervalKey, Value: "0"})

	s.startWebSocketPing()
	s.mu.RLock()
	armed := s.pingStop != nil
	s.mu.RUnlock()
	require.False(t, armed)

	conf, err := s.handleChangeConfiguration(&core.ChangeConfigurationRequest{
		Key:   config.WebSocketPingIntervalKey,
		Value: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, core.ConfigurationStatusAccepted,
		conf.(*core.ChangeConfigurationConfirmation).Status)

	s.mu.RLock()
	armed = s.pingStop != nil
	s.mu.RUnlock()
	assert.True(t, armed)
	s.stopWebSocketPing()
}

func TestChangeConfiguration_StartsHeartbeatWhenRegistered(t *testing.T) {
	s, _ := newTestStation(t)
	register(s)
	s.cfg.SetOrAdd(config.Key{Key: config.HeartbeatIntervalKey, Value: "0"})

	s.mu.RLock()
	armed := s.heartbeatStop != nil
	s.mu.RUnlock()
	require.False(t, armed)

	_, err := s.handleChangeConfiguration(&core.ChangeConfigurationRequest{
		Key:   config.HeartbeatIntervalKey,
		Value: "30",
	})
	require.NoError(t, err)
	defer s.stopHeartbeat()

	s.mu.RLock()
	armed = s.heartbeatStop != nil
	s.mu.RUnlock()
	assert.True(t, armed)
}

func TestHeartbeatIntervalSeconds_PrefersStandardSpelling(t *testing.T) {
	s, _ := newTestStation(t)

	assert.Equal(t, 0, s.heartbeatIntervalSeconds())

	s.onBootAccepted(&core.BootNotificationConfirmation{
		Status:   core.RegistrationStatusAccepted,
		Interval: 10,
	})
	defer s.stopHeartbeat()
	assert.Equal(t, 10, s.heartbeatIntervalSeconds())
}
