package station

import (
	"log"
	"math"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/helpers"
)

const defaultBootRetryInterval = 60 * time.Second

// Start opens the session toward the Central System and keeps it alive until
// Stop or until the retry budgets run out.
func (s *Station) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Printf("%s already started", s.logPrefix())
		return nil
	}
	s.running = true
	s.stopped = false
	s.stopC = make(chan struct{})
	s.mu.Unlock()

	s.initialize()
	go s.run()
	return nil
}

// Stop closes down the session: heartbeat and ping stop, running transactions
// are stopped with the given reason, every connector goes Unavailable and the
// socket closes normally. Stopping an already stopped station is a no-op.
func (s *Station) Stop(reason core.Reason) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Printf("%s already stopped", s.logPrefix())
		return
	}
	s.stopped = true
	stopC := s.stopC
	s.mu.Unlock()
	if stopC != nil {
		close(stopC)
	}

	s.stopWebSocketPing()
	s.stopHeartbeat()

	for _, id := range s.transactionConnectorIDs() {
		if _, err := s.stopTransaction(id, reason); err != nil {
			log.Printf("%s stopping transaction on connector %d: %v", s.logPrefix(), id, err)
		}
	}
	for _, id := range s.chargeableConnectorIDs() {
		s.mu.Lock()
		s.setStatusLocked(id, core.ChargePointStatusUnavailable)
		s.mu.Unlock()
		if err := s.sendStatusNotification(id, core.ChargePointStatusUnavailable); err != nil {
			log.Printf("%s StatusNotification for connector %d failed: %v", s.logPrefix(), id, err)
		}
	}

	s.transport.Close()
	s.mu.Lock()
	s.bootConf = nil
	s.mu.Unlock()
	log.Printf("%s stopped, reason %s", s.logPrefix(), reason)
}

// run owns the connect / reconnect loop for one Start.
func (s *Station) run() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	tpl := s.currentTemplate()
	url := tpl.SupervisionURL(s.index) + "/" + s.id
	handshakeTimeout := time.Duration(tpl.ConnectionTimeoutSeconds()) * time.Second

	for {
		if s.isStopped() {
			return
		}
		if err := s.transport.Connect(url, handshakeTimeout); err != nil {
			log.Printf("%s connection to %s failed: %v", s.logPrefix(), url, err)
			next, ok := s.waitReconnect()
			if !ok {
				s.stopWebSocketPing()
				return
			}
			handshakeTimeout = next
			continue
		}

		s.onOpen()
		ev := <-s.transport.Closed()
		s.stopHeartbeat()
		s.stopWebSocketPing()

		if s.isStopped() {
			return
		}
		switch ev.Code {
		case websocket.CloseNormalClosure, websocket.CloseNoStatusReceived:
			log.Printf("%s connection closed normally, code %d", s.logPrefix(), ev.Code)
			s.mu.Lock()
			s.reconnectRetries = 0
			s.mu.Unlock()
			return
		default:
			log.Printf("%s connection closed abnormally, code %d: %v", s.logPrefix(), ev.Code, ev.Err)
			next, ok := s.waitReconnect()
			if !ok {
				return
			}
			handshakeTimeout = next
		}
	}
}

// onOpen runs the post-connect sequence: registration if needed, then the
// offline queue drain and the periodic timers.
func (s *Station) onOpen() {
	log.Printf("%s connected to central system", s.logPrefix())

	if s.isRegistered() {
		log.Printf("%s already registered, skipping BootNotification", s.logPrefix())
		s.startHeartbeat()
	} else if !s.bootLoop() {
		return
	}

	s.mu.Lock()
	restarted := s.socketRestarted
	s.socketRestarted = false
	s.mu.Unlock()
	if restarted {
		if n := s.transport.DrainQueue(); n > 0 {
			log.Printf("%s flushed %d buffered messages", s.logPrefix(), n)
		}
	}
	s.startWebSocketPing()
}

// bootLoop sends BootNotification until accepted, honouring the registration
// retry budget (-1 unlimited, 0 single attempt). Returns false when the
// session should not proceed.
func (s *Station) bootLoop() bool {
	limit := s.currentTemplate().RegistrationLimit()
	retries := 0
	for {
		if s.isStopped() || !s.transport.IsOpen() {
			return false
		}
		conf, err := s.sendBootNotification()
		if err != nil {
			log.Printf("%s BootNotification failed: %v", s.logPrefix(), err)
		} else {
			switch conf.Status {
			case core.RegistrationStatusAccepted:
				s.onBootAccepted(conf)
				s.sendBootStatusNotifications()
				return true
			case core.RegistrationStatusPending:
				log.Printf("%s registration pending, interval %ds", s.logPrefix(), conf.Interval)
			default:
				log.Printf("%s registration rejected, interval %ds", s.logPrefix(), conf.Interval)
			}
		}

		retries++
		if limit != -1 && retries > limit {
			log.Printf("%s registration retries exhausted after %d attempts", s.logPrefix(), retries)
			return false
		}
		wait := defaultBootRetryInterval
		if conf != nil && conf.Interval > 0 {
			wait = time.Duration(conf.Interval) * time.Second
		}
		if !s.sleep(wait) {
			return false
		}
	}
}

func (s *Station) onBootAccepted(conf *core.BootNotificationConfirmation) {
	s.mu.Lock()
	s.bootConf = conf
	s.stopped = false
	s.reconnectRetries = 0
	s.mu.Unlock()

	interval := strconv.Itoa(conf.Interval)
	s.cfg.SetOrAdd(config.Key{Key: config.HeartbeatIntervalKey, Value: interval})
	s.cfg.SetOrAdd(config.Key{Key: config.HeartBeatIntervalKey, Value: interval})
	log.Printf("%s registered, heartbeat interval %ss", s.logPrefix(), interval)
	s.startHeartbeat()
}

// sendBootStatusNotifications pushes the initial status of every chargeable
// connector after registration.
func (s *Station) sendBootStatusNotifications() {
	s.mu.RLock()
	type pair struct {
		id     int
		status core.ChargePointStatus
	}
	var pairs []pair
	for id, c := range s.connectors {
		if id > 0 {
			pairs = append(pairs, pair{id, c.Status})
		}
	}
	s.mu.RUnlock()
	for _, p := range pairs {
		if err := s.sendStatusNotification(p.id, p.status); err != nil {
			log.Printf("%s StatusNotification for connector %d failed: %v", s.logPrefix(), p.id, err)
		}
	}
}

// waitReconnect burns one reconnect retry and sleeps the backoff delay. The
// returned duration is the handshake timeout for the next attempt.
func (s *Station) waitReconnect() (time.Duration, bool) {
	tpl := s.currentTemplate()
	limit := tpl.AutoReconnectLimit()
	s.mu.Lock()
	if limit != -1 && s.reconnectRetries >= limit {
		s.mu.Unlock()
		log.Printf("%s reconnect retries exhausted (%d)", s.logPrefix(), limit)
		return 0, false
	}
	s.reconnectRetries++
	attempt := s.reconnectRetries
	s.socketRestarted = true
	s.mu.Unlock()

	if atg := tpl.AutomaticTransactionGenerator; atg != nil && atg.Enable && atg.StopOnConnectionFailure {
		log.Printf("%s connection failure, transaction generator paused", s.logPrefix())
	}

	var delay time.Duration
	if tpl.ReconnectExponentialDelay {
		delay = exponentialBackoff(attempt)
	} else {
		delay = time.Duration(tpl.ConnectionTimeoutSeconds()) * time.Second
	}
	if delay <= 0 {
		delay = time.Second
	}
	log.Printf("%s reconnecting in %s, attempt %d", s.logPrefix(), delay, attempt)
	if !s.sleep(delay) {
		return 0, false
	}
	handshake := delay - 100*time.Millisecond
	if handshake <= 0 {
		handshake = delay
	}
	return handshake, true
}

// exponentialBackoff grows 2^attempt seconds with up to a second of jitter.
func exponentialBackoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	base := math.Pow(2, float64(attempt))
	jitter := time.Duration(helpers.RandomInt(1000)) * time.Millisecond
	return time.Duration(base)*time.Second + jitter
}

// sleep waits d unless the station is stopped first.
func (s *Station) sleep(d time.Duration) bool {
	s.mu.RLock()
	stopC := s.stopC
	s.mu.RUnlock()
	select {
	case <-time.After(d):
		return !s.isStopped()
	case <-stopC:
		return false
	}
}

// startHeartbeat arms the heartbeat timer from the configured interval,
// replacing any running timer. An interval of zero or less disables it.
func (s *Station) startHeartbeat() {
	s.stopHeartbeat()
	interval := s.heartbeatIntervalSeconds()
	if interval <= 0 {
		log.Printf("%s heartbeat disabled, interval %ds", s.logPrefix(), interval)
		return
	}
	stop := make(chan struct{})
	s.mu.Lock()
	s.heartbeatStop = stop
	s.mu.Unlock()
	log.Printf("%s heartbeat started every %ds", s.logPrefix(), interval)
	go func() {
		ticker := time.NewTicker(time.Duration(interval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sendHeartbeat()
			}
		}
	}()
}

func (s *Station) stopHeartbeat() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.mu.Unlock()
}

// restartHeartbeat re-arms the heartbeat after an interval change. A timer
// not previously armed still starts, as long as the station is registered.
func (s *Station) restartHeartbeat() {
	s.mu.RLock()
	active := s.heartbeatStop != nil
	s.mu.RUnlock()
	if active || s.isRegistered() {
		s.startHeartbeat()
	}
}

// heartbeatIntervalSeconds reads the interval from the configuration store,
// preferring the standard spelling over the legacy mirror.
func (s *Station) heartbeatIntervalSeconds() int {
	if k, ok := s.cfg.Get(config.HeartbeatIntervalKey, false); ok {
		if v, err := strconv.Atoi(k.Value); err == nil {
			return v
		}
	}
	return s.cfg.GetInt(config.HeartBeatIntervalKey, 0)
}

// startWebSocketPing arms the RFC 6455 ping timer when WebSocketPingInterval
// is configured above zero.
func (s *Station) startWebSocketPing() {
	s.stopWebSocketPing()
	interval := s.cfg.GetInt(config.WebSocketPingIntervalKey, 0)
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	s.mu.Lock()
	s.pingStop = stop
	s.mu.Unlock()
	log.Printf("%s websocket ping started every %ds", s.logPrefix(), interval)
	go func() {
		ticker := time.NewTicker(time.Duration(interval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !s.transport.IsOpen() {
					continue
				}
				if err := s.transport.Ping(); err != nil {
					log.Printf("%s websocket ping failed: %v", s.logPrefix(), err)
				}
			}
		}
	}()
}

func (s *Station) stopWebSocketPing() {
	s.mu.Lock()
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	s.mu.Unlock()
}

// restartWebSocketPing re-arms the ping timer after an interval change. A
// station without a running timer gains one when the new interval is
// positive; startWebSocketPing itself disables on an interval of zero.
func (s *Station) restartWebSocketPing() {
	if s.isStopped() {
		return
	}
	s.startWebSocketPing()
}
