package config

import (
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
)

// Well-known OCPP 1.6 configuration key names used by the station core.
const (
	HeartbeatIntervalKey         = "HeartbeatInterval"
	HeartBeatIntervalKey         = "HeartBeatInterval" // legacy spelling, kept as a mirror
	WebSocketPingIntervalKey     = "WebSocketPingInterval"
	MeterValueSampleIntervalKey  = "MeterValueSampleInterval"
	MeterValuesSampledDataKey    = "MeterValuesSampledData"
	NumberOfConnectorsKey        = "NumberOfConnectors"
	AuthorizeRemoteTxRequestsKey = "AuthorizeRemoteTxRequests"
	LocalAuthListEnabledKey      = "LocalAuthListEnabled"
	SupportedFeatureProfilesKey  = "SupportedFeatureProfiles"
	ConnectionTimeOutKey         = "ConnectionTimeOut"
)

// Key is one OCPP configuration entry. Visible defaults to true and Reboot to
// false when unset, matching the template file format.
type Key struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Readonly bool   `json:"readonly"`
	Visible  *bool  `json:"visible,omitempty"`
	Reboot   *bool  `json:"reboot,omitempty"`
}

// IsVisible reports whether the key is returned by GetConfiguration.
func (k Key) IsVisible() bool {
	return k.Visible == nil || *k.Visible
}

// RequiresReboot reports whether changing the key demands a reboot.
func (k Key) RequiresReboot() bool {
	return k.Reboot != nil && *k.Reboot
}

// Store holds a station's OCPP configuration keys in insertion order, as
// observed by GetConfiguration. Lookup is case-sensitive unless asked
// otherwise (ChangeConfiguration matches case-insensitively).
type Store struct {
	mu        sync.RWMutex
	keys      []Key
	logPrefix string
}

// NewStore creates an empty store logging with the station's prefix.
func NewStore(logPrefix string) *Store {
	return &Store{logPrefix: logPrefix}
}

// Seed inserts the template-provided keys, preserving their order.
func (s *Store) Seed(keys []Key) {
	for _, k := range keys {
		s.Add(k)
	}
}

// Get looks up a key by name.
func (s *Store) Get(key string, caseInsensitive bool) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Key == key || (caseInsensitive && strings.EqualFold(k.Key, key)) {
			return k, true
		}
	}
	return Key{}, false
}

// Add appends a key. Adding an existing key is a logged no-op.
func (s *Store) Add(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys {
		if existing.Key == k.Key {
			log.Printf("%s configuration key %s already set, not adding", s.logPrefix, k.Key)
			return
		}
	}
	s.keys = append(s.keys, k)
}

// Set updates the value of an existing key in place. Setting an absent key is
// a logged no-op.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.keys {
		if s.keys[i].Key == key {
			s.keys[i].Value = value
			return
		}
	}
	log.Printf("%s configuration key %s not set, cannot update value", s.logPrefix, key)
}

// SetOrAdd updates the key's value, creating the entry if absent.
func (s *Store) SetOrAdd(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.keys {
		if s.keys[i].Key == k.Key {
			s.keys[i].Value = k.Value
			return
		}
	}
	s.keys = append(s.keys, k)
}

// Visible returns all visible entries in insertion order, in the wire shape
// GetConfiguration expects.
func (s *Store) Visible() []core.ConfigurationKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ConfigurationKey, 0, len(s.keys))
	for _, k := range s.keys {
		if !k.IsVisible() {
			continue
		}
		value := k.Value
		out = append(out, core.ConfigurationKey{Key: k.Key, Readonly: k.Readonly, Value: &value})
	}
	return out
}

// Lookup resolves the requested key names: visible matches land in the first
// return, names without a visible match accumulate in unknownKey.
func (s *Store) Lookup(keys []string) ([]core.ConfigurationKey, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found []core.ConfigurationKey
	var unknown []string
	for _, name := range keys {
		matched := false
		for _, k := range s.keys {
			if k.Key == name && k.IsVisible() {
				value := k.Value
				found = append(found, core.ConfigurationKey{Key: k.Key, Readonly: k.Readonly, Value: &value})
				matched = true
				break
			}
		}
		if !matched {
			unknown = append(unknown, name)
		}
	}
	return found, unknown
}

// GetInt parses the key's value as an integer, falling back to def when the
// key is absent or unparsable.
func (s *Store) GetInt(key string, def int) int {
	k, ok := s.Get(key, false)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(k.Value)
	if err != nil {
		log.Printf("%s configuration key %s has non-integer value %q", s.logPrefix, key, k.Value)
		return def
	}
	return v
}

// GetBool parses the key's value as a boolean, falling back to def.
func (s *Store) GetBool(key string, def bool) bool {
	k, ok := s.Get(key, false)
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(k.Value)
	if err != nil {
		return def
	}
	return v
}

// Snapshot copies the current entries, in order.
func (s *Store) Snapshot() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, len(s.keys))
	copy(out, s.keys)
	return out
}
