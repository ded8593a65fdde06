package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func seededStore() *Store {
	s := NewStore("test:")
	s.Seed([]Key{
		{Key: HeartbeatIntervalKey, Value: "300"},
		{Key: "AuthorizationKey", Value: "secret", Readonly: true, Visible: boolPtr(false)},
		{Key: "LightIntensity", Value: "70"},
		{Key: "ResetRetries", Value: "3", Reboot: boolPtr(true)},
	})
	return s
}

func TestGet_ExactAndCaseInsensitive(t *testing.T) {
	s := seededStore()

	_, ok := s.Get("heartbeatinterval", false)
	assert.False(t, ok)

	k, ok := s.Get("heartbeatinterval", true)
	require.True(t, ok)
	assert.Equal(t, HeartbeatIntervalKey, k.Key)
	assert.Equal(t, "300", k.Value)
}

func TestAdd_ExistingKeyIsNoOp(t *testing.T) {
	s := seededStore()

	s.Add(Key{Key: HeartbeatIntervalKey, Value: "999"})

	k, _ := s.Get(HeartbeatIntervalKey, false)
	assert.Equal(t, "300", k.Value)
}

func TestSet_AbsentKeyIsNoOp(t *testing.T) {
	s := seededStore()

	s.Set("NoSuchKey", "1")

	_, ok := s.Get("NoSuchKey", false)
	assert.False(t, ok)
}

func TestSetOrAdd_CreatesAndUpdates(t *testing.T) {
	s := seededStore()

	s.SetOrAdd(Key{Key: WebSocketPingIntervalKey, Value: "30"})
	k, ok := s.Get(WebSocketPingIntervalKey, false)
	require.True(t, ok)
	assert.Equal(t, "30", k.Value)

	s.SetOrAdd(Key{Key: WebSocketPingIntervalKey, Value: "60"})
	k, _ = s.Get(WebSocketPingIntervalKey, false)
	assert.Equal(t, "60", k.Value)
}

func TestVisible_HidesInvisibleKeys(t *testing.T) {
	s := seededStore()

	visible := s.Visible()

	names := make([]string, 0, len(visible))
	for _, k := range visible {
		names = append(names, k.Key)
	}
	assert.NotContains(t, names, "AuthorizationKey")
	assert.Contains(t, names, HeartbeatIntervalKey)
	// Insertion order is preserved.
	assert.Equal(t, HeartbeatIntervalKey, names[0])
}

func TestLookup_SplitsKnownAndUnknown(t *testing.T) {
	s := seededStore()

	found, unknown := s.Lookup([]string{HeartbeatIntervalKey, "AuthorizationKey", "Bogus"})

	require.Len(t, found, 1)
	assert.Equal(t, HeartbeatIntervalKey, found[0].Key)
	// Invisible keys count as unknown toward the Central System.
	assert.Equal(t, []string{"AuthorizationKey", "Bogus"}, unknown)
}

func TestGetInt_FallsBackOnGarbage(t *testing.T) {
	s := seededStore()
	s.SetOrAdd(Key{Key: "Weird", Value: "abc"})

	assert.Equal(t, 300, s.GetInt(HeartbeatIntervalKey, 0))
	assert.Equal(t, 42, s.GetInt("Weird", 42))
	assert.Equal(t, 42, s.GetInt("Absent", 42))
}

func TestGetBool(t *testing.T) {
	s := NewStore("test:")
	s.Seed([]Key{
		{Key: AuthorizeRemoteTxRequestsKey, Value: "true"},
		{Key: LocalAuthListEnabledKey, Value: "nope"},
	})

	assert.True(t, s.GetBool(AuthorizeRemoteTxRequestsKey, false))
	assert.False(t, s.GetBool(LocalAuthListEnabledKey, false))
	assert.True(t, s.GetBool("Absent", true))
}

func TestKeyFlags(t *testing.T) {
	s := seededStore()

	k, _ := s.Get("ResetRetries", false)
	assert.True(t, k.RequiresReboot())
	assert.True(t, k.IsVisible())

	k, _ = s.Get("AuthorizationKey", false)
	assert.False(t, k.IsVisible())
	assert.False(t, k.RequiresReboot())
}
