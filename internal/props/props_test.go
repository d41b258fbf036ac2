package props

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDefaults struct {
	values map[string]string
	err    error
}

func (m *memDefaults) GetProperty(scope, key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[scope+"|"+key]
	return v, ok, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestStore_Layers(t *testing.T) {
	persisted := &memDefaults{values: map[string]string{
		"Libs/Core|REVERT_ARTIFACT_VERSION": "never",
		"|STOP_ON_MERGE_CONFLICTS":          "always",
	}}
	s := New(persisted, map[string]string{
		"REVERT_ARTIFACT_VERSION": "ask",
		"STOP_ON_MERGE_CONFLICTS": "never",
	}, quietLogger())

	tests := []struct {
		scope, key string
		want       string
		ok         bool
	}{
		{"Libs/Core", "REVERT_ARTIFACT_VERSION", "never", true},
		{"", "REVERT_ARTIFACT_VERSION", "ask", true},
		{"", "STOP_ON_MERGE_CONFLICTS", "always", true},
		{"Libs/Other", "REVERT_ARTIFACT_VERSION", "", false},
		{"", "MERGE_DESTINATION", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.scope+"/"+tt.key, func(t *testing.T) {
			v, ok := s.Get(tt.scope, tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestStore_RunValuesWin(t *testing.T) {
	persisted := &memDefaults{values: map[string]string{"Libs/Core|REVERT_ARTIFACT_VERSION": "never"}}
	s := New(persisted, nil, quietLogger())

	require.NoError(t, s.Set("Libs/Core", "REVERT_ARTIFACT_VERSION", "always"))
	require.NoError(t, s.Set("", "ALWAYS_MERGE", "true"))

	v, ok := s.Get("Libs/Core", "REVERT_ARTIFACT_VERSION")
	assert.True(t, ok)
	assert.Equal(t, "always", v)

	assert.Equal(t, map[string]string{
		"Libs/Core/REVERT_ARTIFACT_VERSION": "always",
		"ALWAYS_MERGE":                      "true",
	}, s.Snapshot())
}

func TestStore_PersistedErrorFallsThrough(t *testing.T) {
	s := New(&memDefaults{err: errors.New("database is locked")}, map[string]string{"MERGE_DESTINATION": "D/main"}, quietLogger())

	v, ok := s.Get("", "MERGE_DESTINATION")
	assert.True(t, ok)
	assert.Equal(t, "D/main", v)
}
