package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsWireOrder(t *testing.T) {
	s, err := Parse([]byte(`{"z": [4, "float"], "a": [1, "char"], "m": [2, "uint16"]}`))
	require.NoError(t, err)

	entries := s.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "z", entries[0].Name)
	assert.Equal(t, "a", entries[1].Name)
	assert.Equal(t, "m", entries[2].Name)
	assert.Equal(t, []int{0, 4, 5}, []int{entries[0].Offset, entries[1].Offset, entries[2].Offset})
	assert.Equal(t, 7, s.Width())
}

func TestParseUnknownTypeOccupiesBytes(t *testing.T) {
	s, err := Parse([]byte(`{"x": [3, "int24"], "y": [1, "bool"]}`))
	require.NoError(t, err)

	entries := s.Entries()
	assert.Equal(t, KindUnknown, entries[0].Kind)
	assert.Equal(t, "int24", entries[0].TypeName)
	assert.Equal(t, 3, entries[1].Offset)
	assert.Equal(t, 4, s.Width())
}

func TestParseRejectsBadLayouts(t *testing.T) {
	cases := map[string]string{
		"not a mapping":   `[1, 2]`,
		"zero width":      `{"a": [0, "uint8"]}`,
		"width mismatch":  `{"a": [2, "float"]}`,
		"short spec":      `{"a": [4]}`,
		"empty":           `{}`,
		"bad timestamp":   `{"tstamp_ms": [1, "uint8"]}`,
		"duplicate field": "a: [1, uint8]\na: [1, uint8]\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDefaultFormat(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)
	assert.Greater(t, s.Width(), 0)

	roles := map[Role]bool{}
	for _, e := range s.Entries() {
		roles[e.Role] = true
	}
	assert.True(t, roles[RoleHour] && roles[RoleMinute] && roles[RoleSecond] && roles[RoleMillis])
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "format.yaml")
	require.NoError(t, os.WriteFile(path, []byte("speed: [4, float]\ngear: [1, char]\n"), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Width())

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestUnknownKindErrorUnwraps(t *testing.T) {
	err := error(&UnknownKindError{Field: "x", TypeName: "int24"})
	assert.True(t, errors.Is(err, ErrUnknownFieldType))
	assert.Contains(t, err.Error(), "int24")
}
