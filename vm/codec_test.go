package vm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSONPreservesNumbers(t *testing.T) {
	v, err := decodeJSON([]byte(`{"int":9007199254740993,"float":1.5}`))
	require.NoError(t, err)

	obj, ok := v.(map[string]any)
	require.True(t, ok)

	// Beyond float64 precision; survives only as json.Number.
	assert.Equal(t, json.Number("9007199254740993"), obj["int"])
	assert.Equal(t, json.Number("1.5"), obj["float"])
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	_, err := decodeJSON([]byte(`{"unterminated":`))
	require.Error(t, err)
}
