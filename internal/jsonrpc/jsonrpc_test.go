package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDRoundTripPreservesType(t *testing.T) {
	var stringID ID
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &stringID))
	out, err := json.Marshal(stringID)
	require.NoError(t, err)
	require.Equal(t, `"abc"`, string(out))

	var intID ID
	require.NoError(t, json.Unmarshal([]byte(`42`), &intID))
	out, err = json.Marshal(intID)
	require.NoError(t, err)
	require.Equal(t, `42`, string(out))
}

func TestNotificationHasZeroID(t *testing.T) {
	req, err := NewNotification("tools/list_changed", nil)
	require.NoError(t, err)
	require.True(t, req.IsNotification())

	req2, err := NewRequest(NewIntID(1), "ping", nil)
	require.NoError(t, err)
	require.False(t, req2.IsNotification())
}

func TestResponseDecodeResultPropagatesError(t *testing.T) {
	resp := NewErrorResponse(NewIntID(1), CodeMethodNotFound, "unknown method", nil)
	var out map[string]any
	err := resp.DecodeResult(&out)
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeMethodNotFound, rpcErr.Code)
}
