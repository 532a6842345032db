package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummary(t *testing.T) {
	tests := []struct {
		failure  Failure
		expected string
	}{
		{Data("corrupt record"), "Data Error: corrupt record"},
		{Network("timeout"), "Network Error: timeout"},
		{Permission("health access denied"), "Permission Error: health access denied"},
		{PeerConnectivity("watch unreachable"), "Peer Connectivity Error: watch unreachable"},
		{General("disk full"), "General Error: disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.failure.Kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.failure.Summary())
			assert.Equal(t, tt.expected, tt.failure.Error())
		})
	}
}

func TestFailureIsComparable(t *testing.T) {
	assert.Equal(t, Network("timeout"), New(KindNetwork, "timeout"))
	assert.NotEqual(t, Network("timeout"), Data("timeout"))
	assert.True(t, Network("timeout") == Network("timeout"))
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		input    string
		expected Kind
	}{
		{"data", KindData},
		{"NETWORK", KindNetwork},
		{" permission ", KindPermission},
		{"peer_connectivity", KindPeerConnectivity},
		{"peer", KindPeerConnectivity},
		{"connectivity", KindPeerConnectivity},
		{"general", KindGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			kind, err := ParseKind(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, kind)
		})
	}
}

func TestParseKindUnknown(t *testing.T) {
	_, err := ParseKind("disk")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestKindStringRoundTrip(t *testing.T) {
	for _, k := range Kinds {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
}

func TestFailureJSONUsesMachineNames(t *testing.T) {
	data, err := json.Marshal(PeerConnectivity("phone unreachable"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"peer_connectivity","message":"phone unreachable"}`, string(data))

	var f Failure
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"network","message":"timeout"}`), &f))
	assert.Equal(t, Network("timeout"), f)

	err = json.Unmarshal([]byte(`{"kind":"disk","message":"x"}`), &f)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestClassifyKeepsTaxonomyValues(t *testing.T) {
	for _, k := range Kinds {
		f := New(k, "message for "+k.String())
		assert.Equal(t, f, Classify(f))

		p := f
		assert.Equal(t, f, Classify(&p))
	}
}

func TestClassifyCoercesToGeneral(t *testing.T) {
	assert.Equal(t, General("disk full"), Classify(errors.New("disk full")))
	assert.Equal(t, General(io.EOF.Error()), Classify(io.EOF))
}

func TestClassifyDoesNotUnwrap(t *testing.T) {
	wrapped := fmt.Errorf("sync failed: %w", Network("timeout"))

	got := Classify(wrapped)

	assert.Equal(t, KindGeneral, got.Kind)
	assert.Equal(t, "sync failed: Network Error: timeout", got.Message)
}

func TestUnwrapping(t *testing.T) {
	wrapped := fmt.Errorf("sync failed: %w", Network("timeout"))
	f, ok := Unwrapping(wrapped)
	require.True(t, ok)
	assert.Equal(t, Network("timeout"), f)

	p := Permission("denied")
	f, ok = Unwrapping(fmt.Errorf("outer: %w", &p))
	require.True(t, ok)
	assert.Equal(t, Permission("denied"), f)

	_, ok = Unwrapping(errors.New("plain"))
	assert.False(t, ok)
}
