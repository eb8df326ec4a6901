package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidEnvelope(t *testing.T) {
	data := []byte(`{"message_id":"a","message_type":"request","message_event":"device_connect","device_id":"aa:bb:cc:dd:ee:ff","payload":{"ip":"10.0.0.2"}}`)

	msg, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "a", msg.MessageID)
	assert.Equal(t, TypeRequest, msg.MessageType)
	assert.Equal(t, EventDeviceConnect, msg.MessageEvent)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", msg.DeviceID)
	assert.Equal(t, "10.0.0.2", msg.Payload["ip"])
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"broken json", `{"message_id":`},
		{"missing message_id", `{"message_type":"request","message_event":"turn_on","device_id":"aa:bb:cc:dd:ee:ff"}`},
		{"missing message_type", `{"message_id":"a","message_event":"turn_on","device_id":"aa:bb:cc:dd:ee:ff"}`},
		{"missing event", `{"message_id":"a","message_type":"request","device_id":"aa:bb:cc:dd:ee:ff"}`},
		{"empty device id", `{"message_id":"a","message_type":"request","message_event":"turn_on","device_id":""}`},
		{"bad mac", `{"message_id":"a","message_type":"request","message_event":"turn_on","device_id":"not-a-mac"}`},
		{"short mac", `{"message_id":"a","message_type":"request","message_event":"turn_on","device_id":"aa:bb:cc:dd:ee"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestDecodeAcceptsCameraAndMacVariants(t *testing.T) {
	for _, id := range []string{"camera", "aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF", "00:11:22:33:44:55"} {
		data := `{"message_id":"a","message_type":"request","message_event":"turn_on","device_id":"` + id + `"}`
		msg, err := Decode([]byte(data))
		require.NoError(t, err, id)
		assert.Equal(t, id, msg.DeviceID)
	}
}

func TestDecodeUnknownEventPassesThrough(t *testing.T) {
	data := []byte(`{"message_id":"a","message_type":"request","message_event":"frobnicate","device_id":"camera","payload":{}}`)
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MessageEvent("frobnicate"), msg.MessageEvent)
}

func TestDecodeMissingPayloadBecomesEmptyMap(t *testing.T) {
	data := []byte(`{"message_id":"a","message_type":"request","message_event":"turn_on","device_id":"aa:bb:cc:dd:ee:ff"}`)
	msg, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.Payload)
	assert.Empty(t, msg.Payload)

	out, err := msg.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"payload":{}`)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []MessageEvent{
		EventDeviceConnect, EventDeviceDisconnect, EventGetConnectedDevices,
		EventHealthCheck, EventGetSettings, EventSetSettings, EventStateChange,
		EventUpdateFirmware, EventTurnOn, EventCheckUID, EventReadData,
		EventCameraOffer, EventCameraAnswer, EventCameraDisconnect,
		EventCameraError, EventCameraICE,
	}

	for _, event := range events {
		in := &Message{
			MessageID:    "id-1",
			MessageType:  TypeResponse,
			MessageEvent: event,
			DeviceID:     "aa:bb:cc:dd:ee:ff",
			Payload:      map[string]any{"k": "v"},
		}

		data, err := in.Encode()
		require.NoError(t, err)

		out, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, out, string(event))
	}
}

func TestEncodeFieldNames(t *testing.T) {
	msg := NewDeviceDisconnect("aa:bb:cc:dd:ee:ff")
	data, err := msg.Encode()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"message_id", "message_type", "message_event", "device_id", "payload"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, "device_disconnect", raw["message_event"])
	assert.Equal(t, "request", raw["message_type"])
}

func TestSyntheticRequestsHaveUniqueIDs(t *testing.T) {
	a := NewHealthCheck("aa:bb:cc:dd:ee:ff")
	b := NewHealthCheck("aa:bb:cc:dd:ee:ff")
	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.Equal(t, EventHealthCheck, a.MessageEvent)
}
