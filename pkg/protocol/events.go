package protocol

// MessageEvent names the action carried by an envelope. The routing
// layers only ever switch on a handful of these; the rest pass through
// the hub untouched.
type MessageEvent string

const (
	// Device lifecycle
	EventDeviceConnect       MessageEvent = "device_connect"
	EventDeviceDisconnect    MessageEvent = "device_disconnect"
	EventGetConnectedDevices MessageEvent = "get_connected_devices"
	EventHealthCheck         MessageEvent = "health_check"

	// Settings
	EventGetSettings MessageEvent = "get_settings"
	EventSetSettings MessageEvent = "set_settings"
	EventStateChange MessageEvent = "state_change"

	// Firmware
	EventUpdateFirmware      MessageEvent = "update_firmware"
	EventUpdateFirmwareError MessageEvent = "update_firmware_error"

	// Button / lamp
	EventTurnOn        MessageEvent = "turn_on"
	EventTurnOff       MessageEvent = "turn_off"
	EventActivate      MessageEvent = "activate"
	EventDeactivate    MessageEvent = "deactivate"
	EventLampTurnedOn  MessageEvent = "lamp_turned_on"
	EventLampTurnedOff MessageEvent = "lamp_turned_off"
	EventSetRGB        MessageEvent = "set_rgb"
	EventSetFluo       MessageEvent = "set_fluo"
	EventSetLED        MessageEvent = "set_led"

	// RFID
	EventCheckUID      MessageEvent = "check_uid"
	EventAccessGranted MessageEvent = "access_granted"
	EventAccessDenied  MessageEvent = "access_denied"

	// Sensors
	EventReadData  MessageEvent = "read_data"
	EventWriteData MessageEvent = "write_data"

	// Camera signalling
	EventCameraOffer      MessageEvent = "camera_offer"
	EventCameraAnswer     MessageEvent = "camera_answer"
	EventCameraDisconnect MessageEvent = "camera_disconnect"
	EventCameraError      MessageEvent = "camera_error"
	EventCameraICE        MessageEvent = "camera_ice"
)
