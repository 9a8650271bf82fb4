package models

// Role classifies an endpoint: controllers drive sessions, targets are
// observed and controlled.
type Role string

const (
	RoleController Role = "controller"
	RoleTarget     Role = "target"
)

// Device status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Capability names a device may declare in its handshake.
const (
	CapabilityScreen = "screen"
	CapabilityInput  = "input"
)

// Resolution is a screen size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// Device is the registry's view of an endpoint. The ID is supplied by
// the endpoint and stays stable across reconnects; everything else is
// refreshed from the device_info handshake.
type Device struct {
	ID               string     `json:"device_id"`
	Name             string     `json:"display_name"`
	Role             Role       `json:"role"`
	Capabilities     []string   `json:"capabilities,omitempty"`
	Status           string     `json:"status"`
	Resolution       Resolution `json:"resolution,omitempty"`
	RequiresPassword bool       `json:"requires_password,omitempty"`
	LastSeen         int64      `json:"last_seen"`
}

// DeviceInfo is the payload of the device_info handshake message.
type DeviceInfo struct {
	Name             string     `json:"name"`
	Role             Role       `json:"role"`
	Capabilities     []string   `json:"capabilities,omitempty"`
	Resolution       Resolution `json:"resolution,omitempty"`
	RequiresPassword bool       `json:"requires_password,omitempty"`
}

func (i DeviceInfo) Valid() bool {
	return i.Role == RoleController || i.Role == RoleTarget
}
