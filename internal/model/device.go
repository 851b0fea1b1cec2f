package model

// Identity is the external account a subscriber represents.
// Two identities are equal iff all fields are equal, so == is the comparison.
type Identity struct {
	Source   string `json:"source" validate:"required,oneof=bark"`
	SourceID string `json:"sourceId" validate:"required,max=256,printascii"`
}

// Key returns the canonical "source:sourceId" form used by storage indexes.
func (i Identity) Key() string {
	return i.Source + ":" + i.SourceID
}

const SourceBark = "bark"

// Device is a tracked heartbeat emitter plus its subscriber list.
type Device struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Token       string     `json:"token"`
	Alive       bool       `json:"alive"`
	AliveAt     int64      `json:"aliveAt"`
	Owner       Identity   `json:"owner"`
	Subscribers []Identity `json:"subscribers"`
}

// HasSubscriber reports whether identity is in the subscriber list.
func (d *Device) HasSubscriber(identity Identity) bool {
	for _, s := range d.Subscribers {
		if s == identity {
			return true
		}
	}
	return false
}

// DeviceUpdate carries the fields UpdateDevice should apply.
// Nil pointers and a nil Subscribers slice are left untouched.
type DeviceUpdate struct {
	Alive       *bool
	AliveAt     *int64
	Subscribers []Identity
}

// Apply copies the set fields onto device.
func (u DeviceUpdate) Apply(device *Device) {
	if u.Alive != nil {
		device.Alive = *u.Alive
	}
	if u.AliveAt != nil {
		device.AliveAt = *u.AliveAt
	}
	if u.Subscribers != nil {
		device.Subscribers = append(make([]Identity, 0, len(u.Subscribers)), u.Subscribers...)
	}
}

// DeviceSummary is what a subscriber sees when listing devices.
// DeviceToken is nil unless the viewer owns the device.
type DeviceSummary struct {
	DeviceID    string  `json:"deviceId"`
	DeviceName  string  `json:"deviceName"`
	DeviceToken *string `json:"deviceToken"`
	Alive       bool    `json:"alive"`
	AliveAt     int64   `json:"aliveAt"`
}
