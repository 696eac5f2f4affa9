package entities

import "time"

// Field names understood by the device store.
const (
	FieldLastIP            = "last_ip"
	FieldLastCommunication = "last_communication_at"
)

// DeviceMeta carries the communication state a device reports with each batch.
type DeviceMeta struct {
	DeviceID          ID
	LastIP            string
	LastCommunication time.Time
	Extra             map[string]any
}

// Fields flattens the metadata into the column map forwarded to the device
// store. Extra attributes pass through unchanged.
func (m DeviceMeta) Fields() map[string]any {
	out := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.LastIP != "" {
		out[FieldLastIP] = m.LastIP
	}
	if !m.LastCommunication.IsZero() {
		out[FieldLastCommunication] = m.LastCommunication
	}
	return out
}
