package frame

import "encoding/json"

// AnnouncePayload is sent by observers right after the socket opens,
// and again after every reconnect.
type AnnouncePayload struct {
	ObserverID  string `json:"observer_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ControlRequestPayload asks the host for input control.
type ControlRequestPayload struct {
	ObserverID  string `json:"observer_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ControlGrantPayload names the observer now holding control. Every
// observer receives it; anyone whose id does not match has implicitly
// lost control.
type ControlGrantPayload struct {
	ObserverID string `json:"observer_id"`
}

// ControlRevokePayload withdraws control from an observer. Observers
// also send it host-ward with reason "observer-released" as a
// courtesy notice; the host is authoritative either way.
type ControlRevokePayload struct {
	ObserverID string `json:"observer_id"`
	Reason     string `json:"reason,omitempty"`
}

// MetadataPayload is the periodic session snapshot broadcast by the host.
type MetadataPayload struct {
	SessionID        string `json:"session_id"`
	Name             string `json:"name,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	CurrentModel     string `json:"current_model,omitempty"`
	ProviderID       string `json:"provider_id,omitempty"`
	Status           string `json:"status"`
	ObserverCount    int    `json:"observer_count"`
}

// ObserverEntry is one row of an ObserverList broadcast.
type ObserverEntry struct {
	ObserverID  string `json:"observer_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role"`
}

// ObserverListPayload carries the host's current observer registry.
type ObserverListPayload struct {
	Observers []ObserverEntry `json:"observers"`
}

// ShareClosePayload tells observers the share is over.
type ShareClosePayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// MustJSON marshals v, panicking on error. Only used for payload
// structs whose marshaling cannot fail.
func MustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
