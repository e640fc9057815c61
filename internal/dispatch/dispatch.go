// Package dispatch delivers updates to riders: JSON frames over websockets
// and proximity alerts over websockets or push notifications.
package dispatch

const (
	FrameLiveShares     = "live_shares"
	FrameSightings      = "sightings"
	FrameProximityAlert = "proximity_alert"
	FrameSighting       = "sighting"
	FrameEvent          = "event"
	FrameError          = "error"
)

// Frame is the envelope of every server to client websocket message.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
