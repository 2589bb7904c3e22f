package types

// ClientMessage is what a subscriber may send over the websocket. Only
// heartbeats come this way; everything with server-side consequences goes
// through the http api.
type ClientMessage struct {
	Type string `json:"type"` // "heartbeat"
}

type ErrorMessage struct {
	Type  string `json:"type"` // always "error"
	Error string `json:"error"`
}
