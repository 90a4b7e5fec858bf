package relay

// Message is the relay wire envelope. Body is opaque to the relay: parties
// seal it with the session encryption key before it ever leaves the device.
// Hash identifies the envelope for dedup and deletion; SequenceNo preserves
// the sender's ordering across polls.
//
// MessageID scopes an envelope to one signed hash when a session signs
// several. It travels in the message_id header, never in the JSON body.
type Message struct {
	SessionID  string   `json:"session_id,omitempty"`
	From       string   `json:"from,omitempty"`
	To         []string `json:"to,omitempty"`
	Body       string   `json:"body,omitempty"`
	Hash       string   `json:"hash,omitempty"`
	SequenceNo int64    `json:"sequence_no,omitempty"`
	MessageID  string   `json:"-"`
}
