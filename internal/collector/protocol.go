package collector

import (
	"encoding/json"

	"github.com/pageflo/pflo/internal/collector/storage"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
)

type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

// Envelope is a Message as read by a client, with the payload left for
// decoding once the type is known.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SnapshotPayload struct {
	Beacons []storage.Beacon `json:"beacons"`
	Total   int64            `json:"total"`
}

type DeltaPayload struct {
	Beacons []storage.Beacon `json:"beacons"`
}
