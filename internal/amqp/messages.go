package amqp

import (
	"encoding/json"
	"time"
)

// EntityCommittedMessage announces a new committed version of an account or transaction.
// It only names the entity; consumers read the group state from the store.
type EntityCommittedMessage struct {
	GroupID   int64     `json:"group_id"`
	Kind      string    `json:"kind"`
	EntityID  int64     `json:"entity_id"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEntityCommittedMessage(groupID int64, kind string, entityID, version int64) *EntityCommittedMessage {
	return &EntityCommittedMessage{
		GroupID:   groupID,
		Kind:      kind,
		EntityID:  entityID,
		Version:   version,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *EntityCommittedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func EntityCommittedMessageFromJSON(data []byte) (*EntityCommittedMessage, error) {
	var msg EntityCommittedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
