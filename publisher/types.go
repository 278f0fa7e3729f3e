package publisher

import "github.com/google/uuid"

// Event types recorded in the publish log
const (
	EventSubmitted = "submitted"
	EventFinalized = "finalized"
	EventDeleted   = "deleted"
)

// ChainEvent is one lifecycle event of a publication's refresh chain
type ChainEvent struct {
	SeqNum     uint64    `json:"seq"`
	Type       string    `json:"type"`
	Workspace  string    `json:"workspace"`
	PubType    string    `json:"publication_type"`
	Name       string    `json:"name"`
	UUID       uuid.UUID `json:"uuid"`
	ChainID    string    `json:"chain_id,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	State      string    `json:"state,omitempty"`
	Sources    []string  `json:"sources,omitempty"`
	FailedTask string    `json:"failed_task,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	Timestamp  int64     `json:"ts_ms"`
	NodeID     uint64    `json:"node_id"`
}

// Key is the partition key for sinks; all events of one publication share it
func (e ChainEvent) Key() string {
	return e.Workspace + "/" + e.PubType + "/" + e.Name
}

// Sink represents a destination for chain events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts chain events to sink-specific formats
type Transformer interface {
	Transform(event ChainEvent) ([]byte, error)
}

// Filter determines whether an event should be published
type Filter interface {
	Match(workspace, pubType string) bool
}
