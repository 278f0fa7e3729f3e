package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/publisher"
	"github.com/rs/zerolog/log"
)

// EnvelopeTransformer wraps events in a change-data envelope with a
// schema section, so CDC consumers can treat publications like rows.
//
// The op field maps the mutation kind: post "c", patch "u", delete "d".
// "before" is always null; "after" carries the chain state, or null for
// deleted publications.
type EnvelopeTransformer struct {
	connectorName string
	schema        *envelopeSchema
}

func NewEnvelopeTransformer() *EnvelopeTransformer {
	return &EnvelopeTransformer{
		connectorName: "pubsync",
		schema:        buildEnvelopeSchema(),
	}
}

type envelopeSchema struct {
	Type   string        `json:"type"`
	Name   string        `json:"name"`
	Fields []schemaField `json:"fields"`
}

type schemaField struct {
	Field    string        `json:"field"`
	Type     string        `json:"type"`
	Optional bool          `json:"optional,omitempty"`
	Name     string        `json:"name,omitempty"`
	Items    *schemaField  `json:"items,omitempty"`
	Fields   []schemaField `json:"fields,omitempty"`
}

type envelopeMessage struct {
	Schema  *envelopeSchema `json:"schema"`
	Payload envelopePayload `json:"payload"`
}

type envelopePayload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source envelopeSource `json:"source"`
}

type envelopeSource struct {
	Connector string `json:"connector"`
	Workspace string `json:"workspace"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	NodeID    uint64 `json:"node_id"`
	Seq       uint64 `json:"seq"`
}

// Transform renders one event
func (e *EnvelopeTransformer) Transform(event publisher.ChainEvent) ([]byte, error) {
	var after map[string]any
	if event.Type != publisher.EventDeleted {
		after = map[string]any{
			"name":     event.Name,
			"uuid":     event.UUID.String(),
			"chain_id": event.ChainID,
			"state":    event.State,
			"sources":  event.Sources,
		}
		if event.FailedTask != "" {
			after["failed_task"] = event.FailedTask
			after["cause"] = event.Cause
		}
	}

	msg := envelopeMessage{
		Schema: e.schema,
		Payload: envelopePayload{
			After: after,
			Op:    e.mapOperation(event),
			TsMs:  event.Timestamp,
			Source: envelopeSource{
				Connector: e.connectorName,
				Workspace: event.Workspace,
				Type:      event.PubType,
				Event:     event.Type,
				NodeID:    event.NodeID,
				Seq:       event.SeqNum,
			},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

func (e *EnvelopeTransformer) mapOperation(event publisher.ChainEvent) string {
	if event.Type == publisher.EventDeleted {
		return "d"
	}
	switch publication.Kind(event.Kind) {
	case publication.KindPost:
		return "c"
	case publication.KindPatch:
		return "u"
	case publication.KindDelete:
		return "d"
	default:
		log.Warn().Str("kind", event.Kind).Msg("Unknown mutation kind, defaulting to update")
		return "u"
	}
}

func buildEnvelopeSchema() *envelopeSchema {
	value := []schemaField{
		{Field: "name", Type: "string"},
		{Field: "uuid", Type: "string"},
		{Field: "chain_id", Type: "string"},
		{Field: "state", Type: "string"},
		{Field: "sources", Type: "array", Items: &schemaField{Type: "string"}},
		{Field: "failed_task", Type: "string", Optional: true},
		{Field: "cause", Type: "string", Optional: true},
	}

	return &envelopeSchema{
		Type: "struct",
		Name: "pubsync.publication.Envelope",
		Fields: []schemaField{
			{Field: "before", Type: "struct", Optional: true, Name: "pubsync.publication.Value", Fields: value},
			{Field: "after", Type: "struct", Optional: true, Name: "pubsync.publication.Value", Fields: value},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{Field: "source", Type: "struct", Name: "pubsync.Source", Fields: []schemaField{
				{Field: "connector", Type: "string"},
				{Field: "workspace", Type: "string"},
				{Field: "type", Type: "string"},
				{Field: "event", Type: "string"},
				{Field: "node_id", Type: "int64"},
				{Field: "seq", Type: "int64"},
			}},
		},
	}
}
