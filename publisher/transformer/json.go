// Package transformer encodes chain events for sinks.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/pubsync/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return JSONTransformer{}
	})
	publisher.RegisterTransformer("envelope", func() publisher.Transformer {
		return NewEnvelopeTransformer()
	})
}

// JSONTransformer emits the event as a flat JSON object
type JSONTransformer struct{}

func (JSONTransformer) Transform(event publisher.ChainEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}
