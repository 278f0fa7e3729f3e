package publisher

import (
	"github.com/maxpert/pubsync/chain"
	"github.com/maxpert/pubsync/publication"
)

// FromChain builds the event describing a chain record
func FromChain(eventType string, info *chain.Info) ChainEvent {
	sources := make([]string, 0, len(info.ByOrder))
	for _, taskID := range info.ByOrder {
		sources = append(sources, info.SourceOf(taskID))
	}

	ts := info.SubmittedAt
	if eventType != EventSubmitted && !info.FinishedAt.IsZero() {
		ts = info.FinishedAt
	}

	return ChainEvent{
		Type:       eventType,
		Workspace:  info.Publication.Workspace,
		PubType:    string(info.Publication.Type),
		Name:       info.Publication.Name,
		UUID:       info.Publication.UUID,
		ChainID:    info.ID,
		Kind:       string(info.Kind),
		State:      string(info.State),
		Sources:    sources,
		FailedTask: info.FailedTask,
		Cause:      info.Cause,
		Timestamp:  ts.WallTime / 1_000_000,
		NodeID:     info.NodeID,
	}
}

// Deleted builds the event for a removed publication
func Deleted(pub publication.Publication, nodeID uint64, tsMillis int64) ChainEvent {
	return ChainEvent{
		Type:      EventDeleted,
		Workspace: pub.Workspace,
		PubType:   string(pub.Type),
		Name:      pub.Name,
		UUID:      pub.UUID,
		Kind:      string(publication.KindDelete),
		Timestamp: tsMillis,
		NodeID:    nodeID,
	}
}
