package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgnsrekt/tabmix/internal/tabaudio"
)

// EventTabs is the SSE event name carrying a snapshot.
const EventTabs = "tabs"

// Publisher is a registry observer that encodes every snapshot once and
// publishes it to the broker.
type Publisher struct {
	broker *Broker
}

func NewPublisher(b *Broker) *Publisher {
	return &Publisher{broker: b}
}

// TabsUpdated implements tabaudio.Observer.
func (p *Publisher) TabsUpdated(snap *tabaudio.Snapshot) error {
	evt, err := snapshotEvent(snap)
	if err != nil {
		return err
	}
	if dropped := p.broker.Publish(evt); dropped > 0 {
		slog.Debug("stream slow clients dropped snapshot", "version", snap.Version(), "dropped", dropped)
	}
	return nil
}

func snapshotEvent(snap *tabaudio.Snapshot) (Event, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return Event{}, fmt.Errorf("stream: encode snapshot: %w", err)
	}
	return Event{Name: EventTabs, Version: snap.Version(), Payload: payload}, nil
}
