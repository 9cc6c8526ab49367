package monitor

import (
	"MarginEngine/internal/domain/models"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const positionEventSubjects = "engine.positions.*"

type positionEvent struct {
	Kind     string          `json:"kind"`
	Position models.Position `json:"position"`
}

// SubscribePositionEvents keeps the index current from the engine stream:
// opens and adjusts refresh the snapshot (and its last-known version), closes
// and liquidations drop it.
func (m *Monitor) SubscribePositionEvents(nc *nats.Conn) (*nats.Subscription, error) {
	const op = "monitor.SubscribePositionEvents"
	sub, err := nc.Subscribe(positionEventSubjects, func(msg *nats.Msg) {
		var evt positionEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			m.log.Error("invalid position event", "op", op, "err", err)
			return
		}
		m.index.Put(evt.Position)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}
