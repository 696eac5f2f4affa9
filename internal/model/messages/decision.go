package messages

import (
	"time"

	"github.com/cropsense/cropsense/internal/model/entities"
)

// DecisionEvent is published after each ingested batch.
type DecisionEvent struct {
	DeviceID  entities.ID             `json:"device_id"`
	Irrigate  bool                    `json:"irrigate"`
	Status    entities.DecisionStatus `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
}
