// Package notify fans job lifecycle events out to external brokers.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/docintake/internal/queue"
)

const (
	source         = "docintake"
	publishTimeout = 2 * time.Second
)

// Envelope is the JSON body published for every job event.
type Envelope struct {
	Source string `json:"source"`
	queue.Event
}

func encode(ev queue.Event) ([]byte, error) {
	return json.Marshal(Envelope{Source: source, Event: ev})
}

// publishContext survives cancellation of ctx and expires after publishTimeout.
func publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
}
