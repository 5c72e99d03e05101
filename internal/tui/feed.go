package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/gardenerd/gardenerd/internal/bus"
)

// WatchBus subscribes to task lifecycle events on b and mirrors them into
// feed as ActivityItems, until ctx is canceled.
func WatchBus(ctx context.Context, b *bus.Bus, feed *ActivityFeed) {
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			applyEvent(feed, ev)
		}
	}
}

func applyEvent(feed *ActivityFeed, ev bus.Event) {
	change, ok := ev.Payload.(bus.TaskStateChangedEvent)
	if !ok {
		return
	}
	icon, terminal := iconForStatus(change.NewStatus)
	if terminal {
		feed.Complete(change.TaskID, icon, 0)
		return
	}
	feed.Add(ActivityItem{
		ID:        change.TaskID,
		Icon:      icon,
		Message:   fmt.Sprintf("%s: %s -> %s", change.TaskID, change.OldStatus, change.NewStatus),
		StartedAt: time.Now(),
	})
}

func iconForStatus(status string) (icon string, terminal bool) {
	switch status {
	case "complete":
		return "✓", true
	case "failed":
		return "✗", true
	case "unresolved":
		return "⏸", true
	default:
		return "⟳", false
	}
}
