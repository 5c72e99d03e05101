package tui

import (
	"context"
	"testing"
	"time"

	"github.com/gardenerd/gardenerd/internal/bus"
)

func TestWatchBus_MirrorsStateChanges(t *testing.T) {
	b := bus.New()
	feed := NewActivityFeed()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go WatchBus(ctx, b, feed)

	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: "t1", OldStatus: "ready", NewStatus: "leased",
	})

	deadline := time.After(time.Second)
	for {
		if feed.Len() == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for feed to observe state change")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestIconForStatus(t *testing.T) {
	cases := map[string]bool{
		"complete":    true,
		"failed":      true,
		"unresolved":  true,
		"in_progress": false,
	}
	for status, wantTerminal := range cases {
		_, terminal := iconForStatus(status)
		if terminal != wantTerminal {
			t.Errorf("iconForStatus(%q) terminal = %v, want %v", status, terminal, wantTerminal)
		}
	}
}
