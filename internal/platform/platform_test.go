package platform

import (
	"context"
	"testing"
	"time"
)

func TestFakeClock_AdvancesExplicitly(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	if !c.Now().Equal(start) {
		t.Fatalf("now = %v, want %v", c.Now(), start)
	}
	c.Sleep(5 * time.Second)
	if want := start.Add(5 * time.Second); !c.Now().Equal(want) {
		t.Fatalf("now after sleep = %v, want %v", c.Now(), want)
	}
}

func TestFakeFilesystem_WriteReadRemove(t *testing.T) {
	fs := NewFakeFilesystem()
	if fs.Exists("/a/b.txt") {
		t.Fatal("expected nonexistent file to report absent")
	}
	if err := fs.WriteFile("/a/b.txt", []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !fs.Exists("/a/b.txt") {
		t.Fatal("expected file to exist after write")
	}
	got, err := fs.ReadFile("/a/b.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("read = %q, %v", got, err)
	}
	if err := fs.RemoveFile("/a/b.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if fs.Exists("/a/b.txt") {
		t.Fatal("expected file gone after remove")
	}
}

func TestFakeProcessRunner_ServesFIFO(t *testing.T) {
	runner := NewFakeProcessRunner(
		FakeProcessResponse{
			Lines:  [][]byte{[]byte(`{"type":"a"}`)},
			Result: ProcessResult{ExitCode: 0},
		},
		FakeProcessResponse{
			Lines:  [][]byte{[]byte(`{"type":"b"}`)},
			Result: ProcessResult{ExitCode: 1},
		},
	)

	for i, want := range []string{`{"type":"a"}`, `{"type":"b"}`} {
		h, err := runner.Spawn(context.Background(), ProcessRequest{Program: "fake"})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		var got string
		res, err := h.Wait(context.Background(), func(line []byte) { got = string(line) })
		if err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("call %d line = %q, want %q", i, got, want)
		}
		if i == 1 && res.ExitCode != 1 {
			t.Fatalf("exit code = %d, want 1", res.ExitCode)
		}
	}

	if _, err := runner.Spawn(context.Background(), ProcessRequest{Program: "fake"}); err == nil {
		t.Fatal("expected exhausted fake runner to error")
	}
}

func TestFakeTerminal_KeysAndFrames(t *testing.T) {
	term := NewFakeTerminal(true)
	term.EnqueueKey(Key{Rune: 'q'})

	k, ok := term.PollKey(time.Millisecond)
	if !ok || k.Rune != 'q' {
		t.Fatalf("poll key = %+v, %v", k, ok)
	}
	if _, ok := term.PollKey(time.Millisecond); ok {
		t.Fatal("expected no key after queue drained")
	}

	term.DrawStatus([]string{"line1", "line2"})
	frames := term.Frames()
	if len(frames) != 1 || len(frames[0]) != 2 {
		t.Fatalf("frames = %+v", frames)
	}
}
