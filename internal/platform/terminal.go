package platform

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// TTYTerminal is the production Terminal: stdin/stdout with isatty detection.
// Key polling runs a background reader goroutine so PollKey can honor a
// timeout without blocking forever on os.Stdin.Read.
type TTYTerminal struct {
	mu      sync.Mutex
	keys    chan Key
	started bool
}

func NewTTYTerminal() *TTYTerminal {
	return &TTYTerminal{keys: make(chan Key, 16)}
}

func (t *TTYTerminal) IsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func (t *TTYTerminal) ensureReader() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	go func() {
		reader := bufio.NewReader(os.Stdin)
		for {
			r, _, err := reader.ReadRune()
			if err != nil {
				return
			}
			select {
			case t.keys <- Key{Rune: r}:
			default:
			}
		}
	}()
}

func (t *TTYTerminal) PollKey(timeout time.Duration) (Key, bool) {
	if !t.IsTTY() {
		return Key{}, false
	}
	t.ensureReader()
	select {
	case k := <-t.keys:
		return k, true
	case <-time.After(timeout):
		return Key{}, false
	}
}

func (t *TTYTerminal) WriteLine(line string) {
	fmt.Fprintln(os.Stdout, line)
}

func (t *TTYTerminal) DrawStatus(lines []string) {
	for _, l := range lines {
		fmt.Fprintln(os.Stdout, l)
	}
}

// FakeTerminal is a deterministic Terminal for tests: keys are pre-enqueued
// and every drawn frame is recorded for assertions.
type FakeTerminal struct {
	mu     sync.Mutex
	tty    bool
	keys   []Key
	lines  []string
	frames [][]string
}

func NewFakeTerminal(tty bool) *FakeTerminal {
	return &FakeTerminal{tty: tty}
}

func (f *FakeTerminal) EnqueueKey(k Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, k)
}

func (f *FakeTerminal) IsTTY() bool { return f.tty }

func (f *FakeTerminal) PollKey(time.Duration) (Key, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.keys) == 0 {
		return Key{}, false
	}
	k := f.keys[0]
	f.keys = f.keys[1:]
	return k, true
}

func (f *FakeTerminal) WriteLine(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
}

func (f *FakeTerminal) DrawStatus(lines []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]string, len(lines))
	copy(cp, lines)
	f.frames = append(f.frames, cp)
}

func (f *FakeTerminal) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *FakeTerminal) Frames() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.frames...)
}
