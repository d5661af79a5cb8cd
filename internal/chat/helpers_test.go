package chat

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport records sends in memory. onSend, when set, replaces the
// default recording behavior.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	onSend  func(payload []byte) error

	inbound   chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan string, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Send(payload []byte) error {
	if f.onSend != nil {
		return f.onSend(payload)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Receive() (string, error) {
	select {
	case s, ok := <-f.inbound:
		if !ok {
			return "", io.EOF
		}
		return s, nil
	case <-f.closed:
		return "", ErrTransportClosed
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) payloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type wireEvent struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

func (f *fakeTransport) events(t *testing.T) []wireEvent {
	t.Helper()
	var out []wireEvent
	for _, p := range f.payloads() {
		var ev wireEvent
		require.NoError(t, json.Unmarshal(p, &ev))
		out = append(out, ev)
	}
	return out
}

// waitForEvents blocks until f has received at least n events.
func waitForEvents(t *testing.T, f *fakeTransport, n int) []wireEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.payloads()) >= n
	}, time.Second, 5*time.Millisecond, "expected %d events", n)
	return f.events(t)
}

func newTestClient(username string) (*Client, *fakeTransport) {
	ft := newFakeTransport()
	return NewClient(username, ft), ft
}
