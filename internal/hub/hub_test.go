package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/launchchat/internal/logging"
)

type countingRecorder struct {
	mu        sync.Mutex
	events    map[string]int
	delivered int
	stalls    int
}

func (r *countingRecorder) Broadcast(eventType string, delivered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string]int{}
	}
	r.events[eventType]++
	r.delivered += delivered
}

func (r *countingRecorder) DeliveryStall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stalls++
}

func newTestHub(opts ...Option) (*Hub, *Registry) {
	reg := NewRegistry()
	return New(reg, logging.Discard(), opts...), reg
}

func drain(o *Outbound) []Event {
	var events []Event
	for {
		select {
		case frame, ok := <-o.C():
			if !ok {
				return events
			}
			var ev Event
			if err := json.Unmarshal(frame, &ev); err == nil {
				events = append(events, ev)
			}
		default:
			return events
		}
	}
}

func TestPublishReachesOnlyAuthenticatedConnections(t *testing.T) {
	h, reg := newTestHub()

	authed := NewOutbound(8)
	anon := NewOutbound(8)
	_, _ = reg.Register("a", authed)
	_, _ = reg.Register("anon", anon)
	_, _ = reg.Authenticate("a", alice)

	n, err := h.Publish(PresenceEvent(true, bob))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := drain(authed)
	require.Len(t, got, 1)
	assert.Equal(t, TypeUserOnline, got[0].Type)
	assert.Equal(t, map[string]any{"id": "2", "username": "bob"}, got[0].Data)

	assert.Empty(t, drain(anon))
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	h, reg := newTestHub()
	out := NewOutbound(128)
	_, _ = reg.Register("a", out)
	_, _ = reg.Authenticate("a", alice)

	for i := 0; i < 100; i++ {
		_, err := h.Publish(MessageEvent(map[string]any{"id": i}))
		require.NoError(t, err)
	}

	got := drain(out)
	require.Len(t, got, 100)
	for i, ev := range got {
		data := ev.Data.(map[string]any)
		assert.Equal(t, float64(i), data["id"])
	}
}

func TestPublishClosesStalledConnectionWithoutAffectingOthers(t *testing.T) {
	rec := &countingRecorder{}
	var stalled []string
	var closedAtStall bool
	slow := NewOutbound(2)
	h, reg := newTestHub(WithRecorder(rec), WithStallHandler(func(connID string) {
		stalled = append(stalled, connID)
		closedAtStall = slow.Closed()
	}))

	fast := NewOutbound(16)
	_, _ = reg.Register("slow", slow)
	_, _ = reg.Register("fast", fast)
	_, _ = reg.Authenticate("slow", alice)
	_, _ = reg.Authenticate("fast", bob)

	for i := 0; i < 5; i++ {
		_, err := h.Publish(MessageEvent(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	assert.True(t, slow.Closed())
	assert.False(t, fast.Closed())
	assert.Equal(t, []string{"slow"}, stalled)
	assert.False(t, closedAtStall, "stall handler must run before the queue closes")
	assert.Equal(t, 1, rec.stalls)
	assert.Equal(t, 5+2, rec.delivered)

	assert.Len(t, drain(fast), 5)
	// Frames queued before the stall are still drained in order.
	got := drain(slow)
	require.Len(t, got, 2)
	assert.Equal(t, "m0", got[0].Data)
	assert.Equal(t, "m1", got[1].Data)
}

func TestSendToSingleConnection(t *testing.T) {
	h, reg := newTestHub()
	target := NewOutbound(4)
	other := NewOutbound(4)
	_, _ = reg.Register("target", target)
	_, _ = reg.Register("other", other)

	require.NoError(t, h.SendTo("target", AuthenticatedEvent(alice)))

	got := drain(target)
	require.Len(t, got, 1)
	assert.Equal(t, TypeAuthenticated, got[0].Type)
	assert.Empty(t, drain(other))

	assert.ErrorIs(t, h.SendTo("ghost", ErrorEvent("x")), ErrUnknownConnection)
}

func TestPublishRejectsUnencodableEvent(t *testing.T) {
	h, _ := newTestHub()
	_, err := h.Publish(Event{Type: TypeMessage, Data: make(chan int)})
	assert.Error(t, err)
}

func TestConcurrentPublishAndRegistration(t *testing.T) {
	h, reg := newTestHub()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			_, _ = reg.Register(connID, NewOutbound(64))
			_, _ = reg.Authenticate(connID, alice)
			_, _ = reg.Unregister(connID)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := h.Publish(MessageEvent(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Count())
}
