package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(h *Handle) <-chan string {
	ch := make(chan string, 16)
	h.OnMessage(func(payload []byte) {
		ch <- string(payload)
	})
	return ch
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridge message")
		return ""
	}
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "room-42-events", ChannelName(42))
}

func TestExchange_DeliversToSiblings(t *testing.T) {
	ex := NewExchange()

	primary := ex.Open(42)
	defer primary.Close()
	secondary := ex.Open(42)
	defer secondary.Close()

	got := collect(secondary)

	primary.Publish([]byte(`{"eventType":"USER_DEQUEUED"}`))
	assert.JSONEq(t, `{"eventType":"USER_DEQUEUED"}`, recv(t, got))
}

func TestExchange_NoSelfDelivery(t *testing.T) {
	ex := NewExchange()

	h := ex.Open(42)
	defer h.Close()

	got := collect(h)
	h.Publish([]byte(`{"eventType":"USER_DEQUEUED"}`))

	select {
	case payload := <-got:
		t.Fatalf("publisher received its own message: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExchange_ScopedByRoom(t *testing.T) {
	ex := NewExchange()

	room42 := ex.Open(42)
	defer room42.Close()
	room43 := ex.Open(43)
	defer room43.Close()
	sibling42 := ex.Open(42)
	defer sibling42.Close()

	other := collect(room43)
	sibling := collect(sibling42)

	room42.Publish([]byte(`{"eventType":"QUEUE_STATUS_UPDATE"}`))

	assert.JSONEq(t, `{"eventType":"QUEUE_STATUS_UPDATE"}`, recv(t, sibling))
	select {
	case payload := <-other:
		t.Fatalf("message leaked across rooms: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExchange_MultipleReceivers(t *testing.T) {
	ex := NewExchange()

	pub := ex.Open(42)
	defer pub.Close()

	var chans []<-chan string
	for i := 0; i < 3; i++ {
		h := ex.Open(42)
		defer h.Close()
		chans = append(chans, collect(h))
	}

	pub.Publish([]byte(`{"n":1}`))
	for _, ch := range chans {
		assert.JSONEq(t, `{"n":1}`, recv(t, ch))
	}
}

func TestHandle_CloseIdempotent(t *testing.T) {
	ex := NewExchange()
	h := ex.Open(42)

	h.Close()
	h.Close()
	h.Close()

	// Publishing after close is a silent no-op.
	h.Publish([]byte(`{}`))
}

func TestHandle_ClosedHandleStopsReceiving(t *testing.T) {
	ex := NewExchange()

	pub := ex.Open(42)
	defer pub.Close()
	sub := ex.Open(42)
	got := collect(sub)

	pub.Publish([]byte(`{"n":1}`))
	require.JSONEq(t, `{"n":1}`, recv(t, got))

	sub.Close()
	pub.Publish([]byte(`{"n":2}`))

	select {
	case payload := <-got:
		t.Fatalf("closed handle received message: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNilExchange_NoOpHandle(t *testing.T) {
	// Runtime without bridge support: every operation is a safe no-op.
	var ex *Exchange

	h := ex.Open(42)
	require.NotNil(t, h)

	h.OnMessage(func([]byte) { t.Fatal("no-op handle must never deliver") })
	h.Publish([]byte(`{}`))
	h.Close()
	h.Close()
}

func TestZeroValueHandle_NoOp(t *testing.T) {
	var h Handle
	h.Publish([]byte(`{}`))
	h.OnMessage(func([]byte) {})
	h.Close()
}
