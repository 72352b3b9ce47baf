package signaling

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn returns a distinct, unconnected *websocket.Conn usable only as
// an identity token for the registry's bookkeeping, none of its methods
// are called in these tests.
func fakeConn() *websocket.Conn {
	return &websocket.Conn{}
}

func TestSinkRegistryDisplaceReturnsPrevious(t *testing.T) {
	r := newSinkRegistry()
	first := fakeConn()

	if prev := r.displaceSink(first); prev != nil {
		t.Fatalf("first displaceSink should have no previous, got %v", prev)
	}
	if r.currentSink() != first {
		t.Fatal("currentSink should be the just-displaced-in connection")
	}

	second := fakeConn()
	prev := r.displaceSink(second)
	if prev != first {
		t.Fatal("displaceSink should return the connection it replaced")
	}
	if r.currentSink() != second {
		t.Fatal("currentSink should now be the new connection")
	}
}

func TestSinkRegistryRemoveSinkOnlyClearsIfCurrent(t *testing.T) {
	r := newSinkRegistry()
	first := fakeConn()
	r.displaceSink(first)

	second := fakeConn()
	r.removeSink(second) // a stale reference; should not clear the real sink
	if !r.sinkConnected() {
		t.Fatal("removeSink with a non-current conn should not evict the current sink")
	}

	r.removeSink(first)
	if r.sinkConnected() {
		t.Fatal("removeSink with the current conn should evict it")
	}
}

func TestSinkRegistryObserverLifecycle(t *testing.T) {
	r := newSinkRegistry()

	id1, ch1 := r.addObserver()
	_, ch2 := r.addObserver()
	if r.observerCount() != 2 {
		t.Fatalf("observerCount = %d, want 2", r.observerCount())
	}

	r.broadcastToObservers([]byte("data: frame\n\n"))

	select {
	case got := <-ch1:
		if string(got) != "data: frame\n\n" {
			t.Fatalf("ch1 got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("ch1 never received the broadcast")
	}
	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatal("ch2 never received the broadcast")
	}

	r.removeObserver(id1)
	if r.observerCount() != 1 {
		t.Fatalf("observerCount after remove = %d, want 1", r.observerCount())
	}
	if _, ok := <-ch1; ok {
		t.Fatal("removed observer's channel should be closed")
	}
}

func TestBroadcastToObserversDoesNotBlockOnFullChannel(t *testing.T) {
	r := newSinkRegistry()
	_, ch := r.addObserver()

	// Fill the buffered channel (capacity 4 per addObserver) past capacity.
	for i := 0; i < 10; i++ {
		r.broadcastToObservers([]byte("x"))
	}

	count := 0
drain:
	for {
		select {
		case <-ch:
			count++
		default:
			break drain
		}
	}
	if count == 0 {
		t.Fatal("expected at least some frames to have been buffered")
	}
}

func TestSseDataRecordBase64Encodes(t *testing.T) {
	record := sseDataRecord([]byte{0xff, 0x00, 0x10})
	if string(record[:6]) != "data: " {
		t.Fatalf("record should start with %q, got %q", "data: ", record[:6])
	}
	if string(record) != "data: /wAQ\n\n" {
		t.Fatalf("record = %q, want base64 payload %q", record, "data: /wAQ\n\n")
	}
}
