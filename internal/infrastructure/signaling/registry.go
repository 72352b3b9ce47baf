package signaling

import (
	"encoding/base64"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sinkRegistry is the SinkRegistry entity: a singleton WebSocket sink plus
// an unordered set of SSE observers, mutated on connect/disconnect and
// consulted on every broadcast. All methods are safe for concurrent use;
// a slow SSE observer's write is isolated from the others and from the
// WebSocket sink.
type sinkRegistry struct {
	mu sync.Mutex

	wsConn *websocket.Conn
	wsMu   *sync.Mutex // guards writes to wsConn specifically

	observers map[string]chan []byte
}

func newSinkRegistry() *sinkRegistry {
	return &sinkRegistry{
		wsMu:      &sync.Mutex{},
		observers: make(map[string]chan []byte),
	}
}

// closeGoingAway is the close frame sent to a sink being displaced by a
// new connection.
const closeGoingAway = websocket.CloseGoingAway

// displaceSink installs a new WebSocket sink and returns the previous one
// (if any); it sends nothing itself. The caller sends the returned sink a
// "going away" close frame so it does not mistake the takeover for a
// server crash.
func (r *sinkRegistry) displaceSink(conn *websocket.Conn) (previous *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous = r.wsConn
	r.wsConn = conn
	return previous
}

// removeSink clears the sink slot if it still refers to conn (a later
// connection may have already displaced it).
func (r *sinkRegistry) removeSink(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wsConn == conn {
		r.wsConn = nil
	}
}

func (r *sinkRegistry) currentSink() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wsConn
}

func (r *sinkRegistry) sinkConnected() bool {
	return r.currentSink() != nil
}

// addObserver registers a new SSE observer and returns its id plus the
// channel the SSE handler should drain.
func (r *sinkRegistry) addObserver() (id string, ch chan []byte) {
	id = uuid.NewString()
	ch = make(chan []byte, 4)
	r.mu.Lock()
	r.observers[id] = ch
	r.mu.Unlock()
	return id, ch
}

func (r *sinkRegistry) removeObserver(id string) {
	r.mu.Lock()
	ch, ok := r.observers[id]
	delete(r.observers, id)
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (r *sinkRegistry) observerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// broadcastToObservers non-blockingly fans a pre-rendered SSE "data:"
// record out to every observer; a full observer channel drops the frame
// for that observer rather than blocking the broadcaster, isolating slow
// sinks from each other.
func (r *sinkRegistry) broadcastToObservers(record []byte) {
	r.mu.Lock()
	chans := make([]chan []byte, 0, len(r.observers))
	for _, ch := range r.observers {
		chans = append(chans, ch)
	}
	r.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- record:
		default:
		}
	}
}

// sseDataRecord renders a JPEG payload as a base64 SSE "data:" record.
func sseDataRecord(jpg []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(jpg)
	return []byte("data: " + encoded + "\n\n")
}
