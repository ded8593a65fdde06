package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lorenzodonini/ocpp-go/ocpp"
)

const (
	// DefaultCallTimeout bounds the wait for a CALLRESULT or CALLERROR.
	DefaultCallTimeout = 60 * time.Second

	controlWriteWait = 10 * time.Second
)

// InboundCall is a CS-initiated CALL delivered to the command dispatcher.
type InboundCall struct {
	MessageID string
	Action    string
	Payload   json.RawMessage
}

// CloseEvent reports the WebSocket closing, with the close code when known.
type CloseEvent struct {
	Code int
	Err  error
}

type callOutcome struct {
	payload json.RawMessage
	err     *Error
}

type pendingCall struct {
	ch chan callOutcome
}

// Transport owns the WebSocket toward the Central System. It frames and
// correlates OCPP-J messages, buffers outbound requests while disconnected,
// and enforces the boot gate: before the station is registered only
// BootNotification may traverse the socket.
type Transport struct {
	logPrefix  string
	registered func() bool

	mu         sync.Mutex
	conn       *websocket.Conn
	open       bool
	localClose bool
	queue      [][]byte

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	callTimeout time.Duration

	calls  chan InboundCall
	closed chan CloseEvent
}

// NewTransport creates a transport for one station. The registered predicate
// backs the boot-gate admission check and must not be nil.
func NewTransport(logPrefix string, registered func() bool) *Transport {
	return &Transport{
		logPrefix:   logPrefix,
		registered:  registered,
		pending:     make(map[string]*pendingCall),
		callTimeout: DefaultCallTimeout,
		calls:       make(chan InboundCall, 16),
		closed:      make(chan CloseEvent, 4),
	}
}

// SetCallTimeout overrides the RPC response timeout.
func (t *Transport) SetCallTimeout(d time.Duration) {
	t.callTimeout = d
}

// Calls returns the channel of inbound CS-initiated calls. The channel is
// never closed; it survives reconnects.
func (t *Transport) Calls() <-chan InboundCall {
	return t.calls
}

// Closed returns the channel of socket close events.
func (t *Transport) Closed() <-chan CloseEvent {
	return t.closed
}

// IsOpen reports whether the WebSocket is currently open.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// QueueLength returns the number of frames buffered while disconnected.
func (t *Transport) QueueLength() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Connect dials the Central System with the ocpp1.6 subprotocol. A zero
// handshake timeout disables the handshake deadline.
func (t *Transport) Connect(wsURL string, handshakeTimeout time.Duration) error {
	t.mu.Lock()
	if t.open {
		t.mu.Unlock()
		return fmt.Errorf("websocket already open")
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{OCPP16Subprotocol},
	}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetPongHandler(func(string) error {
		return nil
	})

	t.mu.Lock()
	t.conn = conn
	t.open = true
	t.localClose = false
	t.mu.Unlock()

	go t.readPump(conn)
	return nil
}

// Close performs a normal closure of the WebSocket. The resulting close event
// is reported with code 1000 regardless of what the read loop observes.
func (t *Transport) Close() {
	t.mu.Lock()
	conn := t.conn
	t.localClose = true
	t.mu.Unlock()
	if conn == nil {
		return
	}
	deadline := time.Now().Add(controlWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}

// Ping issues an RFC 6455 ping control frame.
func (t *Transport) Ping() error {
	t.mu.Lock()
	conn := t.conn
	open := t.open
	t.mu.Unlock()
	if !open || conn == nil {
		return fmt.Errorf("websocket not open")
	}
	return conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(controlWriteWait))
}

// SendRequest sends a CALL and blocks until the correlated CALLRESULT,
// CALLERROR, or the RPC timeout. While the socket is closed or the station is
// unregistered, non-BootNotification frames are buffered in FIFO order and
// the caller is rejected with a GenericError; BootNotification is never
// buffered.
func (t *Transport) SendRequest(req ocpp.Request) (json.RawMessage, error) {
	action := req.GetFeatureName()
	messageID := uuid.NewString()
	frame, err := MarshalCall(messageID, action, req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s call: %w", action, err)
	}

	t.mu.Lock()
	admitted := t.open && (action == BootNotificationAction || t.registered())
	if !admitted {
		if action == BootNotificationAction {
			t.mu.Unlock()
			return nil, NewError(GenericError, "WebSocket closed, cannot send "+action, nil)
		}
		t.enqueueLocked(frame)
		t.mu.Unlock()
		return nil, NewError(GenericError, "message buffered: "+action, nil)
	}
	t.mu.Unlock()

	pc := &pendingCall{ch: make(chan callOutcome, 1)}
	t.pendingMu.Lock()
	t.pending[messageID] = pc
	t.pendingMu.Unlock()

	if err := t.writeFrame(frame); err != nil {
		t.removePending(messageID)
		t.mu.Lock()
		t.enqueueLocked(frame)
		t.mu.Unlock()
		log.Printf("%s send %s failed, frame buffered: %v", t.logPrefix, action, err)
		return nil, NewError(GenericError, "message buffered: "+action, nil)
	}

	select {
	case out := <-pc.ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.payload, nil
	case <-time.After(t.callTimeout):
		t.removePending(messageID)
		return nil, NewError(GenericError, fmt.Sprintf("Timeout for message id %s", messageID), nil)
	}
}

// SendCallResult replies to a CS-initiated call.
func (t *Transport) SendCallResult(messageID string, payload interface{}) error {
	frame, err := MarshalCallResult(messageID, payload)
	if err != nil {
		return fmt.Errorf("marshal call result: %w", err)
	}
	return t.writeFrame(frame)
}

// SendCallError replies to a CS-initiated call with a CALLERROR.
func (t *Transport) SendCallError(messageID string, code ErrorCode, description string, details interface{}) error {
	frame, err := MarshalCallError(messageID, code, description, details)
	if err != nil {
		return fmt.Errorf("marshal call error: %w", err)
	}
	return t.writeFrame(frame)
}

// DrainQueue sends the frames buffered while disconnected, in insertion
// order, removing each as it goes out. It returns the number of frames sent.
func (t *Transport) DrainQueue() int {
	sent := 0
	for {
		t.mu.Lock()
		if !t.open || len(t.queue) == 0 {
			t.mu.Unlock()
			return sent
		}
		frame := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		if err := t.writeFrame(frame); err != nil {
			log.Printf("%s drain stopped, re-buffering frame: %v", t.logPrefix, err)
			t.mu.Lock()
			t.queue = append([][]byte{frame}, t.queue...)
			t.mu.Unlock()
			return sent
		}
		sent++
	}
}

// enqueueLocked appends the frame unless an identical frame is already
// queued. Caller holds t.mu.
func (t *Transport) enqueueLocked(frame []byte) {
	for _, queued := range t.queue {
		if bytes.Equal(queued, frame) {
			return
		}
	}
	t.queue = append(t.queue, frame)
}

func (t *Transport) writeFrame(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	open := t.open
	t.mu.Unlock()
	if !open || conn == nil {
		return fmt.Errorf("websocket not open")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *Transport) removePending(messageID string) {
	t.pendingMu.Lock()
	delete(t.pending, messageID)
	t.pendingMu.Unlock()
}

func (t *Transport) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			t.mu.Lock()
			if t.localClose {
				code = websocket.CloseNormalClosure
			}
			t.open = false
			t.conn = nil
			t.mu.Unlock()
			select {
			case t.closed <- CloseEvent{Code: code, Err: err}:
			default:
				log.Printf("%s close event dropped, code %d", t.logPrefix, code)
			}
			return
		}
		t.handleMessage(data)
	}
}

func (t *Transport) handleMessage(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		log.Printf("%s malformed inbound message: %v", t.logPrefix, err)
		// Never answer a broken CALLERROR, that only breeds reply storms.
		if msg.TypeID != CallErrorMessage {
			if serr := t.SendCallError(msg.ID, GenericError, err.Error(), nil); serr != nil {
				log.Printf("%s failed to report malformed message: %v", t.logPrefix, serr)
			}
		}
		return
	}

	switch msg.TypeID {
	case CallMessage:
		t.calls <- InboundCall{MessageID: msg.ID, Action: msg.Action, Payload: msg.Payload}
	case CallResultMessage:
		t.resolve(msg.ID, callOutcome{payload: msg.Payload})
	case CallErrorMessage:
		t.resolve(msg.ID, callOutcome{err: NewError(msg.ErrorCode, msg.ErrorDescription, msg.ErrorDetails)})
	default:
		log.Printf("%s unsupported message type %d", t.logPrefix, msg.TypeID)
		if serr := t.SendCallError(msg.ID, GenericError,
			fmt.Sprintf("unsupported message type %d", msg.TypeID), nil); serr != nil {
			log.Printf("%s failed to report unsupported message type: %v", t.logPrefix, serr)
		}
	}
}

// resolve completes the pending call for the message id. Responses arriving
// after the timeout removed the entry are dropped without a reply.
func (t *Transport) resolve(messageID string, out callOutcome) {
	t.pendingMu.Lock()
	pc, ok := t.pending[messageID]
	if ok {
		delete(t.pending, messageID)
	}
	t.pendingMu.Unlock()
	if !ok {
		log.Printf("%s dropping response for unknown or timed-out message id %s", t.logPrefix, messageID)
		return
	}
	pc.ch <- out
}
