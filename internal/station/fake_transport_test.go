package station

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/rpc"
)

// fakeTransport is a scripted stand-in for the WebSocket transport. Requests
// are recorded; responses come from stubs or sensible defaults.
type fakeTransport struct {
	mu        sync.Mutex
	open      bool
	connects  int
	requests  []ocpp.Request
	responses map[string][]interface{}
	errs      map[string]*rpc.Error
	nextTx    int

	calls  chan rpc.InboundCall
	closed chan rpc.CloseEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		open:      true,
		responses: make(map[string][]interface{}),
		errs:      make(map[string]*rpc.Error),
		nextTx:    1000,
		calls:     make(chan rpc.InboundCall, 16),
		closed:    make(chan rpc.CloseEvent, 4),
	}
}

// stub queues a canned response for the action, consumed FIFO.
func (f *fakeTransport) stub(action string, response interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[action] = append(f.responses[action], response)
}

// stubErr makes every request for the action fail.
func (f *fakeTransport) stubErr(action string, err *rpc.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[action] = err
}

func (f *fakeTransport) Connect(wsURL string, handshakeTimeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	f.connects++
	return nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// abnormalClose simulates the socket dropping with the given close code.
func (f *fakeTransport) abnormalClose(code int) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.closed <- rpc.CloseEvent{Code: code}
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	wasOpen := f.open
	f.open = false
	f.mu.Unlock()
	if wasOpen {
		f.closed <- rpc.CloseEvent{Code: 1000}
	}
}

func (f *fakeTransport) Ping() error  { return nil }
func (f *fakeTransport) IsOpen() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.open }

func (f *fakeTransport) SendRequest(req ocpp.Request) (json.RawMessage, error) {
	action := req.GetFeatureName()
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if err, ok := f.errs[action]; ok {
		f.mu.Unlock()
		return nil, err
	}
	var response interface{}
	if queued := f.responses[action]; len(queued) > 0 {
		response = queued[0]
		f.responses[action] = queued[1:]
	} else {
		response = f.defaultResponse(action)
	}
	f.mu.Unlock()
	return json.Marshal(response)
}

func (f *fakeTransport) defaultResponse(action string) interface{} {
	switch action {
	case core.BootNotificationFeatureName:
		return &core.BootNotificationConfirmation{
			Status:      core.RegistrationStatusAccepted,
			Interval:    300,
			CurrentTime: types.NewDateTime(time.Now()),
		}
	case core.StartTransactionFeatureName:
		f.nextTx++
		return &core.StartTransactionConfirmation{
			TransactionId: f.nextTx,
			IdTagInfo:     &types.IdTagInfo{Status: types.AuthorizationStatusAccepted},
		}
	case core.StopTransactionFeatureName:
		return &core.StopTransactionConfirmation{
			IdTagInfo: &types.IdTagInfo{Status: types.AuthorizationStatusAccepted},
		}
	case core.HeartbeatFeatureName:
		return &core.HeartbeatConfirmation{CurrentTime: types.NewDateTime(time.Now())}
	default:
		return struct{}{}
	}
}

func (f *fakeTransport) SendCallResult(messageID string, payload interface{}) error {
	return nil
}

func (f *fakeTransport) SendCallError(messageID string, code rpc.ErrorCode, description string, details interface{}) error {
	return nil
}

func (f *fakeTransport) DrainQueue() int               { return 0 }
func (f *fakeTransport) Calls() <-chan rpc.InboundCall { return f.calls }
func (f *fakeTransport) Closed() <-chan rpc.CloseEvent { return f.closed }

// actions lists the recorded request actions in send order.
func (f *fakeTransport) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, req := range f.requests {
		out[i] = req.GetFeatureName()
	}
	return out
}

// lastRequest returns the most recent request for the action.
func (f *fakeTransport) lastRequest(action string) ocpp.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].GetFeatureName() == action {
			return f.requests[i]
		}
	}
	return nil
}

func (f *fakeTransport) countRequests(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if req.GetFeatureName() == action {
			n++
		}
	}
	return n
}
