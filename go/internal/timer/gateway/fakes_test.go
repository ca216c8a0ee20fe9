package gateway

import (
	"context"
	"encoding/json"
	"sync"
)

type fakeConn struct {
	id     string
	userID string

	mu      sync.Mutex
	frames  [][]byte
	closed  int
	stopped int
	sendErr error
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) StopTasks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
}

func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = string(f)
	}
	return out
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type timerCall struct {
	Method string
	UserID string
	Opts   any
}

type fakeTimerService struct {
	mu       sync.Mutex
	calls    []timerCall
	err      error
	panicMsg string
	snapshot json.RawMessage
}

func (s *fakeTimerService) record(method, userID string, opts any) error {
	s.mu.Lock()
	s.calls = append(s.calls, timerCall{Method: method, UserID: userID, Opts: opts})
	err, panicMsg := s.err, s.panicMsg
	s.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	return err
}

func (s *fakeTimerService) StartTimerByUserID(_ context.Context, userID string, opts StartOptions) error {
	return s.record("start", userID, opts)
}

func (s *fakeTimerService) PauseTimerByUserID(_ context.Context, userID string, opts PauseOptions) error {
	return s.record("pause", userID, opts)
}

func (s *fakeTimerService) RemoveTimerByUserID(_ context.Context, userID string, opts RemoveOptions) error {
	return s.record("remove", userID, opts)
}

func (s *fakeTimerService) GetTimerByUserID(_ context.Context, userID string, opts GetOptions) (json.RawMessage, error) {
	if err := s.record("get", userID, opts); err != nil {
		return nil, err
	}
	return s.snapshot, nil
}

func (s *fakeTimerService) PersistTimerByUserID(_ context.Context, userID string) error {
	return s.record("persist", userID, nil)
}

func (s *fakeTimerService) Calls() []timerCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]timerCall(nil), s.calls...)
}

func (s *fakeTimerService) CallsTo(method string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

type recordingExceptions struct {
	mu      sync.Mutex
	entries []ExceptionContext
	errs    []error
}

func (r *recordingExceptions) LogException(_ context.Context, err error, ec ExceptionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, ec)
	r.errs = append(r.errs, err)
}

func (r *recordingExceptions) Operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, len(r.entries))
	for i, e := range r.entries {
		ops[i] = e.Operation
	}
	return ops
}
