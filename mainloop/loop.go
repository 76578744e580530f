package mainloop

import (
	"context"

	"github.com/golang/glog"

	"bringyour.com/erpclient/rpc"
)

func DefaultLoopSettings() *LoopSettings {
	return &LoopSettings{
		QueueSize: 1024,
	}
}

type LoopSettings struct {
	QueueSize int
}

// the single ui execution context
// callbacks run one at a time, in post order, on the goroutine that calls `Run`.
// All record, group and screen mutation happens inside a callback.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	callbacks chan func()
}

func NewLoopWithDefaults(ctx context.Context) *Loop {
	return NewLoop(ctx, DefaultLoopSettings())
}

func NewLoop(ctx context.Context, settings *LoopSettings) *Loop {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Loop{
		ctx:       cancelCtx,
		cancel:    cancel,
		callbacks: make(chan func(), settings.QueueSize),
	}
}

// rpc.Dispatcher implementation
// blocks while the queue is full. Returns false once the loop is closed.
func (self *Loop) Post(callback func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.callbacks <- callback:
		return true
	}
}

// runs callbacks until the loop is closed
func (self *Loop) Run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case callback := <-self.callbacks:
			self.run(callback)
		}
	}
}

// runs the callbacks queued so far without blocking
// returns the number of callbacks run
func (self *Loop) RunPending() int {
	n := 0
	for {
		select {
		case callback := <-self.callbacks:
			self.run(callback)
			n += 1
		default:
			return n
		}
	}
}

// runs callbacks until `done` returns true or `ctx` ends
// false if `ctx` ended first
func (self *Loop) RunUntil(ctx context.Context, done func() bool) bool {
	for !done() {
		select {
		case <-ctx.Done():
			return false
		case <-self.ctx.Done():
			return false
		case callback := <-self.callbacks:
			self.run(callback)
		}
	}
	return true
}

func (self *Loop) run(callback func()) {
	rpc.HandleError("loop", callback, func(err error) {
		glog.Infof("[loop]callback error = %s\n", err)
	})
}

func (self *Loop) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Loop) Close() {
	self.cancel()
}
