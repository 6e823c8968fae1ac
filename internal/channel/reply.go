package channel

import (
	"context"
	"sync"
)

// ReplyKind identifies which Result method produced a reply.
type ReplyKind int

const (
	ReplySuccess ReplyKind = iota
	ReplyError
	ReplyNotImplemented
)

func (k ReplyKind) String() string {
	switch k {
	case ReplySuccess:
		return "success"
	case ReplyError:
		return "error"
	default:
		return "not_implemented"
	}
}

// Reply is a captured channel reply.
type Reply struct {
	Kind    ReplyKind
	Value   any
	Code    string
	Message string
	Details any
}

// Capture is a Result that records the first reply and signals Done.
// Later replies are dropped.
type Capture struct {
	once  sync.Once
	done  chan struct{}
	reply Reply
}

// NewCapture returns an empty Capture.
func NewCapture() *Capture {
	return &Capture{done: make(chan struct{})}
}

func (c *Capture) Success(value any) {
	c.set(Reply{Kind: ReplySuccess, Value: value})
}

func (c *Capture) Error(code, message string, details any) {
	c.set(Reply{Kind: ReplyError, Code: code, Message: message, Details: details})
}

func (c *Capture) NotImplemented() {
	c.set(Reply{Kind: ReplyNotImplemented})
}

func (c *Capture) set(r Reply) {
	c.once.Do(func() {
		c.reply = r
		close(c.done)
	})
}

// Done is closed once a reply is recorded.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until a reply arrives or ctx ends.
func (c *Capture) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-c.done:
		return c.reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Reply returns the recorded reply and whether one has arrived.
func (c *Capture) Reply() (Reply, bool) {
	select {
	case <-c.done:
		return c.reply, true
	default:
		return Reply{}, false
	}
}
