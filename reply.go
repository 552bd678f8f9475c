//go:build linux

package wsys

import (
	"sync"
	"time"

	"github.com/glycerine/loquet"
	"github.com/pkg/errors"

	"github.com/glycerine/wsys/wire"
)

var ErrTimeout = errors.New("wsys: timed out waiting for reply")

// Reply is the future of one Call, keyed by the request's
// Seq. It stays registered with its Client until Release.
type Reply struct {
	Seq  uint32
	c    *Client
	sent time.Time

	done *loquet.Chan[wire.Message]

	mut sync.Mutex
	msg *wire.Message
	err error
	fin bool
}

func newReply(c *Client, seq uint32) *Reply {
	return &Reply{
		Seq:  seq,
		c:    c,
		sent: time.Now(),
		done: loquet.NewChan[wire.Message](nil),
	}
}

// complete fills the slot once; later calls are ignored.
func (r *Reply) complete(m *wire.Message, err error) bool {
	r.mut.Lock()
	if r.fin {
		r.mut.Unlock()
		return false
	}
	r.fin = true
	r.msg = m
	r.err = err
	r.mut.Unlock()
	r.done.Close()
	return true
}

// Result is non-blocking: ok is false until the reply arrives.
func (r *Reply) Result() (m *wire.Message, err error, ok bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.msg, r.err, r.fin
}

// Wait blocks until the reply arrives, the timeout passes
// (0 means the client's CallTimeout, which 0 makes forever),
// or the client fails. An error reply comes back as a
// Message with Op == wire.OpError, not as a Go error.
//
// Under the cooperative scheduler, and on the dual-thread
// scheduler's dispatch thread, Wait itself drives the rounds
// that will deliver the reply.
func (r *Reply) Wait(timeout time.Duration) (*wire.Message, error) {
	if timeout <= 0 {
		timeout = r.c.cfg.CallTimeout
	}
	err := waitOn(r.c, r.done.WhenClosed(), func() bool {
		_, _, ok := r.Result()
		return ok
	}, timeout)
	if err != nil {
		return nil, err
	}
	m, err, _ := r.Result()
	return m, err
}

// Release detaches r from its client. A reply arriving
// afterwards goes to the OnMessage callback instead.
func (r *Reply) Release() {
	r.c.releaseReply(r.Seq)
}
