//go:build linux

package wsys

import (
	"github.com/glycerine/wsys/wire"
)

// outQueue is a channel's FIFO of not-yet-written bytes.
// Whole packets are appended; writes may take any prefix.
type outQueue struct {
	bufs [][]byte
	off  int // into bufs[0]
	n    int
}

func (q *outQueue) push(b []byte) {
	if len(b) == 0 {
		return
	}
	q.bufs = append(q.bufs, b)
	q.n += len(b)
}

func (q *outQueue) pushMessage(m *wire.Message) {
	q.push(wire.Encode(m))
}

// Len is the number of queued bytes.
func (q *outQueue) Len() int { return q.n }

func (q *outQueue) empty() bool { return q.n == 0 }

// head is the next contiguous run of bytes to write.
func (q *outQueue) head() []byte {
	if q.n == 0 {
		return nil
	}
	return q.bufs[0][q.off:]
}

// advance drops k written bytes from the front.
func (q *outQueue) advance(k int) {
	for k > 0 && len(q.bufs) > 0 {
		rem := len(q.bufs[0]) - q.off
		if k < rem {
			q.off += k
			q.n -= k
			return
		}
		k -= rem
		q.n -= rem
		q.bufs[0] = nil
		q.bufs = q.bufs[1:]
		q.off = 0
	}
	if len(q.bufs) == 0 {
		q.bufs = nil
	}
}

func (q *outQueue) reset() {
	q.bufs = nil
	q.off = 0
	q.n = 0
}

// writeTo drains as much as write accepts. write follows
// unix.Write: it returns unix.EAGAIN when the socket is full,
// which ends the drain without error.
func (q *outQueue) writeTo(write func([]byte) (int, error)) (total int, err error) {
	for !q.empty() {
		n, err := write(q.head())
		if n > 0 {
			q.advance(n)
			total += n
		}
		if err != nil {
			if isAgain(err) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}
