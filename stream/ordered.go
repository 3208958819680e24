package stream

// Ordered is the per-stream filter implementing ordered delivery: datagrams
// are released in strict send order. Out-of-order arrivals are parked in a
// bounded reorder buffer until the gap before them fills; anything older than
// the release cursor is dropped as a duplicate.
type Ordered struct {
	// nextOut is the send-side counter stamped onto outgoing datagrams.
	nextOut uint16
	// expected is the next sequence number to release to the application.
	expected uint16
	pending  *Buffer[[]byte]
}

// NewOrdered returns an Ordered stream with a reorder buffer of size slots.
func NewOrdered(size uint16) *Ordered {
	return &Ordered{pending: NewBuffer[[]byte](size)}
}

// NextOutgoing assigns and returns the sequence number for the next datagram
// sent on this stream.
func (o *Ordered) NextOutgoing() uint16 {
	seq := o.nextOut
	o.nextOut++
	return seq
}

// Accept feeds a received datagram into the stream and returns the payloads
// now releasable in order. A stale or duplicate sequence returns released=nil
// with stale=true. An in-order arrival releases the datagram itself plus any
// buffered successors it unblocks; an early arrival is parked and releases
// nothing yet.
func (o *Ordered) Accept(seq uint16, payload []byte) (released [][]byte, stale bool) {
	if OlderThan(seq, o.expected) {
		return nil, true
	}
	if seq != o.expected {
		if o.pending.Insert(seq, payload) == nil {
			return nil, true
		}
		return nil, false
	}
	released = append(released, payload)
	o.expected++
	for {
		next, ok := o.pending.Take(o.expected)
		if !ok {
			break
		}
		released = append(released, next)
		o.expected++
	}
	return released, false
}
