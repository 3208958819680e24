package arq

import (
	"encoding/binary"
	"io"
	"slices"
)

// Engine is the reliability state machine for one direction pair of a
// connection. It owns four segment queues and the timers driving them:
//
//	Send side:                         Receive side:
//
//	Send -> sndQueue -> sndBuf ->      Input -> rcvBuf -> rcvQueue -> Recv
//	        (unwindowed) (in flight)            (out of order) (deliverable)
//
// Payloads enter through [Engine.Send], are windowed into flight by
// [Engine.Flush] and removed on acknowledgment. Inbound bytes enter through
// [Engine.Input], are staged out-of-order in rcvBuf and promoted to rcvQueue
// once contiguous, where [Engine.Recv] drains them message by message.
//
// The Engine performs no locking; callers sharing one engine across
// goroutines must serialise access externally. No method blocks and none
// reads a clock: the caller supplies time through Update/Check as a
// millisecond counter.
type Engine struct {
	sessionID uint32
	mtu       int
	mss       int
	dead      bool

	sndUna uint32 // oldest unacknowledged sequence number
	sndNxt uint32 // next sequence number to assign
	rcvNxt uint32 // next expected in-order sequence number

	ssthresh uint32

	rttVar uint32 // smoothed RTT mean deviation
	sRTT   uint32 // smoothed RTT
	rto    uint32
	minRTO uint32

	sndWnd int
	rcvWnd int
	rmtWnd int // peer's advertised window
	cwnd   int
	probe  uint8

	current  uint32
	interval uint32
	tsFlush  uint32
	updated  bool

	xmit uint32 // lifetime count of timeout retransmissions

	ackedSegs  uint64 // lifetime acknowledged segment count
	ackedBytes uint64 // lifetime acknowledged payload bytes

	noDelay   bool
	tsProbe   uint32
	probeWait uint32
	deadLink  uint32
	incr      uint32 // byte accumulator for congestion avoidance

	sndQueue []segment
	rcvQueue []segment
	sndBuf   []segment
	rcvBuf   []segment

	ackList []ackItem

	// buf is the single encoding buffer, reused across flushes. Capacity is
	// 3x(mtu+header) so acks and probes batch ahead of a full data segment.
	buf []byte

	fastResend uint32
	congestion bool
	streamMode bool

	out io.Writer
	logger
}

// ackItem is a pending acknowledgment: the sequence number to ack and the
// original timestamp to echo for the peer's RTT measurement.
type ackItem struct {
	sn uint32
	ts uint32
}

// New returns an Engine for the connection identified by sessionID with the
// protocol defaults: MTU 1400, 32-segment windows, 100ms flush interval,
// congestion control off. Encoded segments are written to out during flush;
// a nil out discards them.
func New(sessionID uint32, out io.Writer) *Engine {
	return &Engine{
		sessionID: sessionID,
		mtu:       defaultMTU,
		mss:       defaultMTU - HeaderSize,
		ssthresh:  threshInit,
		rto:       rtoDefault,
		minRTO:    rtoMin,
		sndWnd:    defaultSendWindow,
		rcvWnd:    defaultRecvWindow,
		rmtWnd:    defaultRecvWindow,
		interval:  defaultInterval,
		deadLink:  defaultDeadLink,
		buf:       make([]byte, 0, 3*(defaultMTU+HeaderSize)),
		out:       out,
	}
}

// SessionID returns the connection identifier stamped on every segment.
func (e *Engine) SessionID() uint32 { return e.sessionID }

// IsDead reports whether any in-flight segment exhausted its retransmission
// budget. A dead engine keeps state but the host should tear the connection
// down; there is no automatic recovery.
func (e *Engine) IsDead() bool { return e.dead }

// SegmentsAwaitingSend returns the number of segments not yet acknowledged:
// queued plus in flight.
func (e *Engine) SegmentsAwaitingSend() int {
	return len(e.sndBuf) + len(e.sndQueue)
}

// SetOutput replaces the output sink encoded segments are flushed into.
func (e *Engine) SetOutput(out io.Writer) { e.out = out }

// SetStreamMode toggles streaming mode. When on, successive Send payloads
// coalesce into the tail queued segment while it has room below the MSS and
// every fragment id is zero, so message boundaries are not preserved.
func (e *Engine) SetStreamMode(on bool) { e.streamMode = on }

// SetMTU changes the maximum transmission unit, recomputing the maximum
// segment payload size and resizing the encoding buffer. The MTU must be at
// least 50 bytes and larger than the header.
func (e *Engine) SetMTU(mtu int) error {
	if mtu < minMTU || mtu < HeaderSize {
		return ErrInvalidConfiguration
	}
	e.mtu = mtu
	e.mss = mtu - HeaderSize
	buf := make([]byte, 0, 3*(mtu+HeaderSize))
	e.buf = append(buf, e.buf...)
	return nil
}

// MSS returns the current maximum segment payload size, MTU minus header.
func (e *Engine) MSS() int { return e.mss }

// SetWindowSizes sets the maximum send and receive windows in segments.
// Non-positive arguments leave the corresponding window unchanged.
func (e *Engine) SetWindowSizes(snd, rcv int) {
	if snd > 0 {
		e.sndWnd = snd
	}
	if rcv > 0 {
		e.rcvWnd = rcv
	}
}

// SetNoDelay tunes the retransmission aggressiveness. nodelay > 0 lowers the
// minimum RTO to 30ms and halves RTO backoff growth. interval is the flush
// cadence clamped into [10ms, 5s]. resend is the duplicate-ack threshold for
// fast retransmit, 0 disables. congestion toggles window-based congestion
// control. Negative nodelay/interval/resend leave the setting unchanged.
// The turbo setting is SetNoDelay(1, 20, 2, false).
func (e *Engine) SetNoDelay(nodelay, interval, resend int, congestion bool) {
	if nodelay >= 0 {
		e.noDelay = nodelay > 0
		if e.noDelay {
			e.minRTO = rtoNoDelay
		} else {
			e.minRTO = rtoMin
		}
	}
	if interval >= 0 {
		e.interval = uint32(min(max(interval, 10), 5000))
	}
	if resend >= 0 {
		e.fastResend = uint32(resend)
	}
	e.congestion = congestion
}

// Send splits payload into at most receive-window-1 segments of MSS bytes and
// appends them to the send queue. In streaming mode the payload first tops up
// the tail queued segment. Fragment ids are assigned descending so only the
// final fragment of a message carries id zero.
func (e *Engine) Send(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	if e.streamMode && len(e.sndQueue) > 0 {
		tail := &e.sndQueue[len(e.sndQueue)-1]
		if len(tail.data) < e.mss {
			n := min(e.mss-len(tail.data), len(payload))
			tail.data = append(tail.data, payload[:n]...)
			tail.fragID = 0
			payload = payload[n:]
			if len(payload) == 0 {
				return nil
			}
		}
	}

	count := 1
	if len(payload) > e.mss {
		count = (len(payload) + e.mss - 1) / e.mss
	}
	if count >= e.rcvWnd {
		return ErrFragmentsExceedWindow
	}

	for i := 0; i < count; i++ {
		n := min(e.mss, len(payload))
		seg := segment{data: append([]byte(nil), payload[:n]...)}
		if !e.streamMode {
			seg.fragID = uint8(count - i - 1)
		}
		e.sndQueue = append(e.sndQueue, seg)
		payload = payload[n:]
	}
	e.traceSnd("engine:send")
	return nil
}

// PeekSize returns the total payload size of the next complete message in
// the receive queue without consuming it. Returns [ErrIncompleteMessage]
// when the queue is empty or holds only a partial fragment run.
func (e *Engine) PeekSize() (int, error) {
	if len(e.rcvQueue) == 0 {
		return 0, ErrIncompleteMessage
	}
	first := &e.rcvQueue[0]
	if first.fragID == 0 {
		return len(first.data), nil
	}
	if len(e.rcvQueue) < int(first.fragID)+1 {
		return 0, ErrIncompleteMessage
	}
	size := 0
	for i := range e.rcvQueue {
		size += len(e.rcvQueue[i].data)
		if e.rcvQueue[i].fragID == 0 {
			break
		}
	}
	return size, nil
}

// Recv drains the next complete message into buf and returns its length.
// Draining frees receive-queue slots, promoting any contiguous staged
// segments; if the queue was full beforehand a window advertisement is
// scheduled for the next flush so the peer resumes sending.
func (e *Engine) Recv(buf []byte) (int, error) {
	if len(e.rcvQueue) == 0 {
		return 0, ErrEmptyRecvQueue
	}
	size, err := e.PeekSize()
	if err != nil {
		return 0, err
	}
	if size > len(buf) {
		return 0, ErrBufferTooSmall
	}

	fastRecover := len(e.rcvQueue) >= e.rcvWnd

	n, drained := 0, 0
	for i := range e.rcvQueue {
		seg := &e.rcvQueue[i]
		n += copy(buf[n:], seg.data)
		drained = i + 1
		if seg.fragID == 0 {
			break
		}
	}
	e.rcvQueue = removeFront(e.rcvQueue, drained)

	e.promoteStaged()

	if len(e.rcvQueue) < e.rcvWnd && fastRecover {
		// Tell the peer our window reopened on next flush.
		e.probe |= askTell
	}
	e.traceRcv("engine:recv")
	return n, nil
}

// Input parses zero or more concatenated segments received from the peer and
// returns the number of bytes consumed. A malformed segment terminates the
// call with an error; segments parsed before it retain their effects.
func (e *Engine) Input(data []byte) (int, error) {
	total := len(data)
	if total < HeaderSize {
		return 0, ErrBufferTooSmall
	}

	var (
		sawACK bool
		maxACK uint32
		oldUna = e.sndUna
	)
	for len(data) >= HeaderSize {
		if binary.BigEndian.Uint32(data[0:4]) != e.sessionID {
			return total - len(data), ErrInvalidSession
		}
		seg, consumed, err := decodeSegment(data)
		if err != nil {
			return total - len(data), err
		}
		data = data[consumed:]

		e.rmtWnd = int(seg.wnd)
		e.parseUna(seg.una)
		e.shrinkSndBuf()

		switch seg.cmd {
		case CmdACK:
			if rtt := timeDiff(e.current, seg.ts); rtt >= 0 {
				e.updateRTT(uint32(rtt))
			}
			e.removeAcked(seg.sn)
			e.shrinkSndBuf()
			if !sawACK {
				sawACK = true
				maxACK = seg.sn
			} else if timeDiff(seg.sn, maxACK) > 0 {
				maxACK = seg.sn
			}
			e.traceSeg("engine:input:ack", &seg)
		case CmdPush:
			if timeDiff(seg.sn, e.rcvNxt+uint32(e.rcvWnd)) < 0 {
				e.ackList = append(e.ackList, ackItem{sn: seg.sn, ts: seg.ts})
				if timeDiff(seg.sn, e.rcvNxt) >= 0 {
					e.stageData(seg)
				}
			}
			e.traceSeg("engine:input:push", &seg)
		case CmdWindowAsk:
			e.probe |= askTell
			e.trace("engine:input:wask")
		case CmdWindowTell:
			// Window already captured above.
			e.trace("engine:input:wins")
		}
	}

	if sawACK {
		e.markFastACK(maxACK)
	}

	if timeDiff(e.sndUna, oldUna) > 0 && e.congestion {
		e.growCongestionWindow()
	}
	return total - len(data), nil
}

// growCongestionWindow opens cwnd after new data was acknowledged: slow start
// below ssthresh, additive increase above it, capped by the peer's window.
func (e *Engine) growCongestionWindow() {
	if e.cwnd >= e.rmtWnd {
		return
	}
	mss := uint32(e.mss)
	if uint32(e.cwnd) < e.ssthresh {
		e.cwnd++
		e.incr += mss
	} else {
		if e.incr < mss {
			e.incr = mss
		}
		e.incr += mss*mss/e.incr + mss/16
		if uint32(e.cwnd+1)*mss <= e.incr {
			e.cwnd++
		}
	}
	if e.cwnd > e.rmtWnd {
		e.cwnd = e.rmtWnd
		e.incr = uint32(e.rmtWnd) * mss
	}
}

// updateRTT feeds one RTT sample into the Jacobson/Karels estimator and
// recomputes the retransmission timeout.
func (e *Engine) updateRTT(rtt uint32) {
	if e.sRTT == 0 {
		e.sRTT = rtt
		e.rttVar = rtt >> 1
	} else {
		delta := rtt - e.sRTT
		if rtt < e.sRTT {
			delta = e.sRTT - rtt
		}
		e.rttVar = (3*e.rttVar + delta) >> 2
		e.sRTT = (7*e.sRTT + rtt) >> 3
		if e.sRTT < 1 {
			e.sRTT = 1
		}
	}
	e.rto = bound(e.minRTO, e.sRTT+max(e.interval, 4*e.rttVar), rtoMax)
}

// shrinkSndBuf recomputes sndUna from the head of the send buffer.
func (e *Engine) shrinkSndBuf() {
	if len(e.sndBuf) > 0 {
		e.sndUna = e.sndBuf[0].sn
	} else {
		e.sndUna = e.sndNxt
	}
}

// parseUna drops every in-flight segment the peer's cumulative
// acknowledgment covers.
func (e *Engine) parseUna(una uint32) {
	count := 0
	for i := range e.sndBuf {
		if timeDiff(una, e.sndBuf[i].sn) > 0 {
			e.ackedSegs++
			e.ackedBytes += uint64(len(e.sndBuf[i].data))
			count++
		} else {
			break
		}
	}
	e.sndBuf = removeFront(e.sndBuf, count)
}

// removeAcked removes the in-flight segment selectively acknowledged by sn.
func (e *Engine) removeAcked(sn uint32) {
	if timeDiff(sn, e.sndUna) < 0 || timeDiff(sn, e.sndNxt) >= 0 {
		return
	}
	for i := range e.sndBuf {
		if sn == e.sndBuf[i].sn {
			e.ackedSegs++
			e.ackedBytes += uint64(len(e.sndBuf[i].data))
			e.sndBuf = slices.Delete(e.sndBuf, i, i+1)
			break
		}
		if timeDiff(sn, e.sndBuf[i].sn) < 0 {
			break
		}
	}
}

// AckedSegments returns the lifetime count of segments acknowledged and
// removed from flight.
func (e *Engine) AckedSegments() uint64 { return e.ackedSegs }

// AckedBytes returns the lifetime payload byte count acknowledged by the
// peer.
func (e *Engine) AckedBytes() uint64 { return e.ackedBytes }

// markFastACK bumps the duplicate-ack count of every in-flight segment with
// a sequence number strictly below the highest acknowledgment seen in one
// Input call.
func (e *Engine) markFastACK(sn uint32) {
	if timeDiff(sn, e.sndUna) < 0 || timeDiff(sn, e.sndNxt) >= 0 {
		return
	}
	for i := range e.sndBuf {
		seg := &e.sndBuf[i]
		if timeDiff(sn, seg.sn) < 0 {
			break
		}
		if seg.sn != sn {
			seg.fastACK++
		}
	}
}

// stageData inserts a received PUSH segment into the out-of-order staging
// buffer, keeping it strictly increasing and duplicate-free, then promotes
// any now-contiguous prefix into the receive queue.
func (e *Engine) stageData(seg segment) {
	sn := seg.sn
	if timeDiff(sn, e.rcvNxt+uint32(e.rcvWnd)) >= 0 || timeDiff(sn, e.rcvNxt) < 0 {
		return
	}

	insert, repeat := len(e.rcvBuf), false
	for i := len(e.rcvBuf) - 1; i >= 0; i-- {
		if e.rcvBuf[i].sn == sn {
			repeat = true
			break
		}
		if timeDiff(sn, e.rcvBuf[i].sn) > 0 {
			break
		}
		insert = i
	}
	if !repeat {
		e.rcvBuf = slices.Insert(e.rcvBuf, insert, seg)
	}

	e.promoteStaged()
}

// promoteStaged moves the contiguous prefix of the staging buffer into the
// receive queue, bounded by the receive window.
func (e *Engine) promoteStaged() {
	count := 0
	for i := range e.rcvBuf {
		if e.rcvBuf[i].sn == e.rcvNxt && len(e.rcvQueue)+count < e.rcvWnd {
			e.rcvNxt++
			count++
		} else {
			break
		}
	}
	if count > 0 {
		e.rcvQueue = append(e.rcvQueue, e.rcvBuf[:count]...)
		e.rcvBuf = removeFront(e.rcvBuf, count)
	}
}

// openRecvSlots returns how many segments the receive queue can still take,
// advertised to the peer as our window.
func (e *Engine) openRecvSlots() int {
	if len(e.rcvQueue) < e.rcvWnd {
		return e.rcvWnd - len(e.rcvQueue)
	}
	return 0
}

// removeFront drops the first n segments of q in place, zeroing the vacated
// tail so payload buffers do not linger past their lifetime.
func removeFront(q []segment, n int) []segment {
	if n == 0 {
		return q
	}
	m := copy(q, q[n:])
	for i := m; i < len(q); i++ {
		q[i] = segment{}
	}
	return q[:m]
}
