package arq

import (
	"fmt"
	"math"

	"github.com/mercuryproto/mercury/internal/logx"
)

// Update advances the engine clock to now (milliseconds) and flushes when the
// scheduled flush time has elapsed. Call it every 10-100ms, or at the time
// returned by [Engine.Check]. A clock drift beyond 10s in either direction
// resets the schedule instead of replaying the gap.
func (e *Engine) Update(now uint32) error {
	e.current = now
	if !e.updated {
		e.updated = true
		e.tsFlush = now
	}

	elapsed := timeDiff(now, e.tsFlush)
	if elapsed >= 10_000 || elapsed < -10_000 {
		e.tsFlush = now
		elapsed = 0
	}
	if elapsed >= 0 {
		e.tsFlush += e.interval
		if timeDiff(now, e.tsFlush) >= 0 {
			e.tsFlush = now + e.interval
		}
		return e.Flush()
	}
	return nil
}

// Check returns the earliest time Update needs to run again: the minimum of
// the scheduled flush, the nearest in-flight retransmission deadline, and one
// interval from now. Returns now itself when a flush is already due. Hosts
// can sleep until the returned time instead of polling.
func (e *Engine) Check(now uint32) uint32 {
	if !e.updated {
		return now
	}

	tsFlush := e.tsFlush
	delta := timeDiff(now, tsFlush)
	if delta >= 0 {
		return now
	}
	if delta <= -10_000 {
		tsFlush = now
	}

	tmPacket := int32(math.MaxInt32)
	for i := range e.sndBuf {
		diff := timeDiff(e.sndBuf[i].resendAt, now)
		if diff <= 0 {
			return now
		}
		if diff < tmPacket {
			tmPacket = diff
		}
	}

	minimal := uint32(min(tmPacket, timeDiff(tsFlush, now)))
	if minimal > e.interval {
		minimal = e.interval
	}
	return now + minimal
}

// Flush emits pending acknowledgments, window probes and data segments into
// the output sink. Encoded segments pack back-to-back in the engine's buffer;
// the buffer is handed to the sink whenever the next segment would push it
// past the MTU and once more at the end. Flush is a no-op before the first
// Update call.
func (e *Engine) Flush() error {
	if !e.updated {
		return nil
	}

	current := e.current
	var lost, change bool

	seg := segment{
		sessionID: e.sessionID,
		cmd:       CmdACK,
		wnd:       uint16(e.openRecvSlots()),
		una:       e.rcvNxt,
	}

	// Acknowledgments, one segment each, echoing the peer's timestamp.
	for _, ack := range e.ackList {
		if err := e.makeSpace(HeaderSize); err != nil {
			return err
		}
		seg.sn, seg.ts = ack.sn, ack.ts
		e.buf = seg.encode(e.buf)
	}
	e.ackList = e.ackList[:0]

	// Zero-window probe timer.
	if e.rmtWnd == 0 {
		if e.probeWait == 0 {
			e.probeWait = probeInit
			e.tsProbe = current + e.probeWait
		} else if timeDiff(current, e.tsProbe) >= 0 {
			if e.probeWait < probeInit {
				e.probeWait = probeInit
			}
			e.probeWait += e.probeWait / 2
			if e.probeWait > probeLimit {
				e.probeWait = probeLimit
			}
			e.tsProbe = current + e.probeWait
			e.probe |= askSend
			e.debug("engine:probe", logx.Uint32("wait", e.probeWait))
		}
	} else {
		e.tsProbe = 0
		e.probeWait = 0
	}

	if e.probe&askSend != 0 {
		seg.cmd = CmdWindowAsk
		if err := e.makeSpace(HeaderSize); err != nil {
			return err
		}
		e.buf = seg.encode(e.buf)
	}
	if e.probe&askTell != 0 {
		seg.cmd = CmdWindowTell
		if err := e.makeSpace(HeaderSize); err != nil {
			return err
		}
		e.buf = seg.encode(e.buf)
	}
	e.probe = 0

	// Effective window: sender limit, peer's advertisement, and when
	// congestion control is on, the congestion window.
	wnd := min(e.sndWnd, e.rmtWnd)
	if e.congestion {
		wnd = min(e.cwnd, wnd)
	}

	// Admit queued segments into flight while the window allows.
	for timeDiff(e.sndNxt, e.sndUna+uint32(wnd)) < 0 && len(e.sndQueue) > 0 {
		newSeg := e.sndQueue[0]
		newSeg.sessionID = e.sessionID
		newSeg.cmd = CmdPush
		newSeg.wnd = seg.wnd
		newSeg.ts = current
		newSeg.sn = e.sndNxt
		e.sndNxt++
		newSeg.una = e.rcvNxt
		newSeg.resendAt = current
		newSeg.rto = e.rto
		newSeg.fastACK = 0
		newSeg.xmit = 0
		e.sndBuf = append(e.sndBuf, newSeg)
		e.sndQueue = removeFront(e.sndQueue, 1)
	}

	resent := uint32(math.MaxUint32)
	if e.fastResend > 0 {
		resent = e.fastResend
	}
	rtoFloor := uint32(0)
	if !e.noDelay {
		rtoFloor = e.rto >> 3
	}

	// Transmission decisions per in-flight segment.
	for i := range e.sndBuf {
		s := &e.sndBuf[i]
		needSend := false
		switch {
		case s.xmit == 0:
			// First transmission.
			needSend = true
			s.xmit++
			s.rto = e.rto
			s.resendAt = current + s.rto + rtoFloor
		case timeDiff(current, s.resendAt) >= 0:
			// Retransmission timeout: back off by the engine's current RTO,
			// or by half of it in nodelay mode.
			needSend = true
			s.xmit++
			e.xmit++
			if !e.noDelay {
				s.rto += e.rto
			} else {
				s.rto += e.rto >> 1
			}
			s.resendAt = current + s.rto
			lost = true
			e.traceSeg("engine:flush:rto-resend", s)
		case s.fastACK >= resent:
			// Enough duplicate acks skipped past this segment.
			needSend = true
			s.xmit++
			s.fastACK = 0
			s.resendAt = current + s.rto
			change = true
			e.traceSeg("engine:flush:fast-resend", s)
		}

		if needSend {
			s.ts = current
			s.wnd = seg.wnd
			s.una = e.rcvNxt
			if err := e.makeSpace(HeaderSize + len(s.data)); err != nil {
				return err
			}
			e.buf = s.encode(e.buf)
			if s.xmit >= e.deadLink && !e.dead {
				e.dead = true
				e.logerr("engine:dead-link", logx.Uint32("sn", s.sn), logx.Uint32("xmit", s.xmit))
			}
		}
	}

	if err := e.writeOut(); err != nil {
		return err
	}

	// Congestion reactions. Fast retransmit drops ssthresh to a quarter of
	// the data in flight and enters fast recovery; a timeout collapses to one
	// segment.
	if e.congestion {
		if change {
			inFlight := e.sndNxt - e.sndUna
			e.ssthresh = max(inFlight>>2, threshMin)
			e.cwnd = int(e.ssthresh + resent)
			e.incr = uint32(e.cwnd) * uint32(e.mss)
		}
		if lost {
			e.ssthresh = max(uint32(wnd)>>2, threshMin)
			e.cwnd = 1
			e.incr = uint32(e.mss)
		}
	}
	if e.cwnd < 1 {
		e.cwnd = 1
		e.incr = uint32(e.mss)
	}
	return nil
}

// makeSpace hands the buffer to the sink when appending space more bytes
// would exceed the MTU.
func (e *Engine) makeSpace(space int) error {
	if len(e.buf)+space > e.mtu {
		return e.writeOut()
	}
	return nil
}

// writeOut flushes the encoding buffer to the output sink. The buffer is
// reset even when the write fails; segments remain in the send buffer and
// will be re-encoded on a later flush.
func (e *Engine) writeOut() error {
	if len(e.buf) == 0 {
		return nil
	}
	n := len(e.buf)
	var err error
	if e.out != nil {
		_, err = e.out.Write(e.buf)
	}
	e.buf = e.buf[:0]
	if err != nil {
		return fmt.Errorf("arq: output sink after %d bytes: %w", n, err)
	}
	return nil
}
