package mercury

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rs/xid"

	"github.com/mercuryproto/mercury/arq"
	"github.com/mercuryproto/mercury/stats"
	"github.com/mercuryproto/mercury/stream"
)

// streamHeaderSize prefixes every reliable message with
// ordering(1) + stream(1) + sequence(2) so the receiving endpoint can
// demultiplex onto the right filter after engine delivery.
const streamHeaderSize = 4

// Endpoint is the public face of one protocol connection. It owns the
// reliability engine, the per-stream filters and the fragment reassembly
// state, and translates between application datagrams and wire packets.
//
// An endpoint never opens a socket and never reads a clock: outgoing packets
// leave through the sink given to [NewEndpoint] and time enters through
// [Endpoint.Update]. All methods must be called from a single goroutine or
// under external serialisation.
type Endpoint struct {
	cfg Config
	id  xid.ID

	engine *arq.Engine
	sink   *countingSink

	sequenced    []*stream.Sequenced // unreliable sequenced streams
	relSequenced []*stream.Sequenced // reliable sequenced streams
	relOrdered   []*stream.Ordered   // reliable ordered streams

	groups    *stream.Buffer[fragmentGroup]
	nextGroup uint16

	scratch []byte // drain buffer for reliable messages

	metrics *stats.Metrics

	// bandwidth sample accumulators between Update calls.
	lastUpdate    uint32
	haveUpdate    bool
	lastAckSegs   uint64
	lastAckBytes  uint64
	lastSinkBytes int
	recvBytes     int

	log *slog.Logger
}

// fragmentGroup accumulates the chunks of one oversize unreliable datagram.
type fragmentGroup struct {
	streamID uint8
	seq      uint16
	total    uint8
	received uint8
	parts    [][]byte
}

// countingSink wraps the caller's output writer. Reliable engine batches get
// the packet kind prepended; unreliable packets pass through raw. It also
// accounts outgoing bytes for the bandwidth estimator.
type countingSink struct {
	out   io.Writer
	buf   []byte
	bytes int
}

// Write implements io.Writer for the reliability engine: one call is one
// wire packet, prefixed with the reliable packet kind.
func (s *countingSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf[:0], packetReliable)
	s.buf = append(s.buf, p...)
	s.bytes += len(s.buf)
	if s.out == nil {
		return len(p), nil
	}
	if _, err := s.out.Write(s.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// writeRaw emits an already-framed unreliable packet.
func (s *countingSink) writeRaw(pkt []byte) error {
	s.bytes += len(pkt)
	if s.out == nil {
		return nil
	}
	_, err := s.out.Write(pkt)
	return err
}

// NewEndpoint builds an endpoint from cfg, filling zero fields with the
// defaults. Outgoing packets are written to out, one packet per Write call;
// a nil out discards them, which is useful in tests.
func NewEndpoint(cfg Config, out io.Writer) (*Endpoint, error) {
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sink := &countingSink{out: out}
	engine := arq.New(cfg.SessionID, sink)
	if err := engine.SetMTU(cfg.MTU); err != nil {
		return nil, err
	}
	engine.SetWindowSizes(cfg.SendWindow, cfg.RecvWindow)
	nodelay := 0
	if cfg.NoDelay {
		nodelay = 1
	}
	engine.SetNoDelay(nodelay, cfg.Interval, cfg.FastResend, cfg.CongestionControl)

	e := &Endpoint{
		cfg:     cfg,
		id:      xid.New(),
		engine:  engine,
		sink:    sink,
		groups:  stream.NewBuffer[fragmentGroup](uint16(cfg.StreamBufferSize)),
		scratch: make([]byte, cfg.RecvWindow*engine.MSS()+streamHeaderSize),
		metrics: stats.NewMetrics(cfg.BandwidthSmoothing),
	}
	e.sequenced = make([]*stream.Sequenced, cfg.SequencedStreams)
	e.relSequenced = make([]*stream.Sequenced, cfg.SequencedStreams)
	for i := range e.sequenced {
		e.sequenced[i] = stream.NewSequenced()
		e.relSequenced[i] = stream.NewSequenced()
	}
	e.relOrdered = make([]*stream.Ordered, cfg.OrderedStreams)
	for i := range e.relOrdered {
		e.relOrdered[i] = stream.NewOrdered(uint16(cfg.StreamBufferSize))
	}
	return e, nil
}

// ID returns the endpoint's instance identifier, useful as a log or metric
// label.
func (e *Endpoint) ID() string { return e.id.String() }

// SetLogger attaches a logger to the endpoint and its engine. Records carry
// the endpoint instance id.
func (e *Endpoint) SetLogger(l *slog.Logger) {
	if l != nil {
		l = l.With(slog.String("endpoint", e.id.String()))
	}
	e.log = l
	e.engine.SetLogger(l)
}

// Metrics returns the endpoint's counters and bandwidth estimates.
func (e *Endpoint) Metrics() *stats.Metrics { return e.metrics }

// IsDead reports whether the reliability engine exhausted retransmissions on
// a segment. Further reliable sends are pointless; the host should tear the
// connection down.
func (e *Endpoint) IsDead() bool { return e.engine.IsDead() }

// Send classifies d by its guarantees and dispatches it. Unreliable
// datagrams are framed immediately, written to the sink and returned;
// fragmented unreliable datagrams go to the sink packet by packet and return
// nil bytes. Reliable datagrams are queued into the engine and leave through
// the sink on a later Update, also returning nil bytes.
func (e *Endpoint) Send(d Datagram) ([]byte, error) {
	if len(d.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if d.Delivery == DeliveryUnreliable && d.Ordering == OrderingOrdered {
		return nil, fmt.Errorf("%w: unreliable datagrams cannot be ordered", ErrInvalidConfiguration)
	}
	if len(d.Payload) > e.cfg.MaxPayloadBytes() {
		e.metrics.Increment(stats.PacketsTooLargeToSend)
		return nil, &PayloadSizeError{Size: len(d.Payload), Max: e.cfg.MaxPayloadBytes()}
	}
	if d.IsReliable() {
		return nil, e.sendReliable(d)
	}
	return e.sendUnreliable(d)
}

func (e *Endpoint) sendReliable(d Datagram) error {
	streamID, seq := uint8(NoStream), uint16(0)
	switch d.Ordering {
	case OrderingSequenced:
		if d.StreamID < 0 || d.StreamID >= len(e.relSequenced) {
			return ErrInvalidStreamID
		}
		streamID = uint8(d.StreamID)
		seq = e.relSequenced[d.StreamID].NextOutgoing()
	case OrderingOrdered:
		if d.StreamID < 0 || d.StreamID >= len(e.relOrdered) {
			return ErrInvalidStreamID
		}
		streamID = uint8(d.StreamID)
		seq = e.relOrdered[d.StreamID].NextOutgoing()
	}

	msg := make([]byte, 0, streamHeaderSize+len(d.Payload))
	msg = append(msg, byte(d.Ordering), streamID)
	msg = binary.BigEndian.AppendUint16(msg, seq)
	msg = append(msg, d.Payload...)
	if err := e.engine.Send(msg); err != nil {
		return err
	}
	e.metrics.Increment(stats.PacketsSent)
	return nil
}

func (e *Endpoint) sendUnreliable(d Datagram) ([]byte, error) {
	streamID, seq := uint8(NoStream), uint16(0)
	if d.Ordering == OrderingSequenced {
		if d.StreamID < 0 || d.StreamID >= len(e.sequenced) {
			return nil, ErrInvalidStreamID
		}
		streamID = uint8(d.StreamID)
		seq = e.sequenced[d.StreamID].NextOutgoing()
	}

	if len(d.Payload) <= e.cfg.FragmentSize {
		pkt := encodeUnreliable(streamID, seq, d.Payload)
		if err := e.sink.writeRaw(pkt); err != nil {
			return nil, fmt.Errorf("mercury: output sink: %w", err)
		}
		e.metrics.Increment(stats.PacketsSent)
		return pkt, nil
	}

	total := (len(d.Payload) + e.cfg.FragmentSize - 1) / e.cfg.FragmentSize
	group := e.nextGroup
	e.nextGroup++
	payload := d.Payload
	for i := 0; i < total; i++ {
		n := min(e.cfg.FragmentSize, len(payload))
		pkt := encodeFragment(streamID, seq, group, uint8(i), uint8(total), payload[:n])
		payload = payload[n:]
		if err := e.sink.writeRaw(pkt); err != nil {
			return nil, fmt.Errorf("mercury: output sink: %w", err)
		}
		e.metrics.Increment(stats.FragmentsSent)
	}
	e.metrics.Increment(stats.PacketsSent)
	return nil, nil
}

// Receive processes one wire packet and returns the datagrams it made
// deliverable: possibly none (dropped as stale or a fragment still pending),
// possibly several (a reliable batch completing multiple messages).
func (e *Endpoint) Receive(pkt []byte) ([]ReceivedDatagram, error) {
	if len(pkt) == 0 {
		e.metrics.Increment(stats.PacketsInvalid)
		return nil, ErrBufferTooSmall
	}
	e.recvBytes += len(pkt)

	switch pkt[0] {
	case packetReliable:
		if _, err := e.engine.Input(pkt[1:]); err != nil {
			e.metrics.Increment(stats.PacketsInvalid)
			return nil, err
		}
		e.metrics.Increment(stats.PacketsReceived)
		return e.drainReliable(), nil

	case packetUnreliable:
		p, err := decodeUnreliable(pkt, false)
		if err != nil {
			return nil, e.dropMalformed(err)
		}
		e.metrics.Increment(stats.PacketsReceived)
		return e.deliverUnreliable(p.streamID, p.seq, cloneBytes(p.payload))

	case packetFragment:
		p, err := decodeUnreliable(pkt, true)
		if err != nil {
			return nil, e.dropMalformed(err)
		}
		e.metrics.Increment(stats.PacketsReceived)
		return e.acceptFragment(p)

	default:
		e.metrics.Increment(stats.PacketsInvalid)
		return nil, ErrInvalidCommand
	}
}

// dropMalformed counts a malformed unreliable packet. Checksum failures are
// silent drops per the error policy; structural truncation is surfaced.
func (e *Endpoint) dropMalformed(err error) error {
	e.metrics.Increment(stats.PacketsInvalid)
	if errors.Is(err, errChecksumMismatch) {
		return nil
	}
	return err
}

// deliverUnreliable runs a complete unreliable datagram through its
// sequenced filter, if any.
func (e *Endpoint) deliverUnreliable(streamID uint8, seq uint16, payload []byte) ([]ReceivedDatagram, error) {
	if streamID == NoStream {
		return []ReceivedDatagram{{Kind: ReceivedFull, Stream: NoStream, Payload: payload}}, nil
	}
	id := int(streamID)
	if id >= len(e.sequenced) {
		e.metrics.Increment(stats.PacketsInvalid)
		return nil, ErrInvalidStreamID
	}
	if !e.sequenced[id].Accept(seq) {
		e.metrics.Increment(stats.PacketsStale)
		return nil, nil
	}
	return []ReceivedDatagram{{Kind: ReceivedFull, Stream: id, Payload: payload}}, nil
}

// acceptFragment folds one fragment into its reassembly group, returning the
// completed datagram once the last chunk lands.
func (e *Endpoint) acceptFragment(p unreliablePacket) ([]ReceivedDatagram, error) {
	if p.total == 0 || p.index >= p.total {
		e.metrics.Increment(stats.FragmentsInvalid)
		return nil, nil
	}
	if int(p.total) > e.cfg.MaxFragments {
		e.metrics.Increment(stats.PacketsTooLargeToReceive)
		return nil, nil
	}

	g := e.groups.Get(p.group)
	if g == nil {
		g = e.groups.Insert(p.group, fragmentGroup{
			streamID: p.streamID,
			seq:      p.seq,
			total:    p.total,
			parts:    make([][]byte, p.total),
		})
		if g == nil {
			// Group sequence fell behind the reassembly window.
			e.metrics.Increment(stats.PacketsStale)
			return nil, nil
		}
	}
	if g.total != p.total || g.streamID != p.streamID || g.seq != p.seq {
		e.metrics.Increment(stats.FragmentsInvalid)
		return nil, nil
	}
	if g.parts[p.index] != nil {
		e.metrics.Increment(stats.PacketsStale)
		return nil, nil
	}
	g.parts[p.index] = cloneBytes(p.payload)
	g.received++
	e.metrics.Increment(stats.FragmentsReceived)

	streamLabel := NoStream
	if g.streamID != NoStream {
		streamLabel = int(g.streamID)
	}
	if g.received < g.total {
		return []ReceivedDatagram{{Kind: ReceivedFragment, Stream: streamLabel}}, nil
	}

	size := 0
	for _, part := range g.parts {
		size += len(part)
	}
	payload := make([]byte, 0, size)
	for _, part := range g.parts {
		payload = append(payload, part...)
	}
	streamID, seq := g.streamID, g.seq
	e.groups.Remove(p.group)
	return e.deliverUnreliable(streamID, seq, payload)
}

// drainReliable pulls every complete message out of the engine and routes it
// through its stream filter.
func (e *Endpoint) drainReliable() []ReceivedDatagram {
	var out []ReceivedDatagram
	for {
		n, err := e.engine.Recv(e.scratch)
		if err != nil {
			return out
		}
		msg := e.scratch[:n]
		if len(msg) < streamHeaderSize {
			e.metrics.Increment(stats.PacketsInvalid)
			continue
		}
		ordering := OrderingGuarantee(msg[0])
		id := int(msg[1])
		seq := binary.BigEndian.Uint16(msg[2:4])
		payload := cloneBytes(msg[streamHeaderSize:])

		switch ordering {
		case OrderingNone:
			out = append(out, ReceivedDatagram{Kind: ReceivedFull, Stream: NoStream, Payload: payload})
		case OrderingSequenced:
			if id >= len(e.relSequenced) {
				e.metrics.Increment(stats.PacketsInvalid)
				continue
			}
			if !e.relSequenced[id].Accept(seq) {
				e.metrics.Increment(stats.PacketsStale)
				continue
			}
			out = append(out, ReceivedDatagram{Kind: ReceivedFull, Stream: id, Payload: payload})
		case OrderingOrdered:
			if id >= len(e.relOrdered) {
				e.metrics.Increment(stats.PacketsInvalid)
				continue
			}
			released, stale := e.relOrdered[id].Accept(seq, payload)
			if stale {
				e.metrics.Increment(stats.PacketsStale)
			}
			for _, p := range released {
				out = append(out, ReceivedDatagram{Kind: ReceivedFull, Stream: id, Payload: p})
			}
		default:
			e.metrics.Increment(stats.PacketsInvalid)
		}
	}
}

// Update advances protocol time to now (milliseconds), flushing the engine
// when due and folding the elapsed interval into the bandwidth estimates.
// Call it every 10-100ms or at the time returned by [Endpoint.Check].
func (e *Endpoint) Update(now uint32) error {
	err := e.engine.Update(now)

	if acked := e.engine.AckedSegments(); acked > e.lastAckSegs {
		e.metrics.Add(stats.PacketsAcked, acked-e.lastAckSegs)
		e.lastAckSegs = acked
	}
	if e.haveUpdate {
		if dt := int32(now - e.lastUpdate); dt > 0 {
			elapsed := float64(dt)
			e.metrics.ObserveSent(e.sink.bytes-e.lastSinkBytes, elapsed)
			e.metrics.ObserveReceived(e.recvBytes, elapsed)
			e.metrics.ObserveAcked(int(e.engine.AckedBytes()-e.lastAckBytes), elapsed)
			e.lastSinkBytes = e.sink.bytes
			e.lastAckBytes = e.engine.AckedBytes()
			e.recvBytes = 0
		}
	}
	e.lastUpdate = now
	e.haveUpdate = true
	return err
}

// Check returns the earliest time Update needs to run again.
func (e *Endpoint) Check(now uint32) uint32 { return e.engine.Check(now) }

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
