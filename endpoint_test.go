package mercury

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/mercuryproto/mercury/stats"
)

// packetSink captures each Write as one wire packet.
type packetSink struct {
	packets [][]byte
}

func (s *packetSink) Write(p []byte) (int, error) {
	s.packets = append(s.packets, append([]byte(nil), p...))
	return len(p), nil
}

func (s *packetSink) drain() [][]byte {
	pkts := s.packets
	s.packets = nil
	return pkts
}

func newTestEndpoint(t *testing.T, cfg Config, out *packetSink) *Endpoint {
	t.Helper()
	var w io.Writer
	if out != nil {
		w = out
	}
	e, err := NewEndpoint(cfg, w)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEndpointUnreliableRoundTrip(t *testing.T) {
	a := newTestEndpoint(t, Config{}, nil)
	b := newTestEndpoint(t, Config{}, nil)

	payload := []byte("state update 17")
	pkt, err := a.Send(Unreliable(payload))
	if err != nil {
		t.Fatal(err)
	}
	if pkt == nil {
		t.Fatal("single-packet unreliable send returned no bytes")
	}

	got, err := b.Receive(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Kind != ReceivedFull || got[0].Stream != NoStream {
		t.Fatalf("got %+v", got)
	}
	if !bytes.Equal(got[0].Payload, payload) {
		t.Fatalf("payload mismatch: %q", got[0].Payload)
	}
}

func TestEndpointSequencedDropsStale(t *testing.T) {
	a := newTestEndpoint(t, Config{}, nil)
	b := newTestEndpoint(t, Config{}, nil)

	older, err := a.Send(Sequenced([]byte("old"), 0))
	if err != nil {
		t.Fatal(err)
	}
	newer, err := a.Send(Sequenced([]byte("new"), 0))
	if err != nil {
		t.Fatal(err)
	}

	// Deliver out of order: the newer datagram lands first.
	got, err := b.Receive(newer)
	if err != nil || len(got) != 1 || string(got[0].Payload) != "new" {
		t.Fatalf("newer datagram not delivered: %v %v", got, err)
	}
	got, err = b.Receive(older)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("stale datagram delivered: %+v", got)
	}
	if b.Metrics().Count(stats.PacketsStale) != 1 {
		t.Fatal("stale drop not counted")
	}
}

func TestEndpointInvalidStreamID(t *testing.T) {
	a := newTestEndpoint(t, Config{}, nil)
	if _, err := a.Send(Sequenced([]byte("x"), 5)); !errors.Is(err, ErrInvalidStreamID) {
		t.Fatalf("want ErrInvalidStreamID, got %v", err)
	}
	if _, err := a.Send(ReliableOrdered([]byte("x"), 1)); !errors.Is(err, ErrInvalidStreamID) {
		t.Fatalf("want ErrInvalidStreamID for ordered, got %v", err)
	}
}

func TestEndpointRejectsUnreliableOrdered(t *testing.T) {
	a := newTestEndpoint(t, Config{}, nil)
	d := Datagram{Delivery: DeliveryUnreliable, Ordering: OrderingOrdered, StreamID: 0, Payload: []byte("x")}
	if _, err := a.Send(d); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("want ErrInvalidConfiguration, got %v", err)
	}
}

func TestEndpointPayloadTooLarge(t *testing.T) {
	a := newTestEndpoint(t, Config{MaxFragments: 2, FragmentSize: 10}, nil)
	_, err := a.Send(Unreliable(make([]byte, 21)))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("want ErrPayloadTooLarge, got %v", err)
	}
	var sizeErr *PayloadSizeError
	if !errors.As(err, &sizeErr) || sizeErr.Size != 21 || sizeErr.Max != 20 {
		t.Fatalf("size detail lost: %v", err)
	}
	if a.Metrics().Count(stats.PacketsTooLargeToSend) != 1 {
		t.Fatal("oversize send not counted")
	}
}

func TestEndpointFragmentRoundTrip(t *testing.T) {
	sink := &packetSink{}
	cfg := Config{MaxFragments: 8, FragmentSize: 16}
	a := newTestEndpoint(t, cfg, sink)
	b := newTestEndpoint(t, cfg, nil)

	payload := make([]byte, 100)
	rand.New(rand.NewSource(2)).Read(payload)
	ret, err := a.Send(Unreliable(payload))
	if err != nil {
		t.Fatal(err)
	}
	if ret != nil {
		t.Fatal("fragmented send must return nil bytes")
	}
	pkts := sink.drain()
	if len(pkts) != 7 {
		t.Fatalf("want 7 fragments for 100 bytes at 16 each, got %d", len(pkts))
	}

	for i, pkt := range pkts[:6] {
		got, err := b.Receive(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Kind != ReceivedFragment {
			t.Fatalf("fragment %d: want pending notice, got %+v", i, got)
		}
	}
	got, err := b.Receive(pkts[6])
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Kind != ReceivedFull {
		t.Fatalf("final fragment: got %+v", got)
	}
	if !bytes.Equal(got[0].Payload, payload) {
		t.Fatal("reassembled payload mismatch")
	}
	if b.Metrics().Count(stats.FragmentsReceived) != 7 {
		t.Fatalf("fragment count: %d", b.Metrics().Count(stats.FragmentsReceived))
	}
}

func TestEndpointFragmentsReorder(t *testing.T) {
	sink := &packetSink{}
	cfg := Config{MaxFragments: 8, FragmentSize: 16}
	a := newTestEndpoint(t, cfg, sink)
	b := newTestEndpoint(t, cfg, nil)

	payload := make([]byte, 60)
	rand.New(rand.NewSource(3)).Read(payload)
	if _, err := a.Send(Unreliable(payload)); err != nil {
		t.Fatal(err)
	}
	pkts := sink.drain()

	var full []ReceivedDatagram
	for _, i := range []int{3, 0, 2, 1} {
		got, err := b.Receive(pkts[i])
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range got {
			if d.Kind == ReceivedFull {
				full = append(full, d)
			}
		}
	}
	if len(full) != 1 || !bytes.Equal(full[0].Payload, payload) {
		t.Fatalf("out-of-order reassembly failed: %+v", full)
	}
}

func TestEndpointChecksumRejected(t *testing.T) {
	a := newTestEndpoint(t, Config{}, nil)
	b := newTestEndpoint(t, Config{}, nil)

	pkt, err := a.Send(Unreliable([]byte("checked")))
	if err != nil {
		t.Fatal(err)
	}
	pkt[5] ^= 0xFF // flip a payload byte

	got, err := b.Receive(pkt)
	if err != nil || got != nil {
		t.Fatalf("corrupted packet must drop silently: %v %v", got, err)
	}
	if b.Metrics().Count(stats.PacketsInvalid) != 1 {
		t.Fatal("corruption not counted")
	}
}

func TestEndpointUnknownPacketKind(t *testing.T) {
	b := newTestEndpoint(t, Config{}, nil)
	if _, err := b.Receive([]byte{0x7F, 1, 2, 3}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("want ErrInvalidCommand, got %v", err)
	}
}

// pump steps both endpoints every 10ms over [from, until), shuttling packets
// between them, and returns what b delivered.
func pump(t *testing.T, a, b *Endpoint, aOut, bOut *packetSink, from, until uint32) []ReceivedDatagram {
	t.Helper()
	var delivered []ReceivedDatagram
	for now := from; now < until; now += 10 {
		if err := a.Update(now); err != nil {
			t.Fatal(err)
		}
		if err := b.Update(now); err != nil {
			t.Fatal(err)
		}
		for _, pkt := range aOut.drain() {
			got, err := b.Receive(pkt)
			if err != nil {
				t.Fatal(err)
			}
			delivered = append(delivered, got...)
		}
		for _, pkt := range bOut.drain() {
			if _, err := a.Receive(pkt); err != nil {
				t.Fatal(err)
			}
		}
	}
	return delivered
}

func TestEndpointReliableOrderedRoundTrip(t *testing.T) {
	aOut, bOut := &packetSink{}, &packetSink{}
	cfg := Config{SessionID: 11, Interval: 10}
	a := newTestEndpoint(t, cfg, aOut)
	b := newTestEndpoint(t, cfg, bOut)

	want := []string{"first", "second", "third"}
	for _, msg := range want {
		if _, err := a.Send(ReliableOrdered([]byte(msg), 0)); err != nil {
			t.Fatal(err)
		}
	}

	delivered := pump(t, a, b, aOut, bOut, 0, 500)
	if len(delivered) != len(want) {
		t.Fatalf("want %d deliveries, got %d", len(want), len(delivered))
	}
	for i, msg := range want {
		if delivered[i].Kind != ReceivedFull || string(delivered[i].Payload) != msg {
			t.Fatalf("delivery %d: want %q, got %+v", i, msg, delivered[i])
		}
		if delivered[i].Stream != 0 {
			t.Fatalf("delivery %d on stream %d", i, delivered[i].Stream)
		}
	}

	// The ack flow back must have cleared the sender's flight and counted.
	if got := a.engine.SegmentsAwaitingSend(); got != 0 {
		t.Fatalf("%d segments still awaiting send after acks", got)
	}
	if a.Metrics().Count(stats.PacketsAcked) == 0 {
		t.Fatal("acknowledged segments not counted")
	}
}

func TestEndpointReliableLargePayload(t *testing.T) {
	aOut, bOut := &packetSink{}, &packetSink{}
	cfg := Config{Interval: 10}
	a := newTestEndpoint(t, cfg, aOut)
	b := newTestEndpoint(t, cfg, bOut)

	payload := make([]byte, 20_000) // fragments inside the engine
	rand.New(rand.NewSource(4)).Read(payload)
	if _, err := a.Send(Reliable(payload)); err != nil {
		t.Fatal(err)
	}

	delivered := pump(t, a, b, aOut, bOut, 0, 2000)
	if len(delivered) != 1 {
		t.Fatalf("want 1 delivery, got %d", len(delivered))
	}
	if !bytes.Equal(delivered[0].Payload, payload) {
		t.Fatal("large reliable payload corrupted")
	}
}

func TestEndpointReliableSequencedDelivery(t *testing.T) {
	// The engine already orders reliable traffic, so each sequenced datagram
	// arrives newest-in-turn and every one passes the filter.
	aOut, bOut := &packetSink{}, &packetSink{}
	cfg := Config{Interval: 10}
	a := newTestEndpoint(t, cfg, aOut)
	b := newTestEndpoint(t, cfg, bOut)

	for _, msg := range []string{"v1", "v2"} {
		if _, err := a.Send(ReliableSequenced([]byte(msg), 0)); err != nil {
			t.Fatal(err)
		}
	}
	delivered := pump(t, a, b, aOut, bOut, 0, 500)
	if len(delivered) != 2 {
		t.Fatalf("want both in-order sequenced datagrams, got %d", len(delivered))
	}
}

func TestEndpointIsDeadAfterSilence(t *testing.T) {
	aOut := &packetSink{}
	cfg := Config{Interval: 10}
	a := newTestEndpoint(t, cfg, aOut)
	if _, err := a.Send(Reliable([]byte("void"))); err != nil {
		t.Fatal(err)
	}
	// The peer never answers; retransmissions exhaust the dead-link budget.
	for now := uint32(0); now < 120_000 && !a.IsDead(); now += 10 {
		if err := a.Update(now); err != nil {
			t.Fatal(err)
		}
	}
	if !a.IsDead() {
		t.Fatal("endpoint not dead after prolonged silence")
	}
}

func TestEndpointBandwidthObserved(t *testing.T) {
	aOut := &packetSink{}
	a := newTestEndpoint(t, Config{Interval: 10}, aOut)
	for now := uint32(0); now < 2000; now += 10 {
		if _, err := a.Send(Unreliable(make([]byte, 500))); err != nil {
			t.Fatal(err)
		}
		if err := a.Update(now); err != nil {
			t.Fatal(err)
		}
	}
	if a.Metrics().SentBandwidthKbps() <= 0 {
		t.Fatal("sent bandwidth estimate never moved")
	}
}
