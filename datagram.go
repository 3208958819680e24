package mercury

import "fmt"

// NoStream marks a datagram that belongs to no sequenced or ordered stream.
const NoStream = 0xFF

// Datagram is a request to send one payload under a particular delivery and
// ordering guarantee. Construct datagrams with the guarantee helpers below;
// the zero value is an unreliable unordered datagram with no payload.
//
// The payload is borrowed, not owned: it must stay untouched until Send
// returns, after which the caller may reuse it.
type Datagram struct {
	// StreamID selects the sequenced or ordered stream, NoStream when the
	// ordering guarantee is none.
	StreamID int
	Delivery DeliveryGuarantee
	Ordering OrderingGuarantee
	Payload  []byte
}

// Unreliable returns a fire-and-forget datagram.
func Unreliable(payload []byte) Datagram {
	return Datagram{
		Delivery: DeliveryUnreliable,
		Ordering: OrderingNone,
		StreamID: NoStream,
		Payload:  payload,
	}
}

// Sequenced returns an unreliable newest-wins datagram on the given
// sequenced stream.
func Sequenced(payload []byte, streamID int) Datagram {
	return Datagram{
		Delivery: DeliveryUnreliable,
		Ordering: OrderingSequenced,
		StreamID: streamID,
		Payload:  payload,
	}
}

// Reliable returns a datagram retransmitted until acknowledged, with no
// ordering relationship to other datagrams.
func Reliable(payload []byte) Datagram {
	return Datagram{
		Delivery: DeliveryReliable,
		Ordering: OrderingNone,
		StreamID: NoStream,
		Payload:  payload,
	}
}

// ReliableSequenced returns a reliable newest-wins datagram on the given
// sequenced stream.
func ReliableSequenced(payload []byte, streamID int) Datagram {
	return Datagram{
		Delivery: DeliveryReliable,
		Ordering: OrderingSequenced,
		StreamID: streamID,
		Payload:  payload,
	}
}

// ReliableOrdered returns a reliable datagram delivered in exact send order
// on the given ordered stream.
func ReliableOrdered(payload []byte, streamID int) Datagram {
	return Datagram{
		Delivery: DeliveryReliable,
		Ordering: OrderingOrdered,
		StreamID: streamID,
		Payload:  payload,
	}
}

// NewDatagram builds a datagram from explicit guarantees, rejecting the
// unreliable+ordered combination: ordering requires the reliability layer's
// retransmissions to fill gaps.
func NewDatagram(delivery DeliveryGuarantee, ordering OrderingGuarantee, streamID int, payload []byte) (Datagram, error) {
	if delivery == DeliveryUnreliable && ordering == OrderingOrdered {
		return Datagram{}, fmt.Errorf("%w: unreliable datagrams cannot be ordered", ErrInvalidConfiguration)
	}
	if ordering == OrderingNone {
		streamID = NoStream
	}
	return Datagram{Delivery: delivery, Ordering: ordering, StreamID: streamID, Payload: payload}, nil
}

// IsReliable reports whether the datagram is retransmitted until
// acknowledged.
func (d Datagram) IsReliable() bool { return d.Delivery == DeliveryReliable }

// IsOrdered reports whether the datagram is delivered in exact send order.
func (d Datagram) IsOrdered() bool { return d.Ordering == OrderingOrdered }

// IsSequenced reports whether the datagram is delivered newest-wins.
func (d Datagram) IsSequenced() bool { return d.Ordering == OrderingSequenced }

// ReceiveKind tags the two outcomes of processing one inbound packet.
type ReceiveKind uint8

const (
	// ReceivedFull is a complete datagram ready for the application.
	ReceivedFull ReceiveKind = iota
	// ReceivedFragment reports a fragment accepted into reassembly while
	// its group is still incomplete. The payload is empty.
	ReceivedFragment
)

// ReceivedDatagram is one delivery produced by [Endpoint.Receive].
type ReceivedDatagram struct {
	Kind ReceiveKind
	// Stream is the stream the datagram arrived on, NoStream when none.
	Stream int
	// Payload is owned by the caller once returned.
	Payload []byte
}
