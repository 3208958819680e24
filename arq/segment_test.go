package arq

import (
	"bytes"
	"errors"
	"testing"
)

func TestSegmentEncodeDecodeRoundTrip(t *testing.T) {
	want := segment{
		sessionID: 0xDEADBEEF,
		cmd:       CmdPush,
		fragID:    3,
		wnd:       17,
		ts:        123456,
		sn:        42,
		una:       40,
		data:      []byte("the payload"),
	}
	encoded := want.encode(nil)
	if len(encoded) != HeaderSize+len(want.data) {
		t.Fatalf("want %d encoded bytes, got %d", HeaderSize+len(want.data), len(encoded))
	}

	got, n, err := decodeSegment(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(encoded) {
		t.Fatalf("want %d bytes consumed, got %d", len(encoded), n)
	}
	if got.sessionID != want.sessionID || got.cmd != want.cmd || got.fragID != want.fragID ||
		got.wnd != want.wnd || got.ts != want.ts || got.sn != want.sn || got.una != want.una {
		t.Fatalf("header mismatch: want %+v, got %+v", want, got)
	}
	if !bytes.Equal(got.data, want.data) {
		t.Fatalf("payload mismatch: want %q, got %q", want.data, got.data)
	}
}

func TestDecodeSegmentErrors(t *testing.T) {
	valid := (&segment{cmd: CmdACK}).encode(nil)

	tests := []struct {
		name string
		mut  func([]byte) []byte
		want error
	}{
		{"short header", func(b []byte) []byte { return b[:HeaderSize-1] }, ErrBufferTooSmall},
		{"empty", func(b []byte) []byte { return nil }, ErrBufferTooSmall},
		{"unknown command", func(b []byte) []byte { b[4] = 200; return b }, ErrInvalidCommand},
		{"truncated payload", func(b []byte) []byte { b[23] = 10; return b }, ErrIncompleteMessage},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := tc.mut(append([]byte(nil), valid...))
			if _, _, err := decodeSegment(in); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodeSegmentCopiesPayload(t *testing.T) {
	encoded := (&segment{cmd: CmdPush, data: []byte("abc")}).encode(nil)
	seg, _, err := decodeSegment(encoded)
	if err != nil {
		t.Fatal(err)
	}
	encoded[HeaderSize] = 'X'
	if string(seg.data) != "abc" {
		t.Fatal("decoded payload aliases the input buffer")
	}
}

func TestCommandString(t *testing.T) {
	for cmd, want := range map[Command]string{
		CmdPush: "PUSH", CmdACK: "ACK", CmdWindowAsk: "WASK", CmdWindowTell: "WINS", Command(0): "INVALID",
	} {
		if got := cmd.String(); got != want {
			t.Fatalf("Command(%d).String() = %q, want %q", uint8(cmd), got, want)
		}
	}
}

func FuzzDecodeSegment(f *testing.F) {
	f.Add((&segment{cmd: CmdPush, data: []byte("seed")}).encode(nil))
	f.Add((&segment{cmd: CmdACK, sn: 99, ts: 1}).encode(nil))
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		seg, n, err := decodeSegment(data)
		if err != nil {
			return
		}
		if n < HeaderSize || n > len(data) {
			t.Fatalf("consumed %d bytes of %d", n, len(data))
		}
		reencoded := seg.encode(nil)
		if !bytes.Equal(reencoded, data[:n]) {
			t.Fatalf("re-encode mismatch: %x != %x", reencoded, data[:n])
		}
	})
}
