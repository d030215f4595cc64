package picprog

import (
	"io"
	"net"
	"testing"
	"time"
)

// bridgeEnd answers the host side of a pipe from a goroutine.
func bridgeEnd(t *testing.T, conn net.Conn, expect int, reply []byte) <-chan []byte {
	t.Helper()
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, expect)
		if _, err := io.ReadFull(conn, buf); err != nil {
			got <- nil
			return
		}
		got <- buf
		if len(reply) > 0 {
			conn.Write(reply)
		}
	}()
	return got
}

func TestStreamTransportConnect(t *testing.T) {
	tests := []struct {
		name   string
		lvp    bool
		want   byte
		reply  []byte
		failed bool
	}{
		{"high voltage", false, OpConnect, []byte{ReplyOK}, false},
		{"low voltage", true, OpConnectLVP, []byte{ReplyOK}, false},
		{"garbled reply", false, OpConnect, []byte{0xA5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, bridge := net.Pipe()
			defer host.Close()
			defer bridge.Close()

			sent := bridgeEnd(t, bridge, 1, tt.reply)
			err := NewStreamTransport(host, time.Second).Connect(tt.lvp)
			if b := <-sent; len(b) != 1 || b[0] != tt.want {
				t.Fatalf("bridge received % X, want %02X", b, tt.want)
			}
			if tt.failed {
				if KindOf(err) != KindHandshake {
					t.Fatalf("error kind = %v, want %v", KindOf(err), KindHandshake)
				}
				return
			}
			if err != nil {
				t.Fatalf("Connect returned error: %v", err)
			}
		})
	}
}

func TestStreamTransportConnectNoReply(t *testing.T) {
	host, bridge := net.Pipe()
	defer host.Close()
	defer bridge.Close()

	bridgeEnd(t, bridge, 1, nil)
	err := NewStreamTransport(host, 50*time.Millisecond).Connect(false)
	if KindOf(err) != KindHandshake {
		t.Fatalf("error kind = %v, want %v", KindOf(err), KindHandshake)
	}
}

func TestStreamTransportDisconnect(t *testing.T) {
	host, bridge := net.Pipe()
	defer host.Close()
	defer bridge.Close()

	sent := bridgeEnd(t, bridge, 1, nil)
	if err := NewStreamTransport(host, time.Second).Disconnect(); err != nil {
		t.Fatalf("Disconnect returned error: %v", err)
	}
	if b := <-sent; len(b) != 1 || b[0] != OpDisconnect {
		t.Fatalf("bridge received % X, want 'x'", b)
	}
}

func TestRecvTimeout(t *testing.T) {
	t.Run("nothing received", func(t *testing.T) {
		host, bridge := net.Pipe()
		defer host.Close()
		defer bridge.Close()

		b, err := RecvTimeout(host, 2, 50*time.Millisecond)
		if len(b) != 0 || KindOf(err) != KindTimeout {
			t.Fatalf("got % X, %v; want timeout", b, err)
		}
	})

	t.Run("partial", func(t *testing.T) {
		host, bridge := net.Pipe()
		defer host.Close()
		defer bridge.Close()

		go bridge.Write([]byte{0x3F})
		b, err := RecvTimeout(host, 2, 100*time.Millisecond)
		if len(b) != 1 || b[0] != 0x3F {
			t.Fatalf("got % X, want 3F", b)
		}
		if e, ok := err.(*ShortReadError); !ok || e.Got != 1 || e.Want != 2 {
			t.Fatalf("got %v, want short read of 1 of 2 bytes", err)
		}
	})

	t.Run("complete", func(t *testing.T) {
		host, bridge := net.Pipe()
		defer host.Close()
		defer bridge.Close()

		go bridge.Write([]byte{0x12, 0x34})
		b, err := RecvTimeout(host, 2, time.Second)
		if err != nil || len(b) != 2 || b[0] != 0x12 || b[1] != 0x34 {
			t.Fatalf("got % X, %v", b, err)
		}
	})
}

// pollingPort behaves like a serial port with a read timeout: once its data is
// drained every read returns io.EOF.
type pollingPort struct {
	data []byte
}

func (p *pollingPort) Read(b []byte) (int, error) {
	if len(p.data) == 0 {
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	n := copy(b, p.data[:1])
	p.data = p.data[n:]
	return n, nil
}

func TestRecvTimeoutPolling(t *testing.T) {
	port := &pollingPort{data: []byte{'K'}}
	b, err := RecvTimeout(port, 1, 50*time.Millisecond)
	if err != nil || len(b) != 1 || b[0] != 'K' {
		t.Fatalf("got % X, %v", b, err)
	}

	start := time.Now()
	_, err = RecvTimeout(port, 1, 50*time.Millisecond)
	if KindOf(err) != KindTimeout {
		t.Fatalf("error kind = %v, want %v", KindOf(err), KindTimeout)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("timed out before the deadline")
	}
}

func TestDryRunTransport(t *testing.T) {
	transport := NewDryRunTransport("test")
	if err := transport.Connect(true); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	if err := transport.Send(NewWriteFrame(0, []uint16{1}).Bytes()); err != nil {
		t.Fatal(err)
	}
	if b, err := transport.RecvExact(1); err != nil || b[0] != ReplyOK {
		t.Fatalf("write reply % X, %v", b, err)
	}

	if err := transport.Send(NewReadFrame(0, 2).Bytes()); err != nil {
		t.Fatal(err)
	}
	b, err := transport.RecvExact(4)
	if err != nil {
		t.Fatal(err)
	}
	if words := BytesToWords(b); words[0] != ErasedWord || words[1] != ErasedWord {
		t.Fatalf("read returned %X, want erased words", words)
	}

	if _, err := transport.RecvExact(1); KindOf(err) != KindTimeout {
		t.Fatalf("error kind = %v, want %v", KindOf(err), KindTimeout)
	}
	if n := len(transport.(*dryRunTransport).frames); n != 2 {
		t.Fatalf("recorded %d frames, want 2", n)
	}
}
