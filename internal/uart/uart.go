// Package uart is the shared UART2 transport collaborator (§5, §6): ISR
// drains RX and pumps TX bytes, while the main loop (via link) reconfigures
// baud on protocol change. Baud changes close and reopen the port, which
// is how real 8N1 UARTs are reconfigured outside interrupt context.
package uart

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is what the ISR and link manager need from the transport: a
// byte-level, non-blocking RX queue, a byte-level TX with a readiness
// check (so the ISR's bounded spin, §4.2, has something to spin on), and a
// baud switch. Mirrors the open/close lifecycle in
// ecu/speeduino.go and gps/nmea.go.
type Port interface {
	Open() error
	Close() error
	SetBaud(baud int) error
	Baud() int

	// TxReady reports whether a byte can be accepted right now.
	TxReady() bool
	// WriteByte accepts one TX byte. Only valid when TxReady() is true.
	WriteByte(b byte) error

	// ReadByte returns the next buffered RX byte, non-blocking.
	ReadByte() (b byte, ok bool)
}

// SerialPort is the real transport, backed by go.bug.st/serial. A
// background goroutine continuously reads from the port and feeds a
// bounded channel so ReadByte can be non-blocking, the same shape the
// teacher's bufio.Scanner-over-serial.Port gives gps/nmea.go.
type SerialPort struct {
	path string
	baud int
	port serial.Port

	rx     chan byte
	closed chan struct{}
}

// NewSerialPort creates a transport for path, opened at the given baud
// (9600 when baud is 0) until a protocol switch calls SetBaud.
func NewSerialPort(path string, baud int) *SerialPort {
	if baud == 0 {
		baud = 9600
	}
	return &SerialPort{path: path, baud: baud}
}

func (s *SerialPort) Open() error {
	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.path, mode)
	if err != nil {
		return fmt.Errorf("uart: failed to open %s: %w", s.path, err)
	}
	if err := port.SetReadTimeout(20 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("uart: failed to set timeout: %w", err)
	}
	s.port = port
	s.rx = make(chan byte, 512)
	s.closed = make(chan struct{})
	go s.pump()
	return nil
}

func (s *SerialPort) pump() {
	buf := make([]byte, 256)
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		n, err := s.port.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			select {
			case s.rx <- buf[i]:
			default:
				// RX overrun at the transport layer; the ISR's own
				// buffer-overflow error path (§4.2, §7) covers frame-level
				// overflow, this just avoids blocking the pump goroutine.
			}
		}
	}
}

func (s *SerialPort) Close() error {
	if s.closed != nil {
		close(s.closed)
	}
	if s.port != nil {
		return s.port.Close()
	}
	return nil
}

// SetBaud reopens the port at the new baud rate, disabling/re-enabling the
// UART around the change per §4.5/§5.
func (s *SerialPort) SetBaud(baud int) error {
	if s.baud == baud {
		return nil
	}
	if s.port != nil {
		s.Close()
	}
	s.baud = baud
	return s.Open()
}

func (s *SerialPort) Baud() int { return s.baud }

// TxReady is true whenever the port is open: go.bug.st/serial's Write
// already blocks until the OS driver accepts the bytes, so there is no
// separate readiness flag to poll.
func (s *SerialPort) TxReady() bool { return s.port != nil }

func (s *SerialPort) WriteByte(b byte) error {
	if s.port == nil {
		return fmt.Errorf("uart: not open")
	}
	_, err := s.port.Write([]byte{b})
	return err
}

func (s *SerialPort) ReadByte() (byte, bool) {
	select {
	case b := <-s.rx:
		return b, true
	default:
		return 0, false
	}
}

// Loopback is a zero-I/O Port for demo mode and tests: bytes written are
// collected for Sent, bytes to be read are supplied with Feed, and readiness
// can be forced false to exercise the ISR's bounded TX spin.
type Loopback struct {
	baud  int
	rxBuf []byte
	txBuf []byte
	ready bool
}

// NewLoopback creates a Loopback transport, ready by default.
func NewLoopback() *Loopback {
	return &Loopback{baud: 9600, ready: true}
}

func (l *Loopback) Open() error         { return nil }
func (l *Loopback) Close() error        { return nil }
func (l *Loopback) SetBaud(b int) error { l.baud = b; return nil }
func (l *Loopback) Baud() int           { return l.baud }
func (l *Loopback) TxReady() bool       { return l.ready }

// SetReady lets tests force the TX-stuck path (§7).
func (l *Loopback) SetReady(r bool) { l.ready = r }

func (l *Loopback) WriteByte(b byte) error {
	if !l.ready {
		return fmt.Errorf("uart: not ready")
	}
	l.txBuf = append(l.txBuf, b)
	return nil
}

func (l *Loopback) ReadByte() (byte, bool) {
	if len(l.rxBuf) == 0 {
		return 0, false
	}
	b := l.rxBuf[0]
	l.rxBuf = l.rxBuf[1:]
	return b, true
}

// Feed injects bytes as if received over the wire (test helper).
func (l *Loopback) Feed(bytes []byte) {
	l.rxBuf = append(l.rxBuf, bytes...)
}

// Sent drains and returns everything written so far (test helper).
func (l *Loopback) Sent() []byte {
	out := l.txBuf
	l.txBuf = nil
	return out
}
