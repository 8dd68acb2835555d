// Package isr is the ISR channel (§2 component 3, §4.2): the
// interrupt-context receive parser, transmit byte-pump, timeout clock,
// statistics counters, and the seqlock-protected snapshot of the most
// recent valid frame. In this rewrite "ISR context" is a dedicated
// goroutine driven by Tick, exactly as real firmware drives it from a
// UART RX interrupt or a 5ms polling timer (§4.2) — the snapshot is still
// published with the wait-free, lock-free seqlock contract from §5/§9 so
// that readers on other goroutines (cmd, link) never block it.
package isr

import (
	"sync"
	"sync/atomic"

	"github.com/darvell/motorlink/internal/clock"
	"github.com/darvell/motorlink/internal/codec"
	"github.com/darvell/motorlink/internal/events"
	"github.com/darvell/motorlink/internal/uart"
)

const (
	// DefaultTxIntervalMs is TX_INTERVAL_MS (§4.2).
	DefaultTxIntervalMs = 50
	// RxTimeoutMs is RX_TIMEOUT_MS (§4.2).
	RxTimeoutMs = 100
	// maxTxSpin bounds the per-byte TX-ready spin (§4.2, §9).
	maxTxSpin = 128
	// maxRxBytesPerTick bounds RX drain per tick (§4.2).
	maxRxBytesPerTick = 128
	// snapCap is the frame snapshot's fixed capacity (§3).
	snapCap = 150
	// txCap is the pending TX slot's capacity (§4.2).
	txCap = 96
)

type rxLinkState uint8

const (
	rxIdle rxLinkState = iota
	rxActive
	rxWaitResponse
)

// Frame is a copy of the snapshot as handed to a reader (§3).
type Frame struct {
	Buf      [snapCap]byte
	Len      int
	Opcode   byte
	Protocol codec.Protocol
	Aux16    uint16
	Seq      uint8
}

// Stats mirrors get_stats() (§4.2).
type Stats struct {
	TxCount   uint64
	RxCount   uint64
	RxErrors  uint64
	Timeouts  uint64
	QueueFull uint64
	LastRxMs  uint32
}

// Channel is the ISR-side state: RX parsers, TX pending slot, the
// snapshot, and stats. Tick must be called from a single goroutine (the
// "ISR"); the Queue*/TxBusy/V2Expect/CopyLastFrame/GetStats methods may be
// called from a different goroutine (the "main loop").
type Channel struct {
	port uart.Port
	clk  clock.Source
	eq   *events.Queue

	shengyi shengyiParser
	stx02   stx02Parser
	auth    authParser
	v2      v2Parser

	state     rxLinkState
	rxStartMs uint32

	// snapshot — seqlock protected. seq is the only field touched with
	// atomics; the rest are plain fields written only by Tick's goroutine
	// and read by CopyLastFrame's retry loop, per the §5/§9 seqlock
	// contract (a torn read is caught and retried, never locked out).
	seq        uint32
	snapBuf    [snapCap]byte
	snapLen    int
	snapOpcode byte
	snapProto  codec.Protocol
	snapAux16  uint16

	motorReadyEmitted bool

	// TX pending slot — guarded by a plain mutex. Unlike the snapshot this
	// is written by both the main loop (Queue*) and drained by Tick, and
	// there is no wait-free requirement on it (§4.2 only mandates the
	// snapshot and event push be wait-free), so a short critical section
	// here is the idiomatic choice.
	txMu         sync.Mutex
	txBuf        [txCap]byte
	txLen        int
	txPending    bool
	txIntervalMs uint32
	lastTxMs     uint32

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Channel wired to the given transport, clock, and event
// queue (init(event_queue), §4.2 — "fails never").
func New(port uart.Port, clk clock.Source, eq *events.Queue) *Channel {
	c := &Channel{
		port:         port,
		clk:          clk,
		eq:           eq,
		txIntervalMs: DefaultTxIntervalMs,
	}
	c.shengyi.reset()
	c.stx02.reset()
	c.auth.reset()
	return c
}

// SetTxInterval lets link override TX_INTERVAL_MS per protocol (§4.2).
func (c *Channel) SetTxInterval(ms uint32) {
	c.txMu.Lock()
	c.txIntervalMs = ms
	c.txMu.Unlock()
}

// Tick drains up to 128 RX bytes, advances timers, and emits TX if due
// (§4.2).
func (c *Channel) Tick(nowMs uint32) {
	for i := 0; i < maxRxBytesPerTick; i++ {
		b, ok := c.port.ReadByte()
		if !ok {
			break
		}
		c.feedByte(b, nowMs)
	}
	c.checkRxTimeout(nowMs)
	c.pumpTx(nowMs)
}

func (c *Channel) feedByte(b byte, now uint32) {
	captured := false

	if got, errCode, hasErr := c.shengyi.feed(b); hasErr {
		c.bumpRxError(errCode, now)
	} else if got {
		frame := append([]byte(nil), c.shengyi.buf[:c.shengyi.idx]...)
		c.shengyi.reset()
		opcode, _, ok := codec.ValidateShengyiAny(frame, len(frame))
		if ok {
			c.publish(frame, opcode, codec.ProtoShengyi, 0, now)
			captured = true
		} else {
			c.bumpRxError(0x02, now)
		}
	}

	if got, errCode, hasErr := c.stx02.feed(b); hasErr {
		c.bumpRxError(errCode, now)
	} else if got {
		frame := append([]byte(nil), c.stx02.buf[:c.stx02.idx]...)
		c.stx02.reset()
		_, ok := codec.ValidateSTX02(frame, len(frame))
		if ok {
			c.publish(frame, frame[2], codec.ProtoSTX02, 0, now)
			captured = true
		} else {
			c.bumpRxError(0x02, now)
		}
	}

	if got, errCode, hasErr := c.auth.feed(b); hasErr {
		c.bumpRxError(errCode, now)
	} else if got {
		frame := append([]byte(nil), c.auth.buf[:c.auth.idx]...)
		c.auth.reset()
		_, ok := codec.ValidateAUTH(frame, len(frame))
		if ok {
			c.publish(frame, frame[0], codec.ProtoAUTH, 0, now)
			captured = true
		} else {
			c.bumpRxError(0x02, now)
		}
	}

	if got, frame, aux := c.v2.feed(b); got {
		c.publish(frame, frame[0], codec.ProtoV2, aux, now)
		captured = true
	}

	midFrame := c.shengyi.active() || c.stx02.active() || c.auth.active() || c.v2.active()
	if captured {
		c.state = rxIdle
	} else if c.state == rxIdle && midFrame {
		c.state = rxActive
		c.rxStartMs = now
	}
}

func (c *Channel) bumpRxError(code byte, now uint32) {
	c.statsMu.Lock()
	c.stats.RxErrors++
	c.statsMu.Unlock()
	c.eq.Push(events.Event{Kind: events.KindMotorError, Payload16: uint16(code), TimeMs: now})
}

// publish is the single-producer capture protocol from §4.2: write the
// bytes and metadata, then increment seq (the release). motor-ready is
// emitted the first time any frame is captured.
func (c *Channel) publish(bytes []byte, opcode byte, proto codec.Protocol, aux16 uint16, now uint32) {
	n := len(bytes)
	if n > snapCap {
		n = snapCap
	}
	copy(c.snapBuf[:], bytes[:n])
	c.snapLen = n
	c.snapOpcode = opcode
	c.snapProto = proto
	c.snapAux16 = aux16
	atomic.AddUint32(&c.seq, 1)

	c.statsMu.Lock()
	c.stats.RxCount++
	c.stats.LastRxMs = now
	c.statsMu.Unlock()

	if !c.motorReadyEmitted {
		c.motorReadyEmitted = true
		c.eq.Push(events.Event{Kind: events.KindMotorReady, TimeMs: now})
	}
	c.eq.Push(events.Event{
		Kind:      events.KindMotorState,
		Payload16: events.StatePayload(byte(proto), opcode),
		TimeMs:    now,
	})
}

func (c *Channel) checkRxTimeout(now uint32) {
	if c.state != rxActive && c.state != rxWaitResponse {
		return
	}
	if now-c.rxStartMs < RxTimeoutMs {
		return
	}
	c.eq.Push(events.Event{Kind: events.KindMotorTimeout, TimeMs: now})
	c.statsMu.Lock()
	c.stats.Timeouts++
	c.statsMu.Unlock()
	c.shengyi.reset()
	c.stx02.reset()
	c.auth.reset()
	c.v2 = v2Parser{}
	c.state = rxIdle
}

func (c *Channel) pumpTx(now uint32) {
	c.txMu.Lock()
	if !c.txPending || now-c.lastTxMs < c.txIntervalMs {
		c.txMu.Unlock()
		return
	}
	buf := c.txBuf
	n := c.txLen
	c.txMu.Unlock()

	sent := 0
	for sent < n {
		spin := 0
		for !c.port.TxReady() {
			spin++
			if spin >= maxTxSpin {
				// TX stuck: abandon without an event (§7 — "TX health is
				// inferred from tx_count progression").
				c.txMu.Lock()
				c.txPending = false
				c.txMu.Unlock()
				return
			}
		}
		if err := c.port.WriteByte(buf[sent]); err != nil {
			c.txMu.Lock()
			c.txPending = false
			c.txMu.Unlock()
			return
		}
		sent++
	}

	c.txMu.Lock()
	c.txPending = false
	c.lastTxMs = now
	c.txMu.Unlock()

	c.statsMu.Lock()
	c.stats.TxCount++
	c.statsMu.Unlock()

	c.state = rxWaitResponse
	c.rxStartMs = now
}

// QueueCmd builds a Shengyi 0x52 request into the pending slot (§4.2, §6).
func (c *Channel) QueueCmd(assist byte, light, walk, batteryLow, speedOver bool) bool {
	flags := byte(0)
	if light {
		flags |= 0x80
	}
	if batteryLow {
		flags |= 0x20
	}
	if walk {
		flags |= 0x10
	}
	if speedOver {
		flags |= 0x01
	}
	payload := []byte{assist, flags}
	scratch := make([]byte, 0, txCap)
	n := codec.BuildShengyi(0x52, payload, scratch[:0:txCap])
	if n == 0 {
		return false
	}
	return c.QueueFrame(scratch[:n], n)
}

// QueueFrame queues a pre-built frame of any protocol (§4.2).
func (c *Channel) QueueFrame(bytes []byte, n int) bool {
	if n <= 0 || n > txCap {
		return false
	}
	c.txMu.Lock()
	copy(c.txBuf[:], bytes[:n])
	c.txLen = n
	c.txPending = true
	c.txMu.Unlock()
	return true
}

// TxBusy reports whether the pending slot is occupied (§4.2).
func (c *Channel) TxBusy() bool {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return c.txPending
}

// V2Expect arms deterministic V2 capture (§4.2).
func (c *Channel) V2Expect(msgID uint16, totalLen int) {
	c.v2.arm(msgID, totalLen)
}

// CopyLastFrame performs the seqlock-protected snapshot copy (§4.2, §5,
// §9): read seq, copy fields, read seq again, retry on mismatch. Returns
// false if no frame has ever been published.
func (c *Channel) CopyLastFrame(out *Frame) bool {
	for {
		s1 := atomic.LoadUint32(&c.seq)
		if s1 == 0 {
			return false
		}
		out.Len = c.snapLen
		out.Opcode = c.snapOpcode
		out.Protocol = c.snapProto
		out.Aux16 = c.snapAux16
		copy(out.Buf[:out.Len], c.snapBuf[:out.Len])
		s2 := atomic.LoadUint32(&c.seq)
		if s1 == s2 {
			out.Seq = byte(s1)
			return true
		}
	}
}

// GetStats returns a copy of the counters (§4.2).
func (c *Channel) GetStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats
	s.QueueFull = c.eq.QueueFull()
	return s
}
