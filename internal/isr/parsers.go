package isr

import "github.com/darvell/motorlink/internal/codec"

// Each parser below runs independently against every incoming byte (§4.2 —
// "four state machines running concurrently on the same byte stream").
// They never call into the Channel directly; feed returns what happened so
// Channel.feedByte can push events and publish the snapshot.

// shengyiParser implements WAIT_START -> WAIT_SECOND -> WAIT_OPCODE ->
// WAIT_LEN -> READ_PAYLOAD.
type shengyiParser struct {
	state shengyiState
	buf   [150]byte
	idx   int
	total int
}

type shengyiState uint8

const (
	sgWaitStart shengyiState = iota
	sgWaitSecond
	sgWaitOpcode
	sgWaitLen
	sgReadPayload
)

func (p *shengyiParser) reset() {
	p.state = sgWaitStart
	p.idx = 0
}

func (p *shengyiParser) active() bool { return p.idx > 0 }

// feed processes one byte. captured means a full frame is sitting in
// buf[:idx] ready for validation; errCode/hasErr means a transient RX
// error was detected and the parser already self-reset.
func (p *shengyiParser) feed(b byte) (captured bool, errCode byte, hasErr bool) {
	switch p.state {
	case sgWaitStart:
		if b == codec.ShengyiSOF1 {
			p.buf[0] = b
			p.idx = 1
			p.state = sgWaitSecond
		}
	case sgWaitSecond:
		p.buf[1] = b
		p.idx = 2
		p.state = sgWaitOpcode
	case sgWaitOpcode:
		p.buf[2] = b
		p.idx = 3
		p.state = sgWaitLen
	case sgWaitLen:
		payloadLen := int(b)
		if payloadLen > codec.ShengyiMaxPayload {
			p.reset()
			return false, 0xFE, true
		}
		p.buf[3] = b
		p.idx = 4
		p.total = payloadLen + codec.ShengyiOverhead
		p.state = sgReadPayload
	case sgReadPayload:
		if p.idx >= len(p.buf) {
			p.reset()
			return false, 0xFF, true
		}
		p.buf[p.idx] = b
		p.idx++
		if p.idx == p.total {
			captured = true
		}
	}
	return captured, 0, false
}

// stx02Parser implements WAIT_SOF -> WAIT_LEN -> READ.
type stx02Parser struct {
	state stx02State
	buf   [codec.STX02MaxLen]byte
	idx   int
	total int
}

type stx02State uint8

const (
	stWaitSOF stx02State = iota
	stWaitLen
	stRead
)

func (p *stx02Parser) reset() {
	p.state = stWaitSOF
	p.idx = 0
}

func (p *stx02Parser) active() bool { return p.idx > 0 }

func (p *stx02Parser) feed(b byte) (captured bool, errCode byte, hasErr bool) {
	switch p.state {
	case stWaitSOF:
		if b == codec.STX02SOF {
			p.buf[0] = b
			p.idx = 1
			p.state = stWaitLen
		}
	case stWaitLen:
		total := int(b)
		if total < codec.STX02MinLen || total > codec.STX02MaxLen {
			p.reset()
			return false, 0xFE, true
		}
		p.buf[1] = b
		p.idx = 2
		p.total = total
		p.state = stRead
	case stRead:
		if p.idx >= len(p.buf) {
			p.reset()
			return false, 0xFF, true
		}
		p.buf[p.idx] = b
		p.idx++
		if p.idx == p.total {
			captured = true
		}
	}
	return captured, 0, false
}

// authMaxLen bounds the AUTH frame buffer; the wire format has no declared
// length, just a CR terminator, so this is a generous safety cap.
const authMaxLen = 32

// authParser activates on 0x46/0x53 and collects until 0x0D.
type authParser struct {
	on  bool
	buf [authMaxLen]byte
	idx int
}

func (p *authParser) reset() {
	p.on = false
	p.idx = 0
}

func (p *authParser) active() bool { return p.on }

func (p *authParser) feed(b byte) (captured bool, errCode byte, hasErr bool) {
	if !p.on {
		if b == codec.AuthSOFA || b == codec.AuthSOFB {
			p.on = true
			p.buf[0] = b
			p.idx = 1
		}
		return false, 0, false
	}
	if p.idx >= len(p.buf) {
		p.reset()
		return false, 0xFF, true
	}
	p.buf[p.idx] = b
	p.idx++
	if b == codec.AuthCR {
		captured = true
	}
	return captured, 0, false
}

// v2Parser keeps a 5-byte sliding window for undirected capture, plus a
// deterministic mode armed by link.v2_expect (§4.2) that wins whenever
// both would otherwise fire.
type v2Parser struct {
	window [codec.V2MaxLen]byte
	winLen int

	expectArmed bool
	expectMsgID uint16
	expectTotal int
	expectBuf   [codec.V2MaxLen]byte
	expectIdx   int
}

func (p *v2Parser) active() bool { return p.expectArmed && p.expectIdx > 0 }

func (p *v2Parser) arm(msgID uint16, total int) {
	p.expectArmed = true
	p.expectMsgID = msgID
	p.expectTotal = total
	p.expectIdx = 0
}

// feed returns captured plus the frame bytes and aux16 (the armed msgID,
// or 0 for undirected captures) when a frame completes.
func (p *v2Parser) feed(b byte) (captured bool, frame []byte, aux16 uint16) {
	if p.expectArmed {
		if p.expectIdx < len(p.expectBuf) {
			p.expectBuf[p.expectIdx] = b
			p.expectIdx++
		}
		if p.expectIdx == p.expectTotal {
			out := append([]byte(nil), p.expectBuf[:p.expectIdx]...)
			aux := p.expectMsgID
			p.expectArmed = false
			p.expectIdx = 0
			return true, out, aux
		}
		return false, nil, 0
	}

	if p.winLen < len(p.window) {
		p.window[p.winLen] = b
		p.winLen++
	} else {
		copy(p.window[:], p.window[1:])
		p.window[len(p.window)-1] = b
	}

	for _, n := range [...]int{3, 4, 5} {
		if p.winLen < n {
			continue
		}
		candidate := p.window[p.winLen-n : p.winLen]
		if codec.ValidateV2(candidate, n) {
			out := append([]byte(nil), candidate...)
			return true, out, 0
		}
	}
	return false, nil, 0
}
