// Package link is the link manager (§2 component 6, §4.5): the
// main-loop periodic driver that owns protocol selection (AUTO/forced),
// runs the probe sequence during auto-detect, switches UART baud on
// protocol change, and drives each protocol's periodic encoder.
package link

import (
	"github.com/darvell/motorlink/internal/cmd"
	"github.com/darvell/motorlink/internal/codec"
	"github.com/darvell/motorlink/internal/config"
	"github.com/darvell/motorlink/internal/isr"
	"github.com/darvell/motorlink/internal/uart"
)

// Mode selects protocol discrimination strategy (§3).
type Mode uint8

const (
	ModeAuto Mode = iota
	ModeForceShengyi
	ModeForceSTX02
	ModeForceAuth
	ModeForceV2
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "AUTO"
	case ModeForceShengyi:
		return "FORCE_SHENGYI"
	case ModeForceSTX02:
		return "FORCE_STX02"
	case ModeForceAuth:
		return "FORCE_AUTH"
	case ModeForceV2:
		return "FORCE_V2"
	default:
		return "MODE_UNKNOWN"
	}
}

func protoForMode(m Mode) codec.Protocol {
	switch m {
	case ModeForceSTX02:
		return codec.ProtoSTX02
	case ModeForceAuth:
		return codec.ProtoAUTH
	case ModeForceV2:
		return codec.ProtoV2
	default:
		return codec.ProtoShengyi
	}
}

const (
	probeIntervalMs  = 200
	scoreLockThresh  = 2
	scoreMax         = 250
	shengyiCadenceMs = 100
	shengyiCfgMs     = 500
	stx02CadenceMs   = 100
	authCadenceMs    = 250
	v2CadenceMs      = 120
	txScratchCap     = 96
)

var v2MessageIDs = [8]uint16{0x1190, 0x1191, 0x1192, 0x1193, 0x1194, 0x1195, 0x1196, 0x1197}

// Manager holds link state: mode, lock, per-protocol scores/timers, probe
// cursor, baud, and the STX02 speed filter (§3).
type Manager struct {
	isrCh *isr.Channel
	cfg   *config.Config
	proc  *cmd.Processor
	port  uart.Port

	mode        Mode
	locked      bool
	lockedProto codec.Protocol
	scores      [4]int
	lastSeq     uint8

	baud int

	probeStep   int
	lastProbeMs uint32

	lastTx           [4]uint32
	shengyiCfgLastMs uint32
	authToggle       bool
	walkPrev         bool
	v2Idx            int

	speedFilterDmph10 int
}

// New creates a link Manager in AUTO mode.
func New(isrCh *isr.Channel, cfg *config.Config, proc *cmd.Processor, port uart.Port) *Manager {
	m := &Manager{
		isrCh: isrCh,
		cfg:   cfg,
		proc:  proc,
		port:  port,
		baud:  9600,
	}
	return m
}

// SetMode forces a protocol or returns to AUTO, resetting scores and
// timers (§4.5: "On mode change, resets all per-protocol scores and
// timers").
func (m *Manager) SetMode(mode Mode) {
	m.mode = mode
	m.scores = [4]int{}
	m.probeStep = 0
	m.lastTx = [4]uint32{}
	m.lastProbeMs = 0

	if mode == ModeAuto {
		m.locked = false
		m.lockedProto = 0
		return
	}
	m.locked = true
	m.lockedProto = protoForMode(mode)
	if m.lockedProto == codec.ProtoShengyi {
		m.proc.ResetHandshake()
	}
	m.setBaud(codec.BaudForProto(m.lockedProto))
}

// SwitchProtocol implements cmd.LinkSwitcher for the Shengyi 0xAB
// motor-requested protocol switch (§4.4, §4.5): index
// {0:Shengyi,1:STX02,2:V2,3:AUTH} maps to a FORCE_* mode.
func (m *Manager) SwitchProtocol(idx byte) {
	switch idx {
	case 0:
		m.SetMode(ModeForceShengyi)
	case 1:
		m.SetMode(ModeForceSTX02)
	case 2:
		m.SetMode(ModeForceV2)
	case 3:
		m.SetMode(ModeForceAuth)
	}
}

func (m *Manager) setBaud(baud int) {
	if baud == m.baud {
		return
	}
	m.port.SetBaud(baud)
	m.baud = baud
}

// Tick is the main-loop periodic driver step: runs auto-detect scoring,
// then either the probe sequence (AUTO, unlocked) or the locked
// protocol's periodic encoder (§4.5).
func (m *Manager) Tick(now uint32) {
	m.autoDetect(now)

	if m.mode == ModeAuto && !m.locked {
		m.probe(now)
		return
	}
	m.lockedTick(now)
}

func (m *Manager) effectiveProtocol() (codec.Protocol, bool) {
	if m.mode != ModeAuto {
		return protoForMode(m.mode), true
	}
	if m.locked {
		return m.lockedProto, true
	}
	return 0, false
}

// autoDetect bumps the per-protocol receive score whenever a new frame
// lands in the snapshot, and locks once any score reaches the threshold
// (§4.5).
func (m *Manager) autoDetect(now uint32) {
	var fr isr.Frame
	if !m.isrCh.CopyLastFrame(&fr) {
		return
	}
	if fr.Seq == m.lastSeq {
		return
	}
	m.lastSeq = fr.Seq

	idx := int(fr.Protocol)
	if idx < 0 || idx >= len(m.scores) {
		return
	}
	if m.scores[idx] < scoreMax {
		m.scores[idx]++
	}
	if m.mode == ModeAuto && !m.locked && m.scores[idx] >= scoreLockThresh {
		m.locked = true
		m.lockedProto = fr.Protocol
		m.setBaud(codec.BaudForProto(fr.Protocol))
	}
}

// probe cycles Shengyi -> STX02 -> AUTH -> V2 requests every
// PROBE_INTERVAL_MS while unlocked in AUTO mode (§4.5).
func (m *Manager) probe(now uint32) {
	if m.isrCh.TxBusy() {
		return
	}
	if now-m.lastProbeMs < probeIntervalMs {
		return
	}
	m.lastProbeMs = now

	switch m.probeStep % 4 {
	case 0:
		m.sendShengyiZeroState()
	case 1:
		m.sendSTX02Status(now)
	case 2:
		m.sendAuthFrame(now)
	case 3:
		m.sendV2Request(v2MessageIDs[0])
	}
	m.probeStep++
}

func (m *Manager) lockedTick(now uint32) {
	proto, ok := m.effectiveProtocol()
	if !ok {
		return
	}
	switch proto {
	case codec.ProtoShengyi:
		m.shengyiLockedTick(now)
	case codec.ProtoSTX02:
		m.stx02LockedTick(now)
	case codec.ProtoAUTH:
		m.authLockedTick(now)
	case codec.ProtoV2:
		m.v2LockedTick(now)
	}
}

func (m *Manager) shengyiLockedTick(now uint32) {
	handshakeOK := m.proc.GetStats().HandshakeOK
	if !handshakeOK && now-m.shengyiCfgLastMs >= shengyiCfgMs {
		m.sendShengyiConfigRequest()
		m.shengyiCfgLastMs = now
	}
	if now-m.lastTx[codec.ProtoShengyi] >= shengyiCadenceMs {
		m.proc.UpdateCommand()
		m.lastTx[codec.ProtoShengyi] = now
	}
}

func (m *Manager) stx02LockedTick(now uint32) {
	m.updateSpeedFilter(m.proc.Status().SpeedDmph)
	if now-m.lastTx[codec.ProtoSTX02] < stx02CadenceMs {
		return
	}
	m.lastTx[codec.ProtoSTX02] = now
	m.sendSTX02Status(now)
}

// updateSpeedFilter ramps the STX02 speed filter toward target by
// |delta|/5 each tick (§3).
func (m *Manager) updateSpeedFilter(target int) {
	delta := target - m.speedFilterDmph10
	step := delta / 5
	if step == 0 {
		if delta > 0 {
			step = 1
		} else if delta < 0 {
			step = -1
		}
	}
	m.speedFilterDmph10 += step
}

func (m *Manager) authLockedTick(now uint32) {
	if now-m.lastTx[codec.ProtoAUTH] < authCadenceMs {
		return
	}
	m.lastTx[codec.ProtoAUTH] = now
	m.sendAuthFrame(now)
}

func (m *Manager) v2LockedTick(now uint32) {
	if now-m.lastTx[codec.ProtoV2] < v2CadenceMs {
		return
	}
	m.lastTx[codec.ProtoV2] = now
	id := v2MessageIDs[m.v2Idx%len(v2MessageIDs)]
	m.v2Idx++
	m.sendV2Request(id)
}

func (m *Manager) sendShengyiZeroState() {
	scratch := make([]byte, 0, txScratchCap)
	n := codec.BuildShengyi(0x52, []byte{0, 0}, scratch[:0:txScratchCap])
	if n > 0 {
		m.isrCh.QueueFrame(scratch[:n], n)
	}
}

func (m *Manager) sendShengyiConfigRequest() {
	scratch := make([]byte, 0, txScratchCap)
	n := codec.BuildShengyi(0x53, nil, scratch[:0:txScratchCap])
	if n > 0 {
		m.isrCh.QueueFrame(scratch[:n], n)
	}
}

// sendSTX02Status builds the 20-byte 0x14 status frame from persisted
// config and the current command intent (§4.5). The exact field layout
// beyond wheel diameter / speed cap / current cap / assist count / flags
// is not specified further, so this lays them out sequentially with a
// one-shot pulse bit for walk-edge transitions.
func (m *Manager) sendSTX02Status(now uint32) {
	intent := m.proc.Intent()
	motor := m.cfg.GetMotor()

	flags := byte(0)
	if intent.Light {
		flags |= 0x80
	}
	if intent.SpeedOver {
		flags |= 0x08
	}
	walkPulse := intent.Walk && !m.walkPrev
	if walkPulse {
		flags |= 0x10
	}
	m.walkPrev = intent.Walk

	payload := make([]byte, 16)
	payload[0] = flags
	payload[1] = byte(intent.AssistLevel)
	wheelMM := m.cfg.WheelMM()
	payload[2] = byte(wheelMM >> 8)
	payload[3] = byte(wheelMM)
	payload[4] = byte(motor.SpeedCapKph)
	payload[5] = byte(motor.CurrentCapA)
	payload[6] = byte(motor.AssistCount)
	payload[7] = byte(m.speedFilterDmph10 >> 8)
	payload[8] = byte(m.speedFilterDmph10)

	scratch := make([]byte, 0, txScratchCap)
	n := codec.BuildSTX02(0x14, payload, scratch[:0:txScratchCap])
	if n > 0 {
		m.isrCh.QueueFrame(scratch[:n], n)
	}
}

// sendAuthFrame builds one AUTH status/command frame, alternating SOF
// and choosing a trailing nonce byte so the XOR checksum is never 0x0D
// (§4.5).
func (m *Manager) sendAuthFrame(now uint32) {
	intent := m.proc.Intent()
	status := m.proc.Status()
	motor := m.cfg.GetMotor()

	sof := byte(codec.AuthSOFA)
	if m.authToggle {
		sof = codec.AuthSOFB
	}
	m.authToggle = !m.authToggle

	b1 := byte(intent.AssistLevel) & 0x0F
	if intent.Walk {
		b1 |= 0x10
	}
	if intent.Light {
		b1 |= 0x20
	}

	speedKph := status.SpeedDmph * 1609 / 10000
	if speedKph > 31 {
		speedKph = 31
	}
	if speedKph < 0 {
		speedKph = 0
	}
	wheelCode := byte(motor.WheelCode) & 0x07
	b2 := byte(speedKph)&0x1F | wheelCode<<5

	body := []byte{b1, b2, 0}
	for nonce := 0; nonce < 256; nonce++ {
		body[2] = byte(nonce)
		if xorBytes(body) != codec.AuthCR {
			break
		}
	}

	scratch := make([]byte, 0, txScratchCap)
	n := codec.BuildAUTH(sof, body, scratch[:0:txScratchCap])
	if n > 0 {
		m.isrCh.QueueFrame(scratch[:n], n)
	}
}

func (m *Manager) sendV2Request(id uint16) {
	body := []byte{byte(id >> 8), byte(id)}
	scratch := make([]byte, 0, txScratchCap)
	n := codec.BuildV2(body, scratch[:0:txScratchCap])
	if n > 0 {
		m.isrCh.QueueFrame(scratch[:n], n)
		m.isrCh.V2Expect(id, 5)
	}
}

func xorBytes(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// Mode returns the current mode (diagnostic API).
func (m *Manager) Mode() Mode { return m.mode }

// Locked reports whether AUTO mode has locked onto a protocol.
func (m *Manager) Locked() bool { return m.locked }

// LockedProtocol returns the locked or forced protocol, and whether one
// is currently in effect.
func (m *Manager) LockedProtocol() (codec.Protocol, bool) {
	return m.effectiveProtocol()
}

// Scores returns a copy of the per-protocol receive scores.
func (m *Manager) Scores() [4]int { return m.scores }
