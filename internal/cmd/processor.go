package cmd

import (
	"math"
	"sync"

	"github.com/darvell/motorlink/internal/battery"
	"github.com/darvell/motorlink/internal/codec"
	"github.com/darvell/motorlink/internal/config"
	"github.com/darvell/motorlink/internal/events"
	"github.com/darvell/motorlink/internal/isr"
	"github.com/darvell/motorlink/internal/mapper"
	"github.com/darvell/motorlink/internal/vgear"
)

// ackScratchCap bounds the Shengyi 0xC1/0xC3 reply frames this package
// builds (both are well under the 142-byte payload ceiling).
const ackScratchCap = 96

// Processor is the command processor (§2 component 5, §4.4): it drains
// the shared event queue, dispatches decoded frames into the status
// cache, and gates outbound command frames behind cmd_dirty / heartbeat.
// Safe for concurrent Status()/Intent()/GetStats() reads from a server
// goroutine while Poll/setters run on the main loop.
type Processor struct {
	mu sync.RWMutex

	eq    *events.Queue
	isrCh *isr.Channel
	cfg   *config.Config
	adc   battery.Reader
	gears *vgear.Table
	link  LinkSwitcher

	status Status
	intent Intent
	stats  Stats

	oemMax     int
	activeGear int
}

// NewProcessor wires a Processor to the shared event queue, ISR channel,
// persisted config, battery ADC, and virtual-gear table (§4.4).
func NewProcessor(eq *events.Queue, isrCh *isr.Channel, cfg *config.Config, adc battery.Reader, gears *vgear.Table) *Processor {
	return &Processor{
		eq:     eq,
		isrCh:  isrCh,
		cfg:    cfg,
		adc:    adc,
		gears:  gears,
		oemMax: mapper.OEMMax(cfg.GetMotor().AssistCount),
	}
}

// SetLinkSwitcher wires the 0xAB protocol-switch dispatch to the link
// manager. Done as a second step in main.go since link itself is
// constructed with a reference to this Processor.
func (p *Processor) SetLinkSwitcher(ls LinkSwitcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.link = ls
}

// Poll drains all currently queued events and dispatches them. Call once
// per main-loop iteration, after isr.Channel.Tick (§4.3: "drained by the
// main loop").
func (p *Processor) Poll(now uint32) {
	for _, ev := range p.eq.Drain() {
		p.handle(ev, now)
	}
}

func (p *Processor) handle(ev events.Event, now uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case events.KindMotorState:
		proto, opcode := events.SplitStatePayload(ev.Payload16)
		var fr isr.Frame
		if !p.isrCh.CopyLastFrame(&fr) {
			return
		}
		if byte(fr.Protocol) != proto || fr.Opcode != opcode {
			// A newer frame already overwrote the snapshot before we got
			// here; this event is stale and the newer one has its own
			// pending MOTOR_STATE event behind it (§4.4).
			return
		}
		p.dispatchLocked(fr, ev.TimeMs)
	case events.KindMotorError:
		// ISR-level RX error, already counted in isr.Stats.RxErrors;
		// ParseErrors is reserved for cmd-level decode failures (§7).
	case events.KindMotorTimeout:
		if ev.TimeMs-p.status.LastUpdateMs > 500 {
			p.status.Valid = false
			p.stats.CommFaultActive = true
		}
	case events.KindMotorReady:
		p.intent.CmdDirty = true
	}
}

func (p *Processor) dispatchLocked(fr isr.Frame, now uint32) {
	switch fr.Protocol {
	case codec.ProtoShengyi:
		p.dispatchShengyiLocked(fr, now)
	case codec.ProtoSTX02:
		p.dispatchSTX02Locked(fr, now)
	case codec.ProtoAUTH:
		p.dispatchAUTHLocked(fr, now)
	case codec.ProtoV2:
		p.dispatchV2Locked(fr, now)
	}
}

func (p *Processor) dispatchShengyiLocked(fr isr.Frame, now uint32) {
	opcode, payload, ok := codec.ValidateShengyiAny(fr.Buf[:fr.Len], fr.Len)
	if !ok {
		p.stats.ParseErrors++
		return
	}
	switch opcode {
	case 0x52:
		p.decodeShengyi052Locked(payload, now)
	case 0x53:
		p.stats.HandshakeOK = true
	case 0xC0:
		p.decodeShengyiC0Locked(payload, now)
	case 0xC2:
		p.sendShengyiC3Locked()
	case 0xAB:
		if len(payload) >= 2 && p.link != nil {
			p.link.SwitchProtocol(payload[1])
		}
	}
}

func (p *Processor) decodeShengyi052Locked(payload []byte, now uint32) {
	if len(payload) < 5 {
		p.stats.ParseErrors++
		return
	}
	b0, b1, speedHi, speedLo, errByte := payload[0], payload[1], payload[2], payload[3], payload[4]

	batteryDv := int(b0&0x3F) * 10
	brake := b0&0x40 != 0
	batteryDa := int(math.Round(float64(b1) * 10.0 / 3.0))

	speedRaw := int(speedHi)<<8 | int(speedLo)
	speedDmph := 0
	if speedRaw > 0 {
		wheelMM := p.cfg.WheelMM()
		speedDmph = int(math.Round(float64(wheelMM) * 36.0 / float64(speedRaw) * 62137.0 / 100000.0))
		if speedDmph > 621 {
			speedDmph = 621
		}
	}

	errCode := errByte
	if errByte != 0 && (errByte < 33 || errByte > 38) {
		errCode = 0xFF
	}

	if sample, have := p.adc.Read(); have && battery.IsFresh(now, sample.TimeMs) {
		p.status.BatteryDv = int(sample.VoltageDv)
	} else {
		p.status.BatteryDv = batteryDv
	}

	p.status.BatteryDaSigned = batteryDa
	p.status.SpeedDmph = speedDmph
	p.status.LastErrorCode = errCode
	p.status.Brake = brake
	p.status.SOC = socFromVoltage(p.status.BatteryDv, p.cfg.NominalVoltage())
	p.status.LastUpdateMs = now
	p.status.Valid = true
	p.stats.CommFaultActive = false

	newBatteryLow := p.status.SOC == 0
	if newBatteryLow != p.intent.BatteryLow {
		p.intent.BatteryLow = newBatteryLow
		p.intent.CmdDirty = true
	}
}

func (p *Processor) decodeShengyiC0Locked(payload []byte, now uint32) {
	if len(payload) < 6 {
		p.stats.ParseErrors++
		return
	}
	assistCount := int(payload[0])
	nominalVoltage := voltageFromCode(payload[1])
	wheelCode := int(payload[2])
	speedCap := int(payload[3])
	currentCap := int(payload[4])
	walkTimeout := int(payload[5])

	applied := p.cfg.ApplyOEMConfig(assistCount, nominalVoltage, wheelCode, speedCap, currentCap, walkTimeout)
	p.oemMax = mapper.OEMMax(p.cfg.GetMotor().AssistCount)
	p.activeGear = p.gears.ClampGear(p.activeGear)

	status := byte(0)
	if applied {
		status = 1
	}
	p.sendShengyiAckLocked(0xC1, []byte{status})
	p.sendShengyiC3Locked()
}

func (p *Processor) sendShengyiC3Locked() {
	m := p.cfg.GetMotor()
	payload := []byte{
		byte(m.AssistCount),
		codeFromVoltage(m.NominalVoltage),
		byte(m.WheelCode),
		byte(m.SpeedCapKph),
		byte(m.CurrentCapA),
		byte(m.WalkTimeoutS),
	}
	p.sendShengyiAckLocked(0xC3, payload)
}

func (p *Processor) sendShengyiAckLocked(opcode byte, payload []byte) {
	scratch := make([]byte, 0, ackScratchCap)
	n := codec.BuildShengyi(opcode, payload, scratch[:0:ackScratchCap])
	if n > 0 {
		p.isrCh.QueueFrame(scratch[:n], n)
	}
}

func voltageFromCode(b byte) int {
	switch b {
	case 0:
		return 24
	case 2:
		return 48
	default:
		return 36
	}
}

func codeFromVoltage(v int) byte {
	switch v {
	case 24:
		return 0
	case 48:
		return 2
	default:
		return 1
	}
}

func (p *Processor) dispatchSTX02Locked(fr isr.Frame, now uint32) {
	payload, ok := codec.ValidateSTX02(fr.Buf[:fr.Len], fr.Len)
	if !ok || fr.Opcode != 1 || len(payload) < 8 {
		p.stats.ParseErrors++
		return
	}
	flags := payload[0]
	currentRaw := int(payload[1])<<8 | int(payload[2])
	current := currentRaw & 0x3FFF
	if currentRaw&0x4000 == 0 {
		current *= 10
	}
	if current > 32767 {
		current = 32767
	}

	periodMs := int(payload[5])<<8 | int(payload[6])
	speed := 0
	if periodMs < 3000 {
		speed = periodToDmph(periodMs)
	}

	p.status.LastErrorCode = byte(errorFromSTX02Flags(flags))
	p.status.BatteryDaSigned = current
	p.status.SpeedDmph = speed
	if socRaw := int(payload[7]); socRaw <= 100 {
		p.status.SOC = socRaw
	}
	p.status.LastUpdateMs = now
	p.status.Valid = true
	p.stats.CommFaultActive = false
}

func (p *Processor) dispatchAUTHLocked(fr isr.Frame, now uint32) {
	payload, ok := codec.ValidateAUTH(fr.Buf[:fr.Len], fr.Len)
	if !ok || fr.Opcode != codec.AuthSOFA || len(payload) < 4 {
		p.stats.ParseErrors++
		return
	}
	soc := int(payload[0]) * 20
	if soc > 100 {
		soc = 100
	}
	current := (int(payload[1])*10 + 1) / 3
	periodMs := int(payload[2])<<8 | int(payload[3])
	speed := 0
	if periodMs < 3000 {
		speed = periodToDmph(periodMs)
	}

	p.status.SOC = soc
	p.status.BatteryDaSigned = current
	p.status.SpeedDmph = speed
	p.status.LastUpdateMs = now
	p.status.Valid = true
	p.stats.CommFaultActive = false
}

func (p *Processor) dispatchV2Locked(fr isr.Frame, now uint32) {
	if fr.Len < 4 {
		p.stats.ParseErrors++
		return
	}
	periodMs := int(fr.Buf[2])<<8 | int(fr.Buf[3])
	if periodMs < 50 || periodMs > 5000 {
		p.stats.ParseErrors++
		return
	}
	p.status.SpeedDmph = periodToDmph(periodMs)
	p.status.LastUpdateMs = now
	p.status.Valid = true
	p.stats.CommFaultActive = false
}

// ResetHandshake clears the Shengyi handshake-OK latch. Called by link
// when it re-initializes the Shengyi sub-module after a protocol switch
// (§4.5).
func (p *Processor) ResetHandshake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.HandshakeOK = false
}

// Status returns a copy of the current telemetry cache.
func (p *Processor) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Intent returns a copy of the current command intent.
func (p *Processor) Intent() Intent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.intent
}

// GetStats returns a copy of the cmd-side counters.
func (p *Processor) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// SetAssist sets the active virtual gear by 1-based index (§4.6 UI
// setter), clamped against the current gear table, and re-gates the
// outbound command.
func (p *Processor) SetAssist(gear int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.gears.ClampGear(gear - 1)
	if g == p.activeGear {
		return
	}
	p.activeGear = g
	p.intent.AssistLevel = g + 1
	p.intent.CmdDirty = true
	p.updateCommandLocked()
}

// SetActiveGear is an alias for SetAssist using the gear table's own
// 0-based indexing, for callers that already hold a gear index rather
// than an assist level.
func (p *Processor) SetActiveGear(gear int) {
	p.SetAssist(gear + 1)
}

func (p *Processor) SetLight(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.intent.Light == on {
		return
	}
	p.intent.Light = on
	p.intent.CmdDirty = true
	p.updateCommandLocked()
}

func (p *Processor) SetWalk(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.intent.Walk == on {
		return
	}
	p.intent.Walk = on
	p.intent.CmdDirty = true
	p.updateCommandLocked()
}

func (p *Processor) SetSpeedOver(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.intent.SpeedOver == on {
		return
	}
	p.intent.SpeedOver = on
	p.intent.CmdDirty = true
	p.updateCommandLocked()
}

// SetOEMGearCount snaps a requested virtual-gear count to the nearest OEM
// assist-count option (§4.1, §4.6 UI setter).
func (p *Processor) SetOEMGearCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oemMax = mapper.OEMMax(count)
	p.activeGear = p.gears.ClampGear(p.activeGear)
	p.intent.CmdDirty = true
	p.updateCommandLocked()
}

// UpdateCommand is the outbound gate (§4.4): queues a fresh Shengyi 0x52
// request if the handshake has completed. Exported so link's periodic
// driver can force a heartbeat resend even when nothing changed.
func (p *Processor) UpdateCommand() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateCommandLocked()
}

func (p *Processor) updateCommandLocked() bool {
	if !p.stats.HandshakeOK {
		return false
	}
	assistByte := mapper.AssistByte(p.oemMax, p.intent.AssistLevel, p.status.Brake)
	ok := p.isrCh.QueueCmd(assistByte, p.intent.Light, p.intent.Walk, p.intent.BatteryLow, p.intent.SpeedOver)
	if ok {
		p.intent.CmdDirty = false
	}
	return ok
}
