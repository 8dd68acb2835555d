package cmd

import (
	"testing"

	"github.com/darvell/motorlink/internal/battery"
	"github.com/darvell/motorlink/internal/clock"
	"github.com/darvell/motorlink/internal/codec"
	"github.com/darvell/motorlink/internal/config"
	"github.com/darvell/motorlink/internal/events"
	"github.com/darvell/motorlink/internal/isr"
	"github.com/darvell/motorlink/internal/uart"
	"github.com/darvell/motorlink/internal/vgear"
)

func newTestProcessor() (*Processor, *isr.Channel, *uart.Loopback, *clock.Fake, *battery.Static) {
	lb := uart.NewLoopback()
	lb.SetReady(true)
	clk := clock.NewFake(0)
	eq := events.New(32)
	isrCh := isr.New(lb, clk, eq)
	cfg := config.Default()
	adc := battery.NewStatic()
	gears := vgear.New(5, vgear.Linear, vgear.MinQ15, vgear.MaxQ15)
	proc := NewProcessor(eq, isrCh, cfg, adc, gears)
	return proc, isrCh, lb, clk, adc
}

func feedAndPoll(proc *Processor, isrCh *isr.Channel, lb *uart.Loopback, clk *clock.Fake, frame []byte) {
	lb.Feed(frame)
	now := clk.NowMs()
	isrCh.Tick(now)
	proc.Poll(now)
}

func buildShengyi052(battByte, currentByte, speedHi, speedLo, errByte byte) []byte {
	payload := []byte{battByte, currentByte, speedHi, speedLo, errByte}
	out := make([]byte, len(payload)+codec.ShengyiOverhead)
	n := codec.BuildShengyi(0x52, payload, out)
	return out[:n]
}

func TestDecodeShengyi052UpdatesStatus(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()
	frame := buildShengyi052(0x20, 0x0F, 0x00, 0x00, 0x00)
	feedAndPoll(proc, isrCh, lb, clk, frame)

	st := proc.Status()
	if !st.Valid {
		t.Fatalf("Status().Valid = false after a valid 0x52 frame")
	}
	wantBatteryDv := int(0x20&0x3F) * 10
	if st.BatteryDv != wantBatteryDv {
		t.Errorf("BatteryDv = %d, want %d", st.BatteryDv, wantBatteryDv)
	}
}

func TestADCSuppressesStaleStatusBattery(t *testing.T) {
	proc, isrCh, lb, clk, adc := newTestProcessor()
	adc.Set(battery.Sample{VoltageDv: 365, TimeMs: 100})
	clk.Set(150) // 50ms old, within the 200ms freshness window

	frame := buildShengyi052(0x20, 0x00, 0x00, 0x00, 0x00)
	feedAndPoll(proc, isrCh, lb, clk, frame)

	st := proc.Status()
	if st.BatteryDv != 365 {
		t.Errorf("BatteryDv = %d, want 365 (fresh ADC sample should win)", st.BatteryDv)
	}
}

func TestStaleADCDoesNotSuppressStatusBattery(t *testing.T) {
	proc, isrCh, lb, clk, adc := newTestProcessor()
	adc.Set(battery.Sample{VoltageDv: 365, TimeMs: 0})
	clk.Set(300) // 300ms old, outside the 200ms window

	frame := buildShengyi052(0x20, 0x00, 0x00, 0x00, 0x00)
	feedAndPoll(proc, isrCh, lb, clk, frame)

	st := proc.Status()
	want := int(0x20&0x3F) * 10
	if st.BatteryDv != want {
		t.Errorf("BatteryDv = %d, want %d (stale ADC sample should not override)", st.BatteryDv, want)
	}
}

func TestErrorCodeNormalizedOutOfRange(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()
	frame := buildShengyi052(0x20, 0x00, 0x00, 0x00, 0x05) // 5 is outside [33,38]
	feedAndPoll(proc, isrCh, lb, clk, frame)

	st := proc.Status()
	if st.LastErrorCode != 0xFF {
		t.Errorf("LastErrorCode = %#x, want 0xFF for an out-of-range error byte", st.LastErrorCode)
	}
}

func TestErrorCodeZeroPassesThrough(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()
	frame := buildShengyi052(0x20, 0x00, 0x00, 0x00, 0x00)
	feedAndPoll(proc, isrCh, lb, clk, frame)

	if st := proc.Status(); st.LastErrorCode != 0x00 {
		t.Errorf("LastErrorCode = %#x, want 0x00", st.LastErrorCode)
	}
}

func TestHandshakeGatesUpdateCommand(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	if proc.UpdateCommand() {
		t.Fatalf("UpdateCommand() = true before handshake, want false")
	}

	payload := []byte{0x01, 0x02}
	out := make([]byte, len(payload)+codec.ShengyiOverhead)
	n := codec.BuildShengyi(0x53, payload, out)
	feedAndPoll(proc, isrCh, lb, clk, out[:n])

	if !proc.GetStats().HandshakeOK {
		t.Fatalf("HandshakeOK = false after a 0x53 frame")
	}
	if !proc.UpdateCommand() {
		t.Errorf("UpdateCommand() = false after handshake, want true")
	}
	if !isrCh.TxBusy() {
		t.Errorf("TxBusy() = false after a successful UpdateCommand")
	}
}

func TestResetHandshakeClearsLatch(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()
	payload := []byte{0x01, 0x02}
	out := make([]byte, len(payload)+codec.ShengyiOverhead)
	n := codec.BuildShengyi(0x53, payload, out)
	feedAndPoll(proc, isrCh, lb, clk, out[:n])

	if !proc.GetStats().HandshakeOK {
		t.Fatalf("setup: HandshakeOK should be true")
	}
	proc.ResetHandshake()
	if proc.GetStats().HandshakeOK {
		t.Errorf("HandshakeOK = true after ResetHandshake, want false")
	}
}

func TestCommFaultTimeoutWithinGraceIgnored(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	// Establish a valid frame at t=0, so LastUpdateMs=0.
	frame := buildShengyi052(0x20, 0x00, 0x00, 0x00, 0x00)
	feedAndPoll(proc, isrCh, lb, clk, frame)

	// A partial frame times out at t=260 -- still within 500ms of the last
	// good frame, so the gate in §4.4/§7 should suppress the latch.
	clk.Set(150)
	lb.Feed([]byte{codec.ShengyiSOF1, 0x1A, 0x52})
	isrCh.Tick(clk.NowMs())
	clk.Set(260)
	isrCh.Tick(clk.NowMs())
	proc.Poll(clk.NowMs())

	if proc.GetStats().CommFaultActive {
		t.Errorf("CommFaultActive = true for a timeout within the 500ms grace window")
	}
	if !proc.Status().Valid {
		t.Errorf("Status().Valid = false for a timeout within the 500ms grace window")
	}
}

func TestCommFaultTimeoutAfterGraceLatchesAndClears(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	// Establish a valid frame at t=0, so LastUpdateMs=0.
	frame := buildShengyi052(0x20, 0x00, 0x00, 0x00, 0x00)
	feedAndPoll(proc, isrCh, lb, clk, frame)

	// A partial frame times out at t=710 -- more than 500ms past the last
	// good frame, so the latch should engage.
	clk.Set(600)
	lb.Feed([]byte{codec.ShengyiSOF1, 0x1A, 0x52})
	isrCh.Tick(clk.NowMs())
	clk.Set(710)
	isrCh.Tick(clk.NowMs())
	proc.Poll(clk.NowMs())

	if !proc.GetStats().CommFaultActive {
		t.Fatalf("CommFaultActive = false for a timeout outside the 500ms grace window")
	}
	if proc.Status().Valid {
		t.Errorf("Status().Valid = true after a latched comm fault")
	}

	// A subsequent valid frame clears it.
	clk.Set(720)
	frame2 := buildShengyi052(0x20, 0x00, 0x00, 0x00, 0x00)
	feedAndPoll(proc, isrCh, lb, clk, frame2)

	if proc.GetStats().CommFaultActive {
		t.Errorf("CommFaultActive = true after a valid frame, want false (latch should clear)")
	}
}

func TestSetAssistClampsAndSetsIntent(t *testing.T) {
	proc, _, _, _, _ := newTestProcessor()
	proc.SetAssist(99)
	if got := proc.Intent().AssistLevel; got != 5 {
		t.Errorf("AssistLevel = %d, want clamped to 5 (gear table count)", got)
	}
}

func TestSetLightTogglesIntentAndDirty(t *testing.T) {
	proc, _, _, _, _ := newTestProcessor()
	proc.SetLight(true)
	if !proc.Intent().Light {
		t.Errorf("Light = false, want true")
	}
}

func TestBrakeDecodedAndForcesZeroAssist(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	payload := []byte{0x01, 0x02}
	out := make([]byte, len(payload)+codec.ShengyiOverhead)
	n := codec.BuildShengyi(0x53, payload, out)
	feedAndPoll(proc, isrCh, lb, clk, out[:n])

	brakeFrame := buildShengyi052(0x60, 0x00, 0x00, 0x00, 0x00) // b0&0x40 set
	feedAndPoll(proc, isrCh, lb, clk, brakeFrame)

	if !proc.Status().Brake {
		t.Fatalf("Status().Brake = false, want true for b0&0x40 set")
	}

	lb.Sent() // drain anything already queued by the handshake/telemetry path
	proc.SetAssist(3)
	clk.Set(clk.NowMs() + isr.DefaultTxIntervalMs)
	isrCh.Tick(clk.NowMs())

	sent := lb.Sent()
	if len(sent) < 5 {
		t.Fatalf("no command frame transmitted, got %d bytes", len(sent))
	}
	if assistByte := sent[4]; assistByte != 0x00 {
		t.Errorf("transmitted assist byte = %#x, want 0x00 while braking", assistByte)
	}
}

func TestShengyiC0AppliesOEMConfigAndAcks(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	payload := []byte{5, 1, 26, 25, 10, 5}
	frame := make([]byte, len(payload)+codec.ShengyiOverhead)
	n := codec.BuildShengyi(0xC0, payload, frame)
	feedAndPoll(proc, isrCh, lb, clk, frame[:n])

	if got := proc.GetStats().ParseErrors; got != 0 {
		t.Errorf("ParseErrors = %d after a valid 0xC0 frame, want 0", got)
	}
	if got := proc.cfg.GetMotor().CurrentCapA; got != 10 {
		t.Errorf("CurrentCapA = %d after 0xC0, want 10 (applied from payload[4])", got)
	}
	if !isrCh.TxBusy() {
		t.Errorf("TxBusy() = false after 0xC0, want true (ack/echo queued)")
	}
}

func TestShengyiC0ShortPayloadCountsParseError(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	payload := []byte{5, 1, 26} // short of the 6 fields decodeShengyiC0Locked needs
	frame := make([]byte, len(payload)+codec.ShengyiOverhead)
	n := codec.BuildShengyi(0xC0, payload, frame)
	feedAndPoll(proc, isrCh, lb, clk, frame[:n])

	if got := proc.GetStats().ParseErrors; got != 1 {
		t.Errorf("ParseErrors = %d, want 1 for a short 0xC0 payload", got)
	}
}

func TestShengyiC2SendsAck(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	frame := make([]byte, codec.ShengyiOverhead)
	n := codec.BuildShengyi(0xC2, nil, frame)
	feedAndPoll(proc, isrCh, lb, clk, frame[:n])

	if !isrCh.TxBusy() {
		t.Errorf("TxBusy() = false after 0xC2, want true (0xC3 ack queued)")
	}
}

type fakeLinkSwitcher struct {
	lastIdx byte
	calls   int
}

func (f *fakeLinkSwitcher) SwitchProtocol(idx byte) {
	f.lastIdx = idx
	f.calls++
}

func TestShengyiABSwitchesProtocolViaLinkSwitcher(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()
	ls := &fakeLinkSwitcher{}
	proc.SetLinkSwitcher(ls)

	payload := []byte{0x00, 0x02} // payload[1] selects the protocol index
	frame := make([]byte, len(payload)+codec.ShengyiOverhead)
	n := codec.BuildShengyi(0xAB, payload, frame)
	feedAndPoll(proc, isrCh, lb, clk, frame[:n])

	if ls.calls != 1 {
		t.Fatalf("SwitchProtocol called %d times, want 1", ls.calls)
	}
	if ls.lastIdx != 0x02 {
		t.Errorf("SwitchProtocol idx = %#x, want 0x02", ls.lastIdx)
	}
}

func TestDispatchSTX02UpdatesStatus(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	payload := []byte{0x00, 0x00, 0x64, 0x00, 0x00, 0x01, 0x2C, 75}
	frame := make([]byte, len(payload)+4)
	n := codec.BuildSTX02(1, payload, frame)
	feedAndPoll(proc, isrCh, lb, clk, frame[:n])

	st := proc.Status()
	if !st.Valid {
		t.Fatalf("Status().Valid = false after a valid STX02 frame")
	}
	if st.SOC != 75 {
		t.Errorf("SOC = %d, want 75", st.SOC)
	}
	if got := proc.GetStats().ParseErrors; got != 0 {
		t.Errorf("ParseErrors = %d, want 0 for a valid STX02 frame", got)
	}
}

func TestDispatchSTX02WrongCmdCountsParseError(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	payload := []byte{0x00, 0x00, 0x64, 0x00, 0x00, 0x01, 0x2C, 75}
	frame := make([]byte, len(payload)+4)
	n := codec.BuildSTX02(2, payload, frame) // cmd != 1

	feedAndPoll(proc, isrCh, lb, clk, frame[:n])

	if got := proc.GetStats().ParseErrors; got != 1 {
		t.Errorf("ParseErrors = %d, want 1 for a non-cmd-1 STX02 frame", got)
	}
}

func TestDispatchAUTHUpdatesStatus(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	body := []byte{3, 9, 0x00, 0xC8}
	frame := make([]byte, len(body)+3)
	n := codec.BuildAUTH(codec.AuthSOFA, body, frame)
	feedAndPoll(proc, isrCh, lb, clk, frame[:n])

	st := proc.Status()
	if !st.Valid {
		t.Fatalf("Status().Valid = false after a valid AUTH frame")
	}
	if st.SOC != 60 {
		t.Errorf("SOC = %d, want 60", st.SOC)
	}
	if got := proc.GetStats().ParseErrors; got != 0 {
		t.Errorf("ParseErrors = %d, want 0 for a valid AUTH frame", got)
	}
}

func TestDispatchAUTHWrongSOFCountsParseError(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	body := []byte{3, 9, 0x00, 0xC8}
	frame := make([]byte, len(body)+3)
	n := codec.BuildAUTH(codec.AuthSOFB, body, frame) // valid frame, wrong opcode SOF
	feedAndPoll(proc, isrCh, lb, clk, frame[:n])

	if got := proc.GetStats().ParseErrors; got != 1 {
		t.Errorf("ParseErrors = %d, want 1 for an AUTH frame carrying SOFB", got)
	}
}

func TestDispatchV2UpdatesStatus(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	isrCh.V2Expect(0, 4)
	lb.Feed([]byte{0x00, 0x00, 0x01, 0x2C}) // periodMs = 0x012C = 300
	now := clk.NowMs()
	isrCh.Tick(now)
	proc.Poll(now)

	st := proc.Status()
	if !st.Valid {
		t.Fatalf("Status().Valid = false after a valid V2 frame")
	}
	want := periodToDmph(300)
	if st.SpeedDmph != want {
		t.Errorf("SpeedDmph = %d, want %d", st.SpeedDmph, want)
	}
	if got := proc.GetStats().ParseErrors; got != 0 {
		t.Errorf("ParseErrors = %d, want 0 for a valid V2 frame", got)
	}
}

func TestDispatchV2OutOfRangePeriodCountsParseError(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	isrCh.V2Expect(0, 4)
	lb.Feed([]byte{0x00, 0x00, 0x27, 0x10}) // periodMs = 0x2710 = 10000, out of [50,5000]
	now := clk.NowMs()
	isrCh.Tick(now)
	proc.Poll(now)

	if got := proc.GetStats().ParseErrors; got != 1 {
		t.Errorf("ParseErrors = %d, want 1 for an out-of-range V2 period", got)
	}
}

func TestMotorErrorEventDoesNotCountParseError(t *testing.T) {
	proc, isrCh, lb, clk, _ := newTestProcessor()

	// An oversized Shengyi length byte triggers the ISR-level RX-error
	// path (bumpRxError), which is a MOTOR_ERROR event, not a cmd-level
	// decode failure.
	lb.Feed([]byte{codec.ShengyiSOF1, 0x1A, 0x52, 0xFF})
	now := clk.NowMs()
	isrCh.Tick(now)
	proc.Poll(now)

	if got := proc.GetStats().ParseErrors; got != 0 {
		t.Errorf("ParseErrors = %d, want 0 for an ISR-level RX error", got)
	}
	if got := isrCh.GetStats().RxErrors; got != 1 {
		t.Errorf("isr RxErrors = %d, want 1", got)
	}
}
