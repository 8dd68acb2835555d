// Package cmd is the command processor (§2 component 5, §4.4): the
// main-loop event consumer that reads snapshots via isr, dispatches on
// (protocol, opcode), decodes telemetry into shared input state, and
// computes TX-dirty flags.
package cmd

// Status is the decoded telemetry cache (§3 "Motor status cache").
// Mutated only by Processor; read by UI/telemetry collaborators.
type Status struct {
	RPM             int    `json:"rpm"`
	SpeedDmph       int    `json:"speedDmph"`
	TorqueRaw       int    `json:"torqueRaw"`
	PowerW          int    `json:"powerW"`
	BatteryDv       int    `json:"batteryDv"`       // 0.1 V
	BatteryDaSigned int    `json:"batteryDaSigned"` // 0.1 A, signed
	ControllerTempD int    `json:"controllerTempD"` // 0.1 °C
	SOC             int    `json:"soc"`             // percent
	LastErrorCode   byte   `json:"lastErrorCode"`
	LastAssistLevel int    `json:"lastAssistLevel"`
	Brake           bool   `json:"brake"`
	LastUpdateMs    uint32 `json:"lastUpdateMs"`
	Valid           bool   `json:"valid"`
}

// Intent is the command-intent state (§3 "Command intent"). Mutated by
// the UI collaborator via Processor's setters; consumed by link.
type Intent struct {
	AssistLevel int
	Light       bool
	Walk        bool
	SpeedOver   bool
	BatteryLow  bool
	CmdDirty    bool
}

// LinkSwitcher is the narrow interface into the link manager that the
// Shengyi 0xAB "motor requested protocol switch" dispatch needs (§4.4).
// Implemented by *link.Manager; kept this small so cmd does not import
// link (link is the layer above cmd).
type LinkSwitcher interface {
	SwitchProtocol(idx byte)
}

// Stats tracks cmd-side counters not already owned by isr (§7).
type Stats struct {
	ParseErrors     uint64
	CommFaultActive bool
	HandshakeOK     bool
}
