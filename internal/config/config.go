// Package config is the persisted-configuration collaborator (§1): an
// external facility outside the motor link core that cmd and link read
// and, for the Shengyi 0xC0 handshake, write. Modeled on
// server/config.go's YAML-plus-env-override load path.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// wheelCodes maps the Shengyi wheel-size code byte to a wheel size in 10 mm
// units (§4.4: "wheel-size code mapped to {160,180,200,220,240,260,275,290}");
// ApplyOEMConfig multiplies the entry by 10 to set WheelMM.
var wheelCodes = [...]int{160, 180, 200, 220, 240, 260, 275, 290}

// Motor holds the live OEM configuration, as installed by a validated
// Shengyi 0xC0 frame or loaded from disk (§4.4).
type Motor struct {
	AssistCount    int `yaml:"assist_count" json:"assistCount"`       // {3,5,9}
	NominalVoltage int `yaml:"nominal_voltage" json:"nominalVoltage"` // {24,36,48}
	WheelMM        int `yaml:"wheel_mm" json:"wheelMM"`               // default 2100
	WheelCode      int `yaml:"wheel_code" json:"wheelCode"`           // index into wheelCodes
	SpeedCapKph    int `yaml:"speed_cap_kph" json:"speedCapKph"`
	CurrentCapA    int `yaml:"current_cap_a" json:"currentCapA"`
	WalkTimeoutS   int `yaml:"walk_timeout_s" json:"walkTimeoutS"`
}

// STX02 holds option bits sourced from persisted configuration (§3).
type STX02 struct {
	OptionBits uint16 `yaml:"option_bits" json:"optionBits"`
}

// Config is the full persisted document.
type Config struct {
	mu sync.RWMutex

	M Motor `yaml:"motor" json:"motor"`
	S STX02 `yaml:"stx02" json:"stx02"`

	path string
}

// Default returns sensible defaults (§4.4, §3).
func Default() *Config {
	return &Config{
		M: Motor{
			AssistCount:    5,
			NominalVoltage: 36,
			WheelMM:        2100,
			WheelCode:      3, // wheelCodes[3] == 220
			SpeedCapKph:    25,
			CurrentCapA:    15,
			WalkTimeoutS:   5,
		},
		S: STX02{OptionBits: 0},
	}
}

// Load reads a YAML config from path, falling back to defaults on any
// error, then applies environment overrides — same shape as
// server/config.go's LoadConfig.
func Load(path string) *Config {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			cfg = Default()
		}
	}
	cfg.path = path
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MOTOR_WHEEL_MM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.M.WheelMM = n
		}
	}
	if v := os.Getenv("MOTOR_NOMINAL_VOLTAGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.M.NominalVoltage = n
		}
	}
	if v := os.Getenv("MOTOR_ASSIST_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.M.AssistCount = n
		}
	}
}

// Save persists the config to its YAML path.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return fmt.Errorf("config: no path set")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the diagnostic API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// WheelMM returns the configured wheel circumference in mm (default 2100,
// §4.4).
func (c *Config) WheelMM() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.M.WheelMM <= 0 {
		return 2100
	}
	return c.M.WheelMM
}

// NominalVoltage returns the configured nominal pack voltage (§4.4 SOC
// lookup).
func (c *Config) NominalVoltage() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.M.NominalVoltage
}

// STX02OptionBits returns the persisted STX02 option bits (§3).
func (c *Config) STX02OptionBits() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.S.OptionBits
}

// GetMotor returns a copy of the live motor config.
func (c *Config) GetMotor() Motor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.M
}

// ApplyOEMConfig validates an incoming 0xC0 field set and installs any
// in-range fields, leaving out-of-range fields at their last-known-good
// value (§4.4, §7: "field silently ignored"). Returns true if at least one
// field was applied (drives the 0xC1 ack status byte).
func (c *Config) ApplyOEMConfig(assistCount, nominalVoltage, wheelCode, speedCapKph, currentCapA, walkTimeoutS int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	applied := false
	if isValidAssistCount(assistCount) {
		c.M.AssistCount = assistCount
		applied = true
	}
	if isValidNominalVoltage(nominalVoltage) {
		c.M.NominalVoltage = nominalVoltage
		applied = true
	}
	if wheelCode >= 0 && wheelCode < len(wheelCodes) {
		c.M.WheelCode = wheelCode
		c.M.WheelMM = wheelCodes[wheelCode] * 10
		applied = true
	}
	if speedCapKph > 0 && speedCapKph <= 99 {
		c.M.SpeedCapKph = speedCapKph
		applied = true
	}
	if currentCapA > 0 && currentCapA <= 63 {
		c.M.CurrentCapA = currentCapA
		applied = true
	}
	if walkTimeoutS >= 0 && walkTimeoutS <= 30 {
		c.M.WalkTimeoutS = walkTimeoutS
		applied = true
	}
	return applied
}

func isValidAssistCount(n int) bool {
	return n == 3 || n == 5 || n == 9
}

func isValidNominalVoltage(n int) bool {
	return n == 24 || n == 36 || n == 48
}

// WheelDiameterMM exposes the wheel-code table for encoders that need to
// re-derive the byte code from a diameter (§4.4).
func WheelDiameterMM(code int) int {
	if code < 0 || code >= len(wheelCodes) {
		return 0
	}
	return wheelCodes[code]
}
