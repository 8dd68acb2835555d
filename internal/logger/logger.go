// Package logger records timestamped motor-status and link-diagnostics
// snapshots to rotating CSV files, the same shape the teacher's
// ECU/GPS logger used for its own telemetry stream.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/darvell/motorlink/internal/cmd"
	"github.com/darvell/motorlink/internal/isr"
	"github.com/darvell/motorlink/internal/link"
)

// Logger records timestamped motor status + link diagnostics to CSV
// files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~2.7 hrs at 10 Hz)
)

var csvHeader = []string{
	"timestamp", "valid", "rpm", "speed_dmph", "torque_raw", "power_w",
	"battery_dv", "battery_da", "controller_temp_d", "soc",
	"last_error_code", "last_assist_level",
	"mode", "locked", "locked_proto",
	"tx_count", "rx_count", "rx_errors", "timeouts", "queue_full",
	"handshake_ok", "comm_fault_active", "parse_errors",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/motorlink"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond // Default 10 Hz
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a motor status + link diagnostics snapshot if the
// minimum interval has elapsed.
func (l *Logger) Record(status cmd.Status, cmdStats cmd.Stats, isrStats isr.Stats, mgr *link.Manager) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	row := l.buildRow(now, status, cmdStats, isrStats, mgr)
	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("motorlink_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func (l *Logger) buildRow(ts time.Time, s cmd.Status, cs cmd.Stats, is isr.Stats, mgr *link.Manager) []string {
	row := make([]string, len(csvHeader))

	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = boolStr(s.Valid)
	row[2] = fmt.Sprintf("%d", s.RPM)
	row[3] = fmt.Sprintf("%d", s.SpeedDmph)
	row[4] = fmt.Sprintf("%d", s.TorqueRaw)
	row[5] = fmt.Sprintf("%d", s.PowerW)
	row[6] = fmt.Sprintf("%d", s.BatteryDv)
	row[7] = fmt.Sprintf("%d", s.BatteryDaSigned)
	row[8] = fmt.Sprintf("%d", s.ControllerTempD)
	row[9] = fmt.Sprintf("%d", s.SOC)
	row[10] = fmt.Sprintf("%d", s.LastErrorCode)
	row[11] = fmt.Sprintf("%d", s.LastAssistLevel)

	if mgr != nil {
		row[12] = mgr.Mode().String()
		row[13] = boolStr(mgr.Locked())
		if proto, ok := mgr.LockedProtocol(); ok {
			row[14] = proto.String()
		}
	}

	row[15] = fmt.Sprintf("%d", is.TxCount)
	row[16] = fmt.Sprintf("%d", is.RxCount)
	row[17] = fmt.Sprintf("%d", is.RxErrors)
	row[18] = fmt.Sprintf("%d", is.Timeouts)
	row[19] = fmt.Sprintf("%d", is.QueueFull)

	row[20] = boolStr(cs.HandshakeOK)
	row[21] = boolStr(cs.CommFaultActive)
	row[22] = fmt.Sprintf("%d", cs.ParseErrors)

	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
