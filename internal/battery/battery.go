// Package battery is the battery-voltage ADC collaborator (§1): an
// external facility outside the motor link core. The core only needs a
// timestamped voltage sample so it can decide whether a status-frame
// battery reading is fresher or staler than the ADC (§4.4: "suppressed if
// a fresher ADC sample exists, age <= 200ms").
package battery

// Sample is a single ADC reading.
type Sample struct {
	VoltageDv uint16 // 0.1 V units, matching the status cache field
	TimeMs    uint32
}

// Reader is implemented by the platform's ADC driver.
type Reader interface {
	// Read returns the most recent sample and whether one has ever been
	// taken.
	Read() (Sample, bool)
}

// Static is a fixed-value Reader for demo/test wiring — it never updates
// on its own; callers mutate it directly via Set.
type Static struct {
	sample Sample
	have   bool
}

// NewStatic creates a Static reader with no sample yet.
func NewStatic() *Static { return &Static{} }

// Set records a new sample, as a real ADC driver would on each conversion.
func (s *Static) Set(sample Sample) {
	s.sample = sample
	s.have = true
}

func (s *Static) Read() (Sample, bool) { return s.sample, s.have }

// IsFresh reports whether a sample taken at sampleMs is fresh relative to
// now, under the 200ms suppression window (§4.4).
func IsFresh(now, sampleMs uint32) bool {
	return now-sampleMs <= 200
}
