// Package mapper translates the firmwares's internal virtual-gear index
// into Shengyi's wire-level assist byte, and picks the closest OEM
// assist-count option for a requested virtual-gear count. Pure, no I/O.
package mapper

// WalkSentinel is the OEM assist byte returned for index 11 regardless of
// the chosen max — the walk-assist sentinel (§4.1).
const WalkSentinel = 0x32

// oemChoices is the closed set of assist-count options the OEM firmware
// supports (§4.1).
var oemChoices = [...]int{1, 3, 5, 6, 9}

// assistTable maps (max, index) -> OEM wire byte. Index 11 is handled
// separately by WalkSentinel and is not present here. These values are the
// closed per-option tables referenced by §4.1; they are keyed by the chosen
// max option since each OEM assist-count family has its own byte spread.
var assistTable = map[int]map[int]byte{
	1: {0: 0x00, 1: 0x01},
	3: {0: 0x00, 1: 0x02, 2: 0x04, 3: 0x06},
	5: {0: 0x00, 1: 0x01, 2: 0x02, 3: 0x03, 4: 0x04, 5: 0x05},
	6: {0: 0x00, 1: 0x01, 2: 0x02, 3: 0x03, 4: 0x04, 5: 0x05, 6: 0x06},
	9: {0: 0x00, 1: 0x01, 2: 0x02, 3: 0x03, 4: 0x04, 5: 0x05, 6: 0x06, 7: 0x07, 8: 0x08, 9: 0x09},
}

// OEMMax picks the assist-count option minimizing |count - option|, with
// ties broken toward the larger option (§4.1, §8).
func OEMMax(count int) int {
	best := oemChoices[0]
	bestDiff := abs(count - best)
	for _, opt := range oemChoices[1:] {
		diff := abs(count - opt)
		if diff < bestDiff || (diff == bestDiff && opt > best) {
			best = opt
			bestDiff = diff
		}
	}
	return best
}

// AssistByte returns the OEM wire byte for 1-based index idx (clamped to
// [1, max]) under the given max option. If brake is true the mapped byte is
// forced to 0x00 regardless of index (§4.1).
func AssistByte(max, idx int, brake bool) byte {
	if brake {
		return 0x00
	}
	if idx == 11 {
		return WalkSentinel
	}
	if idx < 1 {
		idx = 1
	}
	if idx > max {
		idx = max
	}
	table, ok := assistTable[max]
	if !ok {
		table = assistTable[OEMMax(max)]
	}
	b, ok := table[idx]
	if !ok {
		return 0x00
	}
	return b
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
