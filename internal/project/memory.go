package project

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/castra-project/castra/internal/diag"
)

// Memory preserves the operator's original manifest string alongside the
// parsed byte count, so diagnostics can echo back exactly what was
// written.
type Memory struct {
	Raw   string
	Bytes int64
}

var memoryUnits = map[string]int64{
	"b":   1,
	"kib": 1 << 10,
	"kb":  1 << 10,
	"mib": 1 << 20,
	"mb":  1 << 20,
	"gib": 1 << 30,
	"gb":  1 << 30,
}

// ParseMemory parses strings like "2048 MiB", "2GB", "512MB" into a
// Memory value. Units recognized: B, KiB/KB, MiB/MB, GiB/GB.
func ParseMemory(raw string) (Memory, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Memory{}, diag.New(diag.KindInvalidConfig, "memory value is empty")
	}

	i := 0
	for i < len(trimmed) && (isDigit(trimmed[i]) || trimmed[i] == '.') {
		i++
	}
	numPart := strings.TrimSpace(trimmed[:i])
	unitPart := strings.ToLower(strings.TrimSpace(trimmed[i:]))
	if numPart == "" {
		return Memory{}, diag.New(diag.KindInvalidConfig, "memory value %q has no numeric component", raw)
	}

	mult, ok := memoryUnits[unitPart]
	if !ok {
		return Memory{}, diag.New(diag.KindInvalidConfig, "memory value %q has unknown unit %q", raw, unitPart)
	}

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return Memory{}, diag.New(diag.KindInvalidConfig, "memory value %q is not numeric: %v", raw, err)
	}
	if value <= 0 {
		return Memory{}, diag.New(diag.KindInvalidConfig, "memory value %q must be positive", raw)
	}

	return Memory{Raw: raw, Bytes: int64(value * float64(mult))}, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// MiB returns the memory size rounded up to whole mebibytes, minimum 1,
// the unit qemu's -m flag expects.
func (m Memory) MiB() int64 {
	mib := m.Bytes / (1 << 20)
	if m.Bytes%(1<<20) != 0 {
		mib++
	}
	if mib < 1 {
		mib = 1
	}
	return mib
}

func (m Memory) String() string {
	return fmt.Sprintf("%s (%d bytes)", m.Raw, m.Bytes)
}
