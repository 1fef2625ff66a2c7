package systeminfo

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/prometheus/procfs"
)

func memoryMap(pid int32, m *procfs.ProcMap) MemoryMap {
	mm := MemoryMap{
		PID:    pid,
		Start:  uint64(m.StartAddr),
		End:    uint64(m.EndAddr),
		Offset: uint64(m.Offset),
		Inode:  m.Inode,
	}
	if p := m.Perms; p != nil {
		if p.Read {
			mm.Flags |= MapRead
		}
		if p.Write {
			mm.Flags |= MapWrite
		}
		if p.Execute {
			mm.Flags |= MapExec
		}
		if p.Shared {
			mm.Flags |= MapShared
		}
	}
	return mm
}

// interrupts keeps the numbered irq lines in ascending order. NMI, LOC and
// friends are per-cpu counters and are skipped.
func interrupts(table procfs.Interrupts) []Interrupt {
	out := make([]Interrupt, 0, len(table))
	for name, entry := range table {
		n, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, Interrupt{
			IRQ:     uint32(n),
			Chip:    entry.Info,
			Handler: handler(entry.Devices),
		})
	}
	slices.SortFunc(out, func(a, b Interrupt) int { return cmp.Compare(a.IRQ, b.IRQ) })
	return out
}

// handler drops the "<hwirq>-<trigger>" column newer kernels print between
// chip and handler, e.g. "2-edge" or "16-fasteoi".
func handler(devices string) string {
	fields := strings.Fields(devices)
	if len(fields) > 0 && isHWIRQ(fields[0]) {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

func isCount(s string) bool {
	for _, c := range s {
		if !unicode.IsDigit(c) {
			return false
		}
	}
	return s != ""
}

func isHWIRQ(s string) bool {
	num, trigger, ok := strings.Cut(s, "-")
	if !ok || trigger == "" {
		return false
	}
	return isCount(num)
}
