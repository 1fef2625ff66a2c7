// Package systeminfo enumerates host state for the trace-start snapshot:
// processes, their open descriptors and memory maps, the interrupt table
// and network interfaces. Every enumerator is a finite, restartable
// iterator; a record that cannot be read is replaced by a fallback or
// skipped, never fatal.
package systeminfo

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tracectl/logger"

	"github.com/prometheus/procfs"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	StatusZombie   = "exit_zombie"
	StatusDead     = "exit_dead"
	StatusWaitFork = "wait_fork"
	StatusRun      = "run"
	StatusWait     = "wait"
	StatusUnknown  = "unknown"

	UserThread   = "user_thread"
	KernelThread = "kernel_thread"
)

// DefaultProcRoot is where procfs is mounted on Linux.
const DefaultProcRoot = "/proc"

type Process struct {
	PID    int32
	PPID   int32
	Name   string
	Type   string
	Status string
	TGID   int32
}

type FileDescriptor struct {
	PID  int32
	FD   int32
	Path string
}

// Memory map protection bits.
const (
	MapRead uint32 = 1 << iota
	MapWrite
	MapExec
	MapShared
)

type MemoryMap struct {
	PID    int32
	Start  uint64
	End    uint64
	Flags  uint32
	Offset uint64
	Inode  uint64
}

type Interrupt struct {
	IRQ     uint32
	Chip    string
	Handler string
}

type Interface struct {
	Name    string
	Address string
	Up      bool
}

// Enumerator is the host view the snapshot walks.
type Enumerator interface {
	Processes() iter.Seq[Process]
	FileDescriptors(pid int32) iter.Seq[FileDescriptor]
	MemoryMaps(pid int32) iter.Seq[MemoryMap]
	Interrupts() iter.Seq[Interrupt]
	Interfaces() iter.Seq[Interface]
}

// Host enumerates the running system through gopsutil and procfs rooted
// at procRoot.
type Host struct {
	procRoot string
	fs       procfs.FS
	fsErr    error
}

func NewHost(procRoot string) *Host {
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	fs, err := procfs.NewFS(procRoot)
	return &Host{procRoot: procRoot, fs: fs, fsErr: err}
}

func (h *Host) ProcRoot() string { return h.procRoot }

func (h *Host) Processes() iter.Seq[Process] {
	return func(yield func(Process) bool) {
		procs, err := process.Processes()
		if err != nil {
			logger.Warnf("Failed to list processes: %v", err)
			return
		}
		for _, p := range procs {
			if !yield(describeProcess(p)) {
				return
			}
		}
	}
}

func describeProcess(p *process.Process) Process {
	info := Process{PID: p.Pid, TGID: p.Pid, Type: UserThread, Status: StatusUnknown}

	name, err := p.Name()
	if err != nil || name == "" {
		logger.Debugf("Process %d name unavailable: %v", p.Pid, err)
		name = fmt.Sprintf("pid:%d", p.Pid)
	}
	info.Name = name

	if ppid, err := p.Ppid(); err == nil {
		info.PPID = ppid
	}
	if tgid, err := p.Tgid(); err == nil && tgid > 0 {
		info.TGID = tgid
	}
	if isKernelThread(info.PID, info.PPID) {
		info.Type = KernelThread
	}

	states, err := p.Status()
	if err != nil {
		logger.Debugf("Process %d status unavailable: %v", p.Pid, err)
		return info
	}
	neverScheduled := false
	if times, err := p.Times(); err == nil {
		neverScheduled = times.User == 0 && times.System == 0
	}
	info.Status = classifyStatus(states, neverScheduled)
	return info
}

// isKernelThread follows the Linux convention that kthreadd is pid 2 and
// parents every kernel thread.
func isKernelThread(pid, ppid int32) bool {
	return pid == 2 || ppid == 2
}

// classifyStatus picks the strongest state by precedence
// zombie > dead > wait_fork > run > wait > unknown. A runnable process
// that has never consumed CPU time has not been scheduled since fork.
func classifyStatus(states []string, neverScheduled bool) string {
	rank := map[string]int{
		StatusZombie:   5,
		StatusDead:     4,
		StatusWaitFork: 3,
		StatusRun:      2,
		StatusWait:     1,
		StatusUnknown:  0,
	}
	best := StatusUnknown
	for _, s := range states {
		var st string
		switch strings.ToLower(strings.TrimSpace(s)) {
		case process.Zombie, "z":
			st = StatusZombie
		case "dead", "x":
			st = StatusDead
		case process.Running, "r":
			st = StatusRun
			if neverScheduled {
				st = StatusWaitFork
			}
		case process.Sleep, process.Blocked, process.Idle, process.Wait, process.Lock, process.Stop, "s", "d", "i", "t":
			st = StatusWait
		default:
			st = StatusUnknown
		}
		if rank[st] > rank[best] {
			best = st
		}
	}
	return best
}

// FileDescriptors lists pid's descriptors from procfs, falling back to
// gopsutil where procfs is absent. A descriptor whose target cannot be
// resolved is reported under its raw name.
func (h *Host) FileDescriptors(pid int32) iter.Seq[FileDescriptor] {
	return func(yield func(FileDescriptor) bool) {
		dir := filepath.Join(h.procRoot, strconv.Itoa(int(pid)), "fd")
		entries, err := os.ReadDir(dir)
		if err == nil {
			for _, e := range entries {
				fd, err := strconv.Atoi(e.Name())
				if err != nil {
					continue
				}
				path, err := os.Readlink(filepath.Join(dir, e.Name()))
				if err != nil || path == "" {
					path = e.Name()
				}
				if !yield(FileDescriptor{PID: pid, FD: int32(fd), Path: path}) {
					return
				}
			}
			return
		}
		if _, statErr := os.Stat(h.procRoot); statErr == nil {
			// procfs exists but the process is gone or unreadable.
			logger.Debugf("Open files of %d unavailable: %v", pid, err)
			return
		}

		p, err := process.NewProcess(pid)
		if err != nil {
			return
		}
		files, err := p.OpenFiles()
		if err != nil {
			logger.Debugf("Open files of %d unavailable: %v", pid, err)
			return
		}
		for _, f := range files {
			path := f.Path
			if path == "" {
				path = strconv.FormatUint(f.Fd, 10)
			}
			if !yield(FileDescriptor{PID: pid, FD: int32(f.Fd), Path: path}) {
				return
			}
		}
	}
}

func (h *Host) MemoryMaps(pid int32) iter.Seq[MemoryMap] {
	return func(yield func(MemoryMap) bool) {
		if h.fsErr != nil {
			logger.Debugf("Memory maps of %d unavailable: %v", pid, h.fsErr)
			return
		}
		p, err := h.fs.Proc(int(pid))
		if err != nil {
			logger.Debugf("Memory maps of %d unavailable: %v", pid, err)
			return
		}
		maps, err := p.ProcMaps()
		if err != nil {
			logger.Debugf("Memory maps of %d unavailable: %v", pid, err)
			return
		}
		for _, m := range maps {
			if !yield(memoryMap(pid, m)) {
				return
			}
		}
	}
}

// Interrupts reads the interrupt table through the procfs entry of the
// calling process.
func (h *Host) Interrupts() iter.Seq[Interrupt] {
	return func(yield func(Interrupt) bool) {
		if h.fsErr != nil {
			logger.Debugf("Interrupt table unavailable: %v", h.fsErr)
			return
		}
		self, err := h.fs.Self()
		if err != nil {
			logger.Debugf("Interrupt table unavailable: %v", err)
			return
		}
		table, err := self.Interrupts()
		if err != nil {
			logger.Debugf("Interrupt table unavailable: %v", err)
			return
		}
		for _, irq := range interrupts(table) {
			if !yield(irq) {
				return
			}
		}
	}
}

func (h *Host) Interfaces() iter.Seq[Interface] {
	return func(yield func(Interface) bool) {
		ifaces, err := gnet.Interfaces()
		if err != nil {
			logger.Warnf("Failed to get network interfaces: %v", err)
			return
		}
		for _, iface := range ifaces {
			for _, rec := range interfaceRecords(iface) {
				if !yield(rec) {
					return
				}
			}
		}
	}
}

// interfaceRecords yields one record per address, or a single record with
// an empty address when the interface has none.
func interfaceRecords(iface gnet.InterfaceStat) []Interface {
	up := false
	for _, flag := range iface.Flags {
		if flag == "up" {
			up = true
			break
		}
	}
	if len(iface.Addrs) == 0 {
		return []Interface{{Name: iface.Name, Up: up}}
	}
	out := make([]Interface, 0, len(iface.Addrs))
	for _, a := range iface.Addrs {
		out = append(out, Interface{Name: iface.Name, Address: a.Addr, Up: up})
	}
	return out
}
