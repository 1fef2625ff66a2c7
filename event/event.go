// Package event declares the events of the always-present core facility
// and their descriptive payloads.
package event

// CoreFacility is the id permanently reserved for the core facility.
const CoreFacility uint16 = 0

// CoreName is the name the core facility registers under.
const CoreName = "core"

// ID identifies an event inside a facility.
type ID uint16

const (
	FacilityLoad ID = iota
	FacilityUnload
	Heartbeat
	ProcessState
	FileDescriptor
	VMMap
	Interrupt
	NetworkInterface
	StatedumpEnd

	coreEventCount
)

// CoreEventCount is the number of events the core facility defines.
const CoreEventCount = uint32(coreEventCount)

var names = [...]string{
	FacilityLoad:     "facility_load",
	FacilityUnload:   "facility_unload",
	Heartbeat:        "heartbeat",
	ProcessState:     "process_state",
	FileDescriptor:   "file_descriptor",
	VMMap:            "vm_map",
	Interrupt:        "interrupt",
	NetworkInterface: "network_interface",
	StatedumpEnd:     "statedump_end",
}

func (id ID) String() string {
	if int(id) < len(names) {
		return names[id]
	}
	return "unknown"
}

// CoreDescriptors lists the core events in id order, for checksumming.
func CoreDescriptors() []string {
	out := make([]string, len(names))
	copy(out, names[:])
	return out
}

type FacilityLoadPayload struct {
	ID          uint16 `json:"id"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Checksum    uint32 `json:"checksum"`
	EventCount  uint32 `json:"event_count"`
	IntSize     uint8  `json:"int_size"`
	LongSize    uint8  `json:"long_size"`
	PointerSize uint8  `json:"pointer_size"`
	SizeTSize   uint8  `json:"size_t_size"`
	Alignment   uint8  `json:"alignment"`
}

type FacilityUnloadPayload struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
}

type HeartbeatPayload struct {
	Unit uint16 `json:"unit"`
}

type ProcessStatePayload struct {
	PID    int32  `json:"pid"`
	PPID   int32  `json:"ppid"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
	TGID   int32  `json:"tgid"`
}

type FileDescriptorPayload struct {
	PID  int32  `json:"pid"`
	FD   int32  `json:"fd"`
	Path string `json:"path"`
}

type VMMapPayload struct {
	PID    int32  `json:"pid"`
	Start  uint64 `json:"start"`
	End    uint64 `json:"end"`
	Flags  uint32 `json:"flags"`
	Offset uint64 `json:"offset"`
	Inode  uint64 `json:"inode"`
}

type InterruptPayload struct {
	Chip    string `json:"chip"`
	Handler string `json:"handler"`
	IRQ     uint32 `json:"irq"`
}

type NetworkInterfacePayload struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Up      bool   `json:"up"`
}

type StatedumpEndPayload struct {
	Units   int    `json:"units"`
	Records uint64 `json:"records"`
}
