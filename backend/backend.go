// Package backend defines the narrow contract between the allocator and the underlying
// graphics API's real memory-allocation primitives. The allocator only ever consumes this
// interface- wiring it up to an actual device (or to a test double) is the consumer's job.
package backend

// MemoryPropertyFlags describe the capabilities of a single memory type exposed by
// a Backend.
type MemoryPropertyFlags uint32

const (
	// MemoryPropertyDeviceLocal indicates memory that lives on the device and is fastest
	// for device access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory the host can map and write into
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates host-visible memory that does not require
	// explicit flushes
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates host-visible memory that is cached on the host
	MemoryPropertyHostCached
)

var memoryPropertyFlagsMapping = map[MemoryPropertyFlags]string{
	MemoryPropertyDeviceLocal:  "MemoryPropertyDeviceLocal",
	MemoryPropertyHostVisible:  "MemoryPropertyHostVisible",
	MemoryPropertyHostCoherent: "MemoryPropertyHostCoherent",
	MemoryPropertyHostCached:   "MemoryPropertyHostCached",
}

func (f MemoryPropertyFlags) String() string {
	if f == 0 {
		return "0"
	}

	var str string
	for flag := MemoryPropertyDeviceLocal; flag <= MemoryPropertyHostCached; flag <<= 1 {
		if f&flag == 0 {
			continue
		}
		if str != "" {
			str += "|"
		}
		str += memoryPropertyFlagsMapping[flag]
	}
	return str
}

// MemoryType describes a single backend-defined category of memory. Different memory
// types require separate pools of blocks.
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
}

// RawBlock identifies a single real allocation made by a Backend. The allocator treats
// Handle as opaque and returns the whole token to FreeBlock unchanged.
type RawBlock struct {
	// Handle is a backend-defined token for the underlying memory object
	Handle any
	// Size is the size of the allocated block in bytes
	Size int
	// MemoryTypeIndex is the memory type the block was allocated from
	MemoryTypeIndex int
}

// Backend is the capability the allocator depends on to obtain and release real blocks
// of device memory. Implementations must be safe for concurrent use- the allocator
// serializes access per memory type, not globally, so blocks for unrelated memory types
// may be requested concurrently.
type Backend interface {
	// AllocateBlock allocates a single block of at least size bytes from the provided
	// memory type. Block allocation is expected to be expensive- the entire point of the
	// allocator consuming this interface is to call this method as rarely as possible.
	AllocateBlock(size int, memoryTypeIndex int) (RawBlock, error)
	// FreeBlock returns a block previously obtained from AllocateBlock to the backend
	FreeBlock(block RawBlock) error
	// MemoryTypeCount returns the number of memory types this backend exposes
	MemoryTypeCount() int
	// MemoryTypeProperties describes the memory type at the provided index
	MemoryTypeProperties(memoryTypeIndex int) MemoryType
}
