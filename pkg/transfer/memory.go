package transfer

import "github.com/pbnjay/memory"

// AvailableMemory probes the host's free memory, the Go analogue of the
// browser's StorageManager.estimate()/navigator.deviceMemory signal the
// original selector used to score strategies. Returns nil if the host
// does not expose this (memory.FreeMemory returns 0 when unsupported),
// matching the Selector's contract of treating an unknown budget as tight.
func AvailableMemory() *uint64 {
	free := memory.FreeMemory()
	if free == 0 {
		return nil
	}
	return &free
}
