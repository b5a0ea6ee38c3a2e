package pagesource

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/dsnet/golib/memfile"
)

// MemoryPageSource is a pure Go, OS-call-free System Page Source. Regions
// are plain heap byte slices manually aligned to the page size, and every
// acquisition is appended as a fixed-size record to an in-memory
// memfile.File acting as an allocation log. RegionCount reads the log back
// with ReadAt, so region growth can be observed deterministically
// (spec.md §8 Testable Property 6, "bounded resident memory") without
// depending on any real OS page source's timing or alignment quirks.
type MemoryPageSource struct {
	mu       sync.Mutex
	pageSize uintptr
	regions  [][]byte
	log      *memfile.File
	logBuf   []byte
	acquired int
}

const logRecordSize = 16 // 8 bytes base (as a handle index) + 8 bytes page count

// NewMemoryPageSource creates an in-memory page source for the given page
// size, which must be a power of two.
func NewMemoryPageSource(pageSize uintptr) *MemoryPageSource {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic(fmt.Sprintf("pagesource: page size %d is not a power of two", pageSize))
	}
	s := &MemoryPageSource{pageSize: pageSize}
	s.log = memfile.New(s.logBuf)
	return s
}

func (s *MemoryPageSource) PageSize() uintptr      { return s.pageSize }
func (s *MemoryPageSource) PageAlignment() uintptr { return s.pageSize }

func (s *MemoryPageSource) AcquireRegion(minPages int) (unsafe.Pointer, int, error) {
	if minPages <= 0 {
		minPages = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	want := uintptr(minPages) * s.pageSize
	raw := make([]byte, want+s.pageSize)

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + s.pageSize - 1) &^ (s.pageSize - 1)
	offset := aligned - base
	usable := raw[offset : offset+want]

	handle := len(s.regions)
	s.regions = append(s.regions, raw)
	s.acquired++

	record := make([]byte, logRecordSize)
	binary.LittleEndian.PutUint64(record[0:8], uint64(handle))
	binary.LittleEndian.PutUint64(record[8:16], uint64(minPages))
	if _, err := s.log.WriteAt(record, int64((s.acquired-1)*logRecordSize)); err != nil {
		return nil, 0, fmt.Errorf("pagesource: writing allocation log: %w", err)
	}

	return unsafe.Pointer(&usable[0]), minPages, nil
}

// RegionCount returns how many AcquireRegion calls have succeeded so far,
// read back from the allocation log rather than the in-process counter, to
// exercise the memfile-backed log end to end.
func (s *MemoryPageSource) RegionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := make([]byte, logRecordSize)
	count := 0
	for {
		n, err := s.log.ReadAt(record, int64(count*logRecordSize))
		if n < logRecordSize || err != nil {
			break
		}
		count++
	}
	return count
}
