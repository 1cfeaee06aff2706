package hardware

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	pagemapEntryBytes = 8
	pagemapPresent    = uint64(1) << 63
	pagemapPFNMask    = uint64(1)<<55 - 1
)

// PhysFromPagemap turns one pagemap entry for virt into a physical address.
func PhysFromPagemap(entry uint64, virt uintptr, pageSize int) (uint64, error) {
	if entry&pagemapPresent == 0 {
		return 0, fmt.Errorf("%w: virt=0x%x", ErrNotPresent, virt)
	}
	pfn := entry & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("%w: pfn hidden for virt=0x%x (needs CAP_SYS_ADMIN)", ErrNotPresent, virt)
	}
	return pfn*uint64(pageSize) + uint64(virt)%uint64(pageSize), nil
}

// Pagemap reads entries from a pagemap file.
type Pagemap struct {
	mu       sync.Mutex
	f        io.ReaderAt
	closer   io.Closer
	pageSize int
}

func OpenPagemap(path string) (*Pagemap, error) {
	if path == "" {
		path = "/proc/self/pagemap"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hardware: open pagemap: %w", err)
	}
	return &Pagemap{f: f, closer: f, pageSize: os.Getpagesize()}, nil
}

func (p *Pagemap) Translate(virt uintptr) (uint64, error) {
	var buf [pagemapEntryBytes]byte
	off := int64(uint64(virt)/uint64(p.pageSize)) * pagemapEntryBytes
	p.mu.Lock()
	_, err := p.f.ReadAt(buf[:], off)
	p.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("hardware: read pagemap at 0x%x: %w", virt, err)
	}
	return PhysFromPagemap(binary.LittleEndian.Uint64(buf[:]), virt, p.pageSize)
}

func (p *Pagemap) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}
