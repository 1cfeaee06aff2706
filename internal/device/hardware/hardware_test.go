//go:build linux

package hardware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/testutil/testlog"
)

func TestPhysFromPagemap(t *testing.T) {
	testlog.Start(t)

	const page = 4096
	entry := pagemapPresent | 0x1234
	phys, err := PhysFromPagemap(entry, 0x7f00_0000_0123, page)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if want := uint64(0x1234*page + 0x123); phys != want {
		t.Fatalf("unexpected phys: 0x%x want 0x%x", phys, want)
	}
	if _, err := PhysFromPagemap(0x1234, 0x1000, page); !errors.Is(err, ErrNotPresent) {
		t.Fatalf("expected ErrNotPresent for absent page, got %v", err)
	}
	if _, err := PhysFromPagemap(pagemapPresent, 0x1000, page); !errors.Is(err, ErrNotPresent) {
		t.Fatalf("expected ErrNotPresent for hidden pfn, got %v", err)
	}
}

func TestPagemapTranslateReadsEntryAtPageIndex(t *testing.T) {
	testlog.Start(t)

	const page = 4096
	table := make([]byte, 4*pagemapEntryBytes)
	binary.LittleEndian.PutUint64(table[2*pagemapEntryBytes:], pagemapPresent|0x99)
	pm := &Pagemap{f: bytes.NewReader(table), pageSize: page}

	phys, err := pm.Translate(2*page + 0x10)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if phys != 0x99*page+0x10 {
		t.Fatalf("unexpected phys: 0x%x", phys)
	}
	if _, err := pm.Translate(page); !errors.Is(err, ErrNotPresent) {
		t.Fatalf("expected ErrNotPresent, got %v", err)
	}
}

func TestBARWordAccess(t *testing.T) {
	testlog.Start(t)

	path := filepath.Join(t.TempDir(), "resource0")
	if err := os.WriteFile(path, make([]byte, 64*1024), 0o600); err != nil {
		t.Fatalf("write bar file: %v", err)
	}
	bar, err := MapBAR(path, 0)
	if err != nil {
		t.Fatalf("map bar: %v", err)
	}
	defer bar.Close()

	if err := device.WriteRingBase(bar, device.RingMetaReport, 0x1_2345_6000); err != nil {
		t.Fatalf("write ring base: %v", err)
	}
	got, err := device.ReadRingBase(bar, device.RingMetaReport)
	if err != nil {
		t.Fatalf("read ring base: %v", err)
	}
	if got != 0x1_2345_6000 {
		t.Fatalf("unexpected base: 0x%x", got)
	}

	if _, err := bar.ReadCSR(2); !errors.Is(err, ErrCSRRange) {
		t.Fatalf("expected ErrCSRRange for unaligned read, got %v", err)
	}
	if err := bar.WriteCSR(64*1024, 1); !errors.Is(err, ErrCSRRange) {
		t.Fatalf("expected ErrCSRRange past the window, got %v", err)
	}
}
