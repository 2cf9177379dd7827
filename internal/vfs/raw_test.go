package vfs

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestRawDeviceFS_CreateExtentAndReadWrite(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "device.img")

	rfs, err := OpenRawDeviceFS(devPath, 1<<20, DefaultBlockSize)
	if err != nil {
		t.Fatalf("OpenRawDeviceFS failed: %v", err)
	}
	defer rfs.Close()

	wf, err := rfs.CreateExtent("range-0001/primary.log", 64*1024)
	if err != nil {
		t.Fatalf("CreateExtent failed: %v", err)
	}

	payload := bytes.Repeat([]byte{0xAB}, DefaultBlockSize)
	if _, err := wf.Write(payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := wf.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := wf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	raf, err := rfs.OpenRandomAccess("range-0001/primary.log")
	if err != nil {
		t.Fatalf("OpenRandomAccess failed: %v", err)
	}
	defer raf.Close()

	got := make([]byte, DefaultBlockSize)
	if _, err := raf.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read back mismatch")
	}
}

func TestRawDeviceFS_CreateExtentDuplicate(t *testing.T) {
	dir := t.TempDir()
	rfs, err := OpenRawDeviceFS(filepath.Join(dir, "device.img"), 1<<20, DefaultBlockSize)
	if err != nil {
		t.Fatalf("OpenRawDeviceFS failed: %v", err)
	}
	defer rfs.Close()

	if _, err := rfs.CreateExtent("a", 4096); err != nil {
		t.Fatalf("CreateExtent failed: %v", err)
	}
	if _, err := rfs.CreateExtent("a", 4096); err != ErrExtentExists {
		t.Errorf("got err %v, want ErrExtentExists", err)
	}
}

func TestRawDeviceFS_OutOfSpace(t *testing.T) {
	dir := t.TempDir()
	rfs, err := OpenRawDeviceFS(filepath.Join(dir, "device.img"), rawSuperblockSize+4096, DefaultBlockSize)
	if err != nil {
		t.Fatalf("OpenRawDeviceFS failed: %v", err)
	}
	defer rfs.Close()

	if _, err := rfs.CreateExtent("a", 4096); err != nil {
		t.Fatalf("CreateExtent failed: %v", err)
	}
	if _, err := rfs.CreateExtent("b", 4096); err != ErrNoSpace {
		t.Errorf("got err %v, want ErrNoSpace", err)
	}
}

func TestRawDeviceFS_SuperblockSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "device.img")

	rfs, err := OpenRawDeviceFS(devPath, 1<<20, DefaultBlockSize)
	if err != nil {
		t.Fatalf("OpenRawDeviceFS failed: %v", err)
	}
	wf, err := rfs.CreateExtent("range-0007/secondary-3.log", 8192)
	if err != nil {
		t.Fatalf("CreateExtent failed: %v", err)
	}
	if err := wf.Append(bytes.Repeat([]byte{0x11}, 4096)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := rfs.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenRawDeviceFS(devPath, 1<<20, DefaultBlockSize)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if !reopened.Exists("range-0007/secondary-3.log") {
		t.Fatalf("extent did not survive reopen")
	}
	raf, err := reopened.OpenRandomAccess("range-0007/secondary-3.log")
	if err != nil {
		t.Fatalf("OpenRandomAccess failed: %v", err)
	}
	defer raf.Close()
	got := make([]byte, 4096)
	if _, err := raf.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x11}, 4096)) {
		t.Errorf("data did not survive reopen")
	}
}

func TestRawDeviceFS_WriteAtRequiresAlignment(t *testing.T) {
	dir := t.TempDir()
	rfs, err := OpenRawDeviceFS(filepath.Join(dir, "device.img"), 1<<20, DefaultBlockSize)
	if err != nil {
		t.Fatalf("OpenRawDeviceFS failed: %v", err)
	}
	defer rfs.Close()

	wf, err := rfs.CreateExtent("a", 8192)
	if err != nil {
		t.Fatalf("CreateExtent failed: %v", err)
	}
	if _, err := wf.WriteAt(make([]byte, 10), 0); err != ErrNotAligned {
		t.Errorf("got err %v, want ErrNotAligned", err)
	}
}

func TestRawDeviceFS_RemoveMarksFreed(t *testing.T) {
	dir := t.TempDir()
	rfs, err := OpenRawDeviceFS(filepath.Join(dir, "device.img"), 1<<20, DefaultBlockSize)
	if err != nil {
		t.Fatalf("OpenRawDeviceFS failed: %v", err)
	}
	defer rfs.Close()

	if _, err := rfs.CreateExtent("a", 4096); err != nil {
		t.Fatalf("CreateExtent failed: %v", err)
	}
	if err := rfs.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if rfs.Exists("a") {
		t.Errorf("extent still reported as existing after Remove")
	}
}
