package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryReadWrite(t *testing.T) {
	dev, err := NewMemory(64, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	geo := dev.Geometry()
	if geo.PageCount != 64 || geo.PageSize != PageSize {
		t.Fatalf("geometry %+v", geo)
	}

	ioc, err := dev.AllocContext()
	if err != nil {
		t.Fatal(err)
	}
	defer dev.FreeContext(ioc)

	out := bytes.Repeat([]byte{0xab}, 3*PageSize)
	if err := dev.Write(ioc, out, 10, 3); err != nil {
		t.Fatal(err)
	}
	in := make([]byte, 3*PageSize)
	if err := dev.Read(ioc, in, 10, 3); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, in) {
		t.Fatal("round trip mismatch")
	}
	if err := dev.Read(ioc, in, 63, 2); err == nil {
		t.Fatal("out-of-bounds read must fail")
	}
}

func TestContextPoolExhaustion(t *testing.T) {
	dev, err := NewMemory(64, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	a, err := dev.AllocContext()
	if err != nil {
		t.Fatal(err)
	}
	b, err := dev.AllocContext()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.AllocContext(); err == nil {
		t.Fatal("pool should be exhausted")
	}
	dev.FreeContext(a)
	c, err := dev.AllocContext()
	if err != nil {
		t.Fatal(err)
	}
	dev.FreeContext(b)
	dev.FreeContext(c)
}

func TestScratchSingleOwner(t *testing.T) {
	dev, err := NewMemory(64, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	ioc, _ := dev.AllocContext()
	defer dev.FreeContext(ioc)

	var pc uint32 = 16
	buf, err := ioc.PageAlloc(&pc)
	if err != nil {
		t.Fatal(err)
	}
	if pc != 4 {
		t.Fatalf("clamp: pc = %d", pc)
	}
	if len(buf) != 4*PageSize {
		t.Fatalf("buffer len %d", len(buf))
	}
	if _, err := ioc.PageAlloc(&pc); err == nil {
		t.Fatal("second allocation without free must fail")
	}
	ioc.PageFree(buf)
	if _, err := ioc.PageAlloc(&pc); err != nil {
		t.Fatal(err)
	}
	ioc.PageFree(buf)
}

func TestOpenSelectsBackend(t *testing.T) {
	if _, err := Open("01:00.0"); err == nil {
		t.Fatal("pci form should report an unlinked backend")
	}
	if _, err := Open("mem:nope"); err == nil {
		t.Fatal("bad mem page count should fail")
	}
	dev, err := Open("mem:128")
	if err != nil {
		t.Fatal(err)
	}
	if dev.Geometry().PageCount != 128 {
		t.Fatalf("pages = %d", dev.Geometry().PageCount)
	}
	dev.Close()
}

func TestRawBackendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing")
	if err := os.WriteFile(path, make([]byte, 64*PageSize), 0644); err != nil {
		t.Fatal(err)
	}
	dev, err := OpenRaw(path)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if dev.Geometry().PageCount != 64 {
		t.Fatalf("pages = %d", dev.Geometry().PageCount)
	}
	ioc, err := dev.AllocContext()
	if err != nil {
		t.Fatal(err)
	}
	defer dev.FreeContext(ioc)

	out := bytes.Repeat([]byte{0x42}, PageSize)
	if err := dev.Write(ioc, out, 7, 1); err != nil {
		t.Fatal(err)
	}
	in := make([]byte, PageSize)
	if err := dev.Read(ioc, in, 7, 1); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, in) {
		t.Fatal("round trip mismatch")
	}
}
