package unfs

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/unfsio/unfs/device"
)

func testGeometry(pages uint64) device.Geometry {
	return device.Geometry{
		BlockCount: pages * (PageSize / 512),
		BlockSize:  512,
		PageCount:  pages,
		PageSize:   PageSize,
	}
}

func TestNewHeaderGeometry(t *testing.T) {
	// 1 GiB device: 262144 pages, 4096 words of bitmap = 8 pages
	geo := testGeometry(1 << 18)
	h := newHeader(geo, "scratch")

	if h.DataPage != 10 {
		t.Fatalf("datapage = %d", h.DataPage)
	}
	if h.PageFree != h.PageCount-h.DataPage-FilePC {
		t.Fatalf("pagefree = %d", h.PageFree)
	}
	if h.FDNextPage != h.PageCount-2*FilePC {
		t.Fatalf("fdnextpage = %d", h.FDNextPage)
	}
	if h.FDCount != 1 || h.DirCount != 1 {
		t.Fatalf("counts fd=%d dir=%d", h.FDCount, h.DirCount)
	}
	if err := h.validate(geo); err != nil {
		t.Fatal(err)
	}
}

func TestHeaderMarshalRoundTrip(t *testing.T) {
	geo := testGeometry(4096)
	h := newHeader(geo, "round-trip")
	h.DelStack = []uint64{h.PageCount - 4, h.PageCount - 8}
	h.FDNextPage -= uint64(len(h.DelStack)+2) * FilePC
	h.FDCount += 2

	buf := make([]byte, HeadPC*PageSize)
	h.marshal(buf)
	got, err := unmarshalHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	if err := got.validate(geo); err != nil {
		t.Fatal(err)
	}
}

func TestHeaderValidateRejects(t *testing.T) {
	geo := testGeometry(4096)

	cases := []struct {
		name   string
		mutate func(*Header)
	}{
		{"version", func(h *Header) { h.Version = "UNFS-9.9" }},
		{"pagesize", func(h *Header) { h.PageSize = 512 }},
		{"pagecount", func(h *Header) { h.PageCount = geo.PageCount + 1 }},
		{"datapage", func(h *Header) { h.DataPage = h.PageCount }},
		{"equation", func(h *Header) { h.FDCount = 7 }},
		{"free", func(h *Header) { h.PageFree = h.PageCount }},
		{"delslot", func(h *Header) {
			h.DelStack = []uint64{3}
			h.FDNextPage -= FilePC
			h.FDCount++ // keep the equation while the slot itself is bad
			h.FDNextPage -= FilePC
		}},
	}
	for _, tc := range cases {
		h := newHeader(geo, "x")
		tc.mutate(h)
		if err := h.validate(geo); err == nil {
			t.Fatalf("%s: validation should fail", tc.name)
		}
	}
}

func TestDeleteStackOps(t *testing.T) {
	h := newHeader(testGeometry(4096), "")
	h.delPush(100)
	h.delPush(102)
	h.delPush(104)
	if !h.delContains(102) || h.delContains(106) {
		t.Fatal("contains")
	}
	if !h.delDrop(102) || h.delDrop(102) {
		t.Fatal("drop")
	}
	if slot, ok := h.delPop(); !ok || slot != 104 {
		t.Fatalf("pop: %d %v", slot, ok)
	}
	if slot, ok := h.delPop(); !ok || slot != 100 {
		t.Fatalf("pop: %d %v", slot, ok)
	}
	if _, ok := h.delPop(); ok {
		t.Fatal("pop from empty stack")
	}
}
