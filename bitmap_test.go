package unfs

import (
	"math/bits"
	"testing"
)

func testHeader(pages uint64) *Header {
	return &Header{
		PageCount:   pages,
		PageSize:    PageSize,
		DataPage:    10,
		BitmapWords: (pages - 10 + 63) / 64,
	}
}

func TestRunInWord(t *testing.T) {
	// All free
	if p, ok := runInWord(0, 64); !ok || p != 0 {
		t.Fatalf("all-free word: got %d %v", p, ok)
	}
	// All used
	if _, ok := runInWord(^uint64(0), 1); ok {
		t.Fatal("full word should have no run")
	}
	// Single free bit at MSB-first position 5
	word := ^uint64(0) &^ (1 << (63 - 5))
	if p, ok := runInWord(word, 1); !ok || p != 5 {
		t.Fatalf("single hole: got %d %v", p, ok)
	}
	if _, ok := runInWord(word, 2); ok {
		t.Fatal("no 2-run in a single hole")
	}
	// Middle run: free positions 10..17
	word = ^uint64(0)
	for i := 10; i <= 17; i++ {
		word &^= 1 << (63 - i)
	}
	if p, ok := runInWord(word, 8); !ok || p != 10 {
		t.Fatalf("middle run: got %d %v", p, ok)
	}
	if _, ok := runInWord(word, 9); ok {
		t.Fatal("9-run should not fit in an 8-hole")
	}
	// First fit picks the lowest of two candidates
	word = ^uint64(0)
	for _, i := range []int{3, 4, 40, 41, 42} {
		word &^= 1 << (63 - i)
	}
	if p, ok := runInWord(word, 2); !ok || p != 3 {
		t.Fatalf("first fit: got %d %v", p, ok)
	}
	if p, ok := runInWord(word, 3); !ok || p != 40 {
		t.Fatalf("3-run: got %d %v", p, ok)
	}
}

func TestBitmapAllocLowestFit(t *testing.T) {
	h := testHeader(10 + 256)
	b := newBitmap(h)

	page, ok := b.findRun(4, h.PageCount)
	if !ok || page != h.DataPage {
		t.Fatalf("first alloc: got %d %v", page, ok)
	}
	if err := b.setRange(page, 4); err != nil {
		t.Fatal(err)
	}
	b.hint = page + 4

	// A hole of 2 pages between allocations
	if err := b.setRange(h.DataPage+6, 10); err != nil {
		t.Fatal(err)
	}
	b.hint = h.DataPage
	if page, ok = b.findRun(2, h.PageCount); !ok || page != h.DataPage+4 {
		t.Fatalf("hole fit: got %d %v", page, ok)
	}
	// A 3-run does not fit in the 2-hole
	if page, ok = b.findRun(3, h.PageCount); !ok || page != h.DataPage+16 {
		t.Fatalf("3-run: got %d %v", page, ok)
	}
}

func TestBitmapCrossWordRun(t *testing.T) {
	h := testHeader(10 + 256)
	b := newBitmap(h)

	// Occupy everything except the last 3 bits of word 0 and all of word 1
	if err := b.setRange(h.DataPage, 61); err != nil {
		t.Fatal(err)
	}
	page, ok := b.findRun(10, h.PageCount)
	if !ok || page != h.DataPage+61 {
		t.Fatalf("cross-word run: got %d %v", page, ok)
	}

	// Long run spanning several words
	page, ok = b.findRun(130, h.PageCount)
	if !ok || page != h.DataPage+61 {
		t.Fatalf("long run: got %d %v", page, ok)
	}
}

func TestBitmapLimit(t *testing.T) {
	h := testHeader(10 + 128)
	b := newBitmap(h)

	// Limit cuts the device at 64 pages past datapage
	limit := h.DataPage + 64
	if err := b.setRange(h.DataPage, 60); err != nil {
		t.Fatal(err)
	}
	if page, ok := b.findRun(4, limit); !ok || page != h.DataPage+60 {
		t.Fatalf("tail fit: got %d %v", page, ok)
	}
	if _, ok := b.findRun(5, limit); ok {
		t.Fatal("5-run must not cross the limit")
	}
}

func TestBitmapClearAsserts(t *testing.T) {
	h := testHeader(10 + 64)
	b := newBitmap(h)
	if err := b.setRange(h.DataPage, 4); err != nil {
		t.Fatal(err)
	}
	if err := b.clearRange(h.DataPage+2, 4); err == nil {
		t.Fatal("clearing unset bits must fail")
	}
	if err := b.setRange(h.DataPage+3, 2); err == nil {
		t.Fatal("setting set bits must fail")
	}
}

func TestBitmapSubrangeFree(t *testing.T) {
	h := testHeader(10 + 64)
	b := newBitmap(h)
	if err := b.setRange(h.DataPage, 8); err != nil {
		t.Fatal(err)
	}
	// A free of a middle subrange of an earlier allocation
	if err := b.clearRange(h.DataPage+2, 3); err != nil {
		t.Fatal(err)
	}
	if got := b.popcount(); got != 5 {
		t.Fatalf("popcount after subrange free: %d", got)
	}
}

func TestBitmapStoreLoadRoundTrip(t *testing.T) {
	h := testHeader(10 + 300)
	b := newBitmap(h)
	for _, r := range [][2]uint64{{h.DataPage, 7}, {h.DataPage + 65, 64}, {h.DataPage + 200, 1}} {
		if err := b.setRange(r[0], r[1]); err != nil {
			t.Fatal(err)
		}
	}
	buf := make([]byte, int(h.DataPage)*PageSize)
	b.store(buf, 0, h.BitmapWords)
	got := loadBitmap(h, buf)
	for i := range b.words {
		if got.words[i] != b.words[i] {
			t.Fatalf("word %d: %#x != %#x", i, got.words[i], b.words[i])
		}
	}
	var want uint64
	for _, w := range b.words {
		want += uint64(bits.OnesCount64(w))
	}
	if got.popcount() != want {
		t.Fatalf("popcount %d != %d", got.popcount(), want)
	}
}
