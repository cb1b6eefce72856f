package heap

import (
	"math"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/vaibhav-gopal/mini-os/kernel/mem"
)

// newTestHeap returns a heap backed by a Go buffer of the given size whose
// start is aligned to a page boundary.
func newTestHeap(t *testing.T, size mem.Size) (*Heap, uintptr, []byte) {
	buf := make([]byte, uintptr(size)+uintptr(mem.PageSize))
	start := mem.AlignUp(uintptr(unsafe.Pointer(&buf[0])), uintptr(mem.PageSize))

	var h Heap
	if err := h.Init(start, size); err != nil {
		t.Fatal(err)
	}

	return &h, start, buf
}

func TestHeapInit(t *testing.T) {
	var h Heap
	if err := h.Init(0x1000, mem.Size(nodeSize-1)); err != errTooSmall {
		t.Fatalf("expected errTooSmall; got %v", err)
	}

	heap, start, buf := newTestHeap(t, 4096)
	defer func() { _ = buf[0] }()

	if heap.FreeBlocks() != 1 || heap.FreeBytes() != 4096 || heap.Used() != 0 {
		t.Fatalf("expected a single free block covering the heap; got %d blocks, %d free, %d used", heap.FreeBlocks(), heap.FreeBytes(), heap.Used())
	}

	if addr, _ := heap.Alloc(8, 8); addr != start {
		t.Fatalf("expected first allocation at heap start 0x%x; got 0x%x", start, addr)
	}
}

func TestAllocFree(t *testing.T) {
	heap, start, buf := newTestHeap(t, 4096)
	defer func() { _ = buf[0] }()

	a, err := heap.Alloc(100, 8)
	if err != nil {
		t.Fatal(err)
	}
	b, err := heap.Alloc(1, 1)
	if err != nil {
		t.Fatal(err)
	}

	if a != start {
		t.Errorf("expected first fit allocation at 0x%x; got 0x%x", start, a)
	}

	// sizes are rounded up to the node size and alignment
	if exp := start + mem.AlignUp(100, nodeAlign); b != exp {
		t.Errorf("expected second allocation at 0x%x; got 0x%x", exp, b)
	}

	if exp := mem.AlignUp(100, nodeAlign) + nodeSize; heap.Used() != exp {
		t.Errorf("expected %d bytes to be in use; got %d", exp, heap.Used())
	}

	if err = heap.Free(a, 100, 8); err != nil {
		t.Fatal(err)
	}

	// the freed block is reused by the next request that fits
	if c, _ := heap.Alloc(64, 8); c != a {
		t.Errorf("expected freed block at 0x%x to be reused; got 0x%x", a, c)
	}
}

func TestAlignedAlloc(t *testing.T) {
	heap, start, buf := newTestHeap(t, 3*mem.PageSize)
	defer func() { _ = buf[0] }()

	if _, err := heap.Alloc(8, 3); err != errInvalidAlign {
		t.Fatalf("expected errInvalidAlign; got %v", err)
	}

	small, _ := heap.Alloc(24, 8)
	aligned, err := heap.Alloc(64, uintptr(mem.PageSize))
	if err != nil {
		t.Fatal(err)
	}

	if aligned%uintptr(mem.PageSize) != 0 {
		t.Fatalf("expected page aligned address; got 0x%x", aligned)
	}

	if exp := start + uintptr(mem.PageSize); aligned != exp {
		t.Fatalf("expected aligned block at 0x%x; got 0x%x", exp, aligned)
	}

	// the padding between the two blocks remains available
	if got := heap.FreeBlocks(); got != 2 {
		t.Fatalf("expected the alignment padding to stay on the free list; got %d free blocks", got)
	}

	padding, _ := heap.Alloc(32, 8)
	if padding != small+24 {
		t.Fatalf("expected padding at 0x%x to be used; got 0x%x", small+24, padding)
	}

	// a padding smaller than a node cannot be kept; the block start moves
	// to the next aligned address instead
	heap, start, buf2 := newTestHeap(t, 3*mem.PageSize)
	defer func() { _ = buf2[0] }()

	heap.Alloc(mem.PageSize-8, 8)
	aligned, err = heap.Alloc(8, uintptr(mem.PageSize))
	if err != nil {
		t.Fatal(err)
	}

	if exp := start + 2*uintptr(mem.PageSize); aligned != exp {
		t.Fatalf("expected aligned block at 0x%x; got 0x%x", exp, aligned)
	}
}

func TestFreeMergesAdjacentBlocks(t *testing.T) {
	heap, _, buf := newTestHeap(t, 1024)
	defer func() { _ = buf[0] }()

	a, _ := heap.Alloc(512, 8)
	b, _ := heap.Alloc(512, 8)

	if _, err := heap.Alloc(1, 1); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory for a full heap; got %v", err)
	}

	if err := heap.Free(a, 512, 8); err != nil {
		t.Fatal(err)
	}

	// only one half is free; a request larger than it must fail
	if _, err := heap.Alloc(768, 8); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory before merge; got %v", err)
	}

	if err := heap.Free(b, 512, 8); err != nil {
		t.Fatal(err)
	}

	if got := heap.FreeBlocks(); got != 1 {
		t.Fatalf("expected the freed halves to be merged into one block; got %d blocks", got)
	}

	if _, err := heap.Alloc(768, 8); err != nil {
		t.Fatalf("expected allocation to succeed after merge; got %v", err)
	}
}

func TestFreeMergeOrder(t *testing.T) {
	heap, _, buf := newTestHeap(t, 1024)
	defer func() { _ = buf[0] }()

	var blocks [4]uintptr
	for i := range blocks {
		blocks[i], _ = heap.Alloc(256, 8)
	}

	// free in an order that exercises merging with the next block, the
	// previous block and both
	for _, i := range []int{2, 0, 3, 1} {
		if err := heap.Free(blocks[i], 256, 8); err != nil {
			t.Fatal(err)
		}
	}

	if heap.FreeBlocks() != 1 || heap.FreeBytes() != 1024 || heap.Used() != 0 {
		t.Fatalf("expected a single 1024 byte free block; got %d blocks, %d free bytes", heap.FreeBlocks(), heap.FreeBytes())
	}
}

func TestTailAbsorption(t *testing.T) {
	heap, _, buf := newTestHeap(t, 1024)
	defer func() { _ = buf[0] }()

	// the 8-byte remainder cannot hold a node and is handed out with the
	// first block
	a, _ := heap.Alloc(1016, 8)
	if heap.FreeBlocks() != 0 {
		t.Fatalf("expected the tail to be absorbed; got %d free blocks", heap.FreeBlocks())
	}

	if err := heap.Free(a, 1016, 8); err != nil {
		t.Fatal(err)
	}

	if heap.FreeBytes() != 1024 {
		t.Fatalf("expected the absorbed tail to be reclaimed; got %d free bytes", heap.FreeBytes())
	}

	// an absorbed tail followed by a live block is reclaimed when the
	// live block is freed
	x, _ := heap.Alloc(256, 8)
	y, _ := heap.Alloc(256, 8)
	heap.Free(x, 256, 8)

	a, _ = heap.Alloc(248, 8)
	if a != x {
		t.Fatalf("expected the freed block at 0x%x to be reused; got 0x%x", x, a)
	}

	heap.Free(a, 248, 8)
	heap.Free(y, 256, 8)

	if heap.FreeBlocks() != 1 || heap.FreeBytes() != 1024 {
		t.Fatalf("expected the heap to be fully reclaimed; got %d blocks, %d free bytes", heap.FreeBlocks(), heap.FreeBytes())
	}
}

func TestAllocOversized(t *testing.T) {
	heap, _, buf := newTestHeap(t, 4096)
	defer func() { _ = buf[0] }()

	specs := []mem.Size{
		mem.Size(math.MaxUint64),
		mem.Size(math.MaxUint64 - 3),
		mem.Size(math.MaxUint64 - nodeSize),
		4097,
	}

	for specIndex, size := range specs {
		if addr, err := heap.Alloc(size, 8); err != ErrOutOfMemory {
			t.Errorf("[spec %d] expected ErrOutOfMemory for size 0x%x; got addr 0x%x, err %v", specIndex, uint64(size), addr, err)
		}
	}

	// the free list is left untouched
	if heap.FreeBlocks() != 1 || heap.FreeBytes() != 4096 {
		t.Fatalf("expected a single free block of 4096 bytes; got %d blocks, %d bytes", heap.FreeBlocks(), heap.FreeBytes())
	}

	if _, err := heap.Alloc(4096, 8); err != nil {
		t.Fatalf("expected a heap sized allocation to succeed; got %v", err)
	}
}

func TestFreeErrors(t *testing.T) {
	heap, start, buf := newTestHeap(t, 1024)
	defer func() { _ = buf[0] }()

	a, _ := heap.Alloc(64, 8)
	b, _ := heap.Alloc(64, 8)

	specs := []struct {
		addr   uintptr
		size   mem.Size
		expErr error
	}{
		{start - 64, 64, ErrInvalidFree},
		{start + 1000, 64, ErrInvalidFree},
		{a + 1, 8, ErrInvalidFree},
		// size wraps around when rounded up
		{a, mem.Size(math.MaxUint64), ErrInvalidFree},
		// overlaps the free region following b
		{b, 128, ErrDoubleFree},
	}

	for specIndex, spec := range specs {
		if err := heap.Free(spec.addr, spec.size, 8); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if err := heap.Free(a, 64, 8); err != nil {
		t.Fatal(err)
	}

	if err := heap.Free(a, 64, 8); err != ErrDoubleFree {
		t.Fatalf("expected ErrDoubleFree; got %v", err)
	}

	// freeing part of an already free range is also detected
	if err := heap.Free(b+512, 64, 8); err != ErrDoubleFree {
		t.Fatalf("expected ErrDoubleFree; got %v", err)
	}
}

func TestRandomAllocationsStayDisjoint(t *testing.T) {
	const heapSize = 64 * mem.Kb

	heap, start, buf := newTestHeap(t, heapSize)
	defer func() { _ = buf[0] }()

	type allocation struct {
		addr  uintptr
		size  mem.Size
		align uintptr
		fill  byte
	}

	var (
		rng  = rand.New(rand.NewSource(42))
		live []allocation
	)

	fill := func(a allocation) {
		b := unsafe.Slice((*byte)(unsafe.Pointer(a.addr)), int(a.size))
		for i := range b {
			b[i] = a.fill
		}
	}

	check := func(a allocation) bool {
		b := unsafe.Slice((*byte)(unsafe.Pointer(a.addr)), int(a.size))
		for i := range b {
			if b[i] != a.fill {
				return false
			}
		}
		return true
	}

	for iter := 0; iter < 5000; iter++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(live))
			a := live[index]
			if !check(a) {
				t.Fatalf("[iter %d] contents of block 0x%x were corrupted", iter, a.addr)
			}

			if err := heap.Free(a.addr, a.size, a.align); err != nil {
				t.Fatalf("[iter %d] unexpected error freeing 0x%x: %v", iter, a.addr, err)
			}

			live = append(live[:index], live[index+1:]...)
			continue
		}

		a := allocation{
			size:  mem.Size(1 + rng.Intn(512)),
			align: uintptr(1) << uint(rng.Intn(8)),
			fill:  byte(iter),
		}

		var err error
		if a.addr, err = heap.Alloc(a.size, a.align); err != nil {
			if err != ErrOutOfMemory {
				t.Fatalf("[iter %d] unexpected error: %v", iter, err)
			}
			continue
		}

		if a.addr%a.align != 0 {
			t.Fatalf("[iter %d] address 0x%x is not aligned to %d", iter, a.addr, a.align)
		}

		if a.addr < start || a.addr+uintptr(a.size) > start+uintptr(heapSize) {
			t.Fatalf("[iter %d] block 0x%x-0x%x lies outside the heap", iter, a.addr, a.addr+uintptr(a.size))
		}

		for _, other := range live {
			if a.addr < other.addr+uintptr(other.size) && other.addr < a.addr+uintptr(a.size) {
				t.Fatalf("[iter %d] block 0x%x overlaps live block 0x%x", iter, a.addr, other.addr)
			}
		}

		fill(a)
		live = append(live, a)
	}

	for _, a := range live {
		if !check(a) {
			t.Fatalf("contents of block 0x%x were corrupted", a.addr)
		}
		if err := heap.Free(a.addr, a.size, a.align); err != nil {
			t.Fatal(err)
		}
	}

	if heap.Used() != 0 {
		t.Fatalf("expected all memory to be reclaimed; %d bytes still in use", heap.Used())
	}
}
