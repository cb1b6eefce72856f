// Package heap implements the kernel's general purpose allocator: a first
// fit allocator over an address-ordered list of free blocks whose
// bookkeeping lives inside the free memory itself.
package heap

import (
	"unsafe"

	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
)

var (
	// ErrOutOfMemory is returned when no free block can satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrDoubleFree is returned when a freed block overlaps a block that
	// is already free.
	ErrDoubleFree = &kernel.Error{Module: "heap", Message: "block is already free"}

	// ErrInvalidFree is returned when a freed block lies outside the heap.
	ErrInvalidFree = &kernel.Error{Module: "heap", Message: "block does not belong to the heap"}

	errInvalidAlign = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}
	errTooSmall     = &kernel.Error{Module: "heap", Message: "heap region too small"}
)

// freeBlock is the header stored at the start of every free block.
type freeBlock struct {
	size uintptr
	next uintptr
}

const (
	nodeSize  = unsafe.Sizeof(freeBlock{})
	nodeAlign = unsafe.Alignof(freeBlock{})
)

func blockAt(addr uintptr) *freeBlock {
	return (*freeBlock)(unsafe.Pointer(addr))
}

// Heap manages the memory range [start, end). Free blocks form a singly
// linked list sorted by address; adjacent free blocks are always merged so
// no two list entries touch.
type Heap struct {
	start, end uintptr

	// head is the address of the first free block or 0.
	head uintptr
}

// Init hands the region [start, start+size) to the allocator. The region
// must be mapped and writable.
func (h *Heap) Init(start uintptr, size mem.Size) *kernel.Error {
	alignedStart := mem.AlignUp(start, nodeAlign)
	end := mem.AlignDown(start+uintptr(size), nodeAlign)
	if end <= alignedStart || end-alignedStart < nodeSize {
		return errTooSmall
	}

	h.start, h.end = alignedStart, end
	h.head = alignedStart
	*blockAt(alignedStart) = freeBlock{size: end - alignedStart}
	return nil
}

// blockSize rounds a request up so that every block can be turned back
// into a free list node.
func blockSize(size uintptr) uintptr {
	if size < nodeSize {
		size = nodeSize
	}
	return mem.AlignUp(size, nodeAlign)
}

// Alloc reserves size bytes aligned to align and returns their address. The
// first free block that can fit the request after aligning its start is
// used. Front padding large enough to hold a node stays on the free list;
// blocks where the padding would be smaller are skipped. A tail too small
// to hold a node is handed out with the block.
func (h *Heap) Alloc(size mem.Size, align uintptr) (uintptr, *kernel.Error) {
	if !mem.IsPowerOfTwo(align) {
		return 0, errInvalidAlign
	}
	if align < nodeAlign {
		align = nodeAlign
	}

	// rounding wraps around for sizes close to the address space size
	reqSize := blockSize(uintptr(size))
	if reqSize < uintptr(size) || reqSize > h.end-h.start {
		return 0, ErrOutOfMemory
	}

	var prev uintptr
	for cur := h.head; cur != 0; prev, cur = cur, blockAt(cur).next {
		block := blockAt(cur)
		blockEnd := cur + block.size

		allocStart := mem.AlignUp(cur, align)
		if allocStart != cur && allocStart-cur < nodeSize {
			// padding cannot hold a node; move past it
			allocStart = mem.AlignUp(cur+nodeSize, align)
		}

		if allocStart+reqSize > blockEnd || allocStart+reqSize < allocStart {
			continue
		}

		allocEnd := allocStart + reqSize
		if tail := blockEnd - allocEnd; tail < nodeSize {
			allocEnd = blockEnd
		} else {
			*blockAt(allocEnd) = freeBlock{size: tail, next: block.next}
			block.next = allocEnd
		}

		if allocStart == cur {
			h.unlink(prev, cur)
		} else {
			block.size = allocStart - cur
		}

		return allocStart, nil
	}

	return 0, ErrOutOfMemory
}

// unlink removes cur from the list; prev is its predecessor or 0.
func (h *Heap) unlink(prev, cur uintptr) {
	if prev == 0 {
		h.head = blockAt(cur).next
		return
	}
	blockAt(prev).next = blockAt(cur).next
}

// Free returns a block obtained by Alloc with the same size and alignment.
// The block is merged with the free blocks right before and after it.
//
// Gaps smaller than a free list node next to the block can only be tails
// that Alloc absorbed into a neighbouring allocation; no allocation fits in
// them so they are reclaimed together with the block.
func (h *Heap) Free(addr uintptr, size mem.Size, align uintptr) *kernel.Error {
	start, end := addr, addr+blockSize(uintptr(size))

	if blockSize(uintptr(size)) < uintptr(size) || start < h.start || end > h.end || end < start || start%nodeAlign != 0 {
		return ErrInvalidFree
	}

	// locate the free blocks surrounding the freed block
	var prev, next uintptr
	for next = h.head; next != 0 && next < start; prev, next = next, blockAt(next).next {
	}

	prevEnd := h.start
	if prev != 0 {
		prevEnd = prev + blockAt(prev).size
	}
	nextStart := h.end
	if next != 0 {
		nextStart = next
	}

	if prevEnd > start || nextStart < end {
		return ErrDoubleFree
	}

	if start-prevEnd < nodeSize {
		start = prevEnd
	}
	if nextStart-end < nodeSize {
		end = nextStart
	}

	// merge with next
	newSize, newNext := end-start, next
	if next != 0 && end == next {
		newSize += blockAt(next).size
		newNext = blockAt(next).next
	}

	// merge with prev
	if prev != 0 && prevEnd == start {
		blockAt(prev).size += newSize
		blockAt(prev).next = newNext
		return nil
	}

	*blockAt(start) = freeBlock{size: newSize, next: newNext}
	if prev == 0 {
		h.head = start
	} else {
		blockAt(prev).next = start
	}
	return nil
}

// Used returns the number of bytes currently handed out by Alloc,
// including absorbed tails.
func (h *Heap) Used() uintptr {
	return (h.end - h.start) - h.FreeBytes()
}

// FreeBytes returns the total size of all free blocks.
func (h *Heap) FreeBytes() uintptr {
	var total uintptr
	for cur := h.head; cur != 0; cur = blockAt(cur).next {
		total += blockAt(cur).size
	}
	return total
}

// FreeBlocks returns the number of entries in the free list.
func (h *Heap) FreeBlocks() int {
	var count int
	for cur := h.head; cur != 0; cur = blockAt(cur).next {
		count++
	}
	return count
}
