package heap

import (
	"github.com/vaibhav-gopal/mini-os/kernel"
	"github.com/vaibhav-gopal/mini-os/kernel/kfmt"
	"github.com/vaibhav-gopal/mini-os/kernel/mem"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/pmm/allocator"
	"github.com/vaibhav-gopal/mini-os/kernel/mem/vmm"
	"github.com/vaibhav-gopal/mini-os/kernel/sync"
)

const (
	// HeapStart is the virtual address of the kernel heap. It lies in the
	// lower half, away from anything the bootloader maps.
	HeapStart = uintptr(0x4444_4444_0000)

	// HeapSize is the size of the kernel heap.
	HeapSize = 100 * mem.Kb
)

var (
	kernelHeap Heap

	// lock serializes access to the kernel heap between normal kernel
	// code and interrupt handlers.
	lock sync.Locker = &sync.IRQSpinlock{}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	allocFrameFn = allocator.AllocFrame
	mapFn        = vmm.Map
)

// Init maps every page of the heap region to a freshly allocated frame and
// hands the region to the allocator.
func Init() *kernel.Error {
	return initHeap(HeapStart, HeapSize)
}

func initHeap(start uintptr, size mem.Size) *kernel.Error {
	firstPage := vmm.PageFromAddress(start)
	lastPage := vmm.PageFromAddress(start + uintptr(size) - 1)

	for page := firstPage; page <= lastPage; page++ {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}

		if err = mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
	}

	lock.Acquire()
	defer lock.Release()

	if err := kernelHeap.Init(start, size); err != nil {
		return err
	}

	kfmt.Printf("[heap] %dKb mapped at 0x%x\n", uint64(size/mem.Kb), start)
	return nil
}

// Alloc reserves size bytes with the given alignment from the kernel heap.
func Alloc(size mem.Size, align uintptr) (uintptr, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	return kernelHeap.Alloc(size, align)
}

// Free releases a block previously returned by Alloc. The size and
// alignment must match the values passed to Alloc.
func Free(addr uintptr, size mem.Size, align uintptr) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	return kernelHeap.Free(addr, size, align)
}

// Stats returns the number of used and free bytes and the length of the
// free list.
func Stats() (used, free uintptr, freeBlocks int) {
	lock.Acquire()
	defer lock.Release()

	return kernelHeap.Used(), kernelHeap.FreeBytes(), kernelHeap.FreeBlocks()
}
