package vmm

import "github.com/vaibhav-gopal/mini-os/kernel"

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	return translate(virtAddr)
}

// translate performs the lookup without taking the page table lock so it
// can also be used by the fault handlers which may run while the lock is
// held by the interrupted code.
//
// The bootloader maps physical memory using 2M or 1G pages when the CPU
// supports them so a huge page entry at the P3 or P2 level terminates the
// walk; the offset is then taken from the low bits of the virtual address
// that the huge page covers.
func translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || (pteLevel > 0 && pte.HasFlags(FlagHugePage)) {
			offsetMask := (uintptr(1) << pageLevelShifts[pteLevel]) - 1
			physAddr = (uintptr(*pte) & ptePhysPageMask &^ offsetMask) | (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}
