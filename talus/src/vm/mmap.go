package vm

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"defs"
	"util"
	"vfile"
)

// DoMmap creates a lazily populated file-backed mapping of file
// starting at offset, length bytes long, at addr. It enforces the
// failure conditions of §4.9 and records the mapping's length on its
// first page so DoMunmap knows the extent to tear down. A fresh,
// independent file handle is obtained via file.Reopen so that closing
// the caller's original descriptor does not undo the mapping.
func DoMmap(ctx context.Context, spt *SPT, addr uintptr, length int, writable bool, file vfile.File, offset int64) (uintptr, error) {
	if addr == 0 {
		return 0, defs.NewCodedError(defs.EINVAL, "vm: mmap: addr must be non-zero")
	}
	if addr%uintptr(defs.PGSIZE) != 0 {
		return 0, defs.NewCodedError(defs.EINVAL, "vm: mmap: addr must be page-aligned")
	}
	if addr >= defs.UserMax {
		return 0, defs.NewCodedError(defs.EFAULT, "vm: mmap: addr in kernel space")
	}
	if offset%int64(defs.PGSIZE) != 0 {
		return 0, defs.NewCodedError(defs.EINVAL, "vm: mmap: offset must be page-aligned")
	}
	if length <= 0 {
		return 0, defs.NewCodedError(defs.EINVAL, "vm: mmap: length must be positive")
	}

	fileLen, err := file.Length()
	if err != nil {
		return 0, errors.Wrap(err, "vm: mmap: stat file")
	}
	if fileLen == 0 {
		return 0, defs.NewCodedError(defs.EINVAL, "vm: mmap: file is empty")
	}

	npages := util.Roundup(length, defs.PGSIZE) / defs.PGSIZE
	for i := 0; i < npages; i++ {
		va := addr + uintptr(i*defs.PGSIZE)
		if _, exists := spt.Find(va); exists {
			return 0, defs.NewCodedError(defs.EEXIST, fmt.Sprintf("vm: mmap: va %#x already mapped", va))
		}
	}

	handle, err := file.Reopen()
	if err != nil {
		return 0, errors.Wrap(err, "vm: mmap: reopen file")
	}

	remaining := int64(length)
	for i := 0; i < npages; i++ {
		va := addr + uintptr(i*defs.PGSIZE)
		pageOff := offset + int64(i*defs.PGSIZE)
		readBytes := int64(defs.PGSIZE)
		if remaining < readBytes {
			readBytes = remaining
		}
		if pageOff >= fileLen {
			readBytes = 0
		} else if pageOff+readBytes > fileLen {
			readBytes = fileLen - pageOff
		}
		remaining -= int64(defs.PGSIZE)

		aux := &fileInitAux{
			file:      handle,
			offset:    pageOff,
			readBytes: int(readBytes),
		}
		if i == 0 {
			aux.totalMappingSize = length
		}
		if !AllocPageWithInitializer(spt, KindFile, va, writable, fileLazyInit, aux) {
			return 0, errors.Errorf("vm: mmap: failed to allocate va %#x", va)
		}
	}
	return addr, nil
}

// DoMunmap tears down the mapping starting at addr, using the extent
// recorded on its first page. Each page is destroyed independently
// (write-back if dirty, then released); the destructions run
// concurrently via errgroup since they share no state once the page
// count is known.
func DoMunmap(ctx context.Context, spt *SPT, addr uintptr) error {
	first, ok := spt.Find(addr)
	if !ok {
		return defs.NewCodedError(defs.EINVAL, fmt.Sprintf("vm: munmap: no mapping at %#x", addr))
	}
	length, ok := mappingExtent(first)
	if !ok {
		return defs.NewCodedError(defs.EINVAL, fmt.Sprintf("vm: munmap: va %#x is not a file mapping", addr))
	}
	if length == 0 {
		return defs.NewCodedError(defs.EINVAL, fmt.Sprintf("vm: munmap: va %#x is not the start of a mapping", addr))
	}
	npages := util.Roundup(length, defs.PGSIZE) / defs.PGSIZE

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < npages; i++ {
		va := addr + uintptr(i*defs.PGSIZE)
		g.Go(func() error {
			page, ok := spt.Find(va)
			if !ok {
				return errors.Errorf("vm: munmap: va %#x vanished mid-teardown", va)
			}
			spt.Remove(gctx, page)
			return nil
		})
	}
	return g.Wait()
}

// mappingExtent reads the total mmap length recorded on a mapping's
// first page, whether or not that page has ever been faulted in — a
// page munmapped before being touched is still *uninitState, carrying
// the extent in its *fileInitAux rather than in a materialized
// *fileState.
func mappingExtent(p *Page) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch s := p.state.(type) {
	case *fileState:
		return s.totalMappingSize, true
	case *uninitState:
		if s.futureKind != KindFile {
			return 0, false
		}
		aux, ok := s.aux.(*fileInitAux)
		if !ok {
			return 0, false
		}
		return aux.totalMappingSize, true
	default:
		return 0, false
	}
}
