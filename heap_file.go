package heapstore

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// HeapFile is the on-disk backing store for one container: a sequence of
// fixed-size pages, persisted as one OS file, addressed by page-aligned
// positional I/O. It tracks the number of physical reads and writes it has
// performed, for tests that assert on buffer pool hit/miss behavior.
type HeapFile struct {
	container ContainerId
	path      string

	mu       sync.RWMutex
	file     *os.File
	numPages PageId

	readCount  uint64
	writeCount uint64
}

// OpenHeapFile opens (creating if necessary) the backing file for a
// container at path, recovering numPages from the file's current size.
func OpenHeapFile(container ContainerId, path string) (*HeapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errIO(fmt.Sprintf("opening heap file for container %d", container), err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errIO(fmt.Sprintf("statting heap file for container %d", container), err)
	}
	if info.Size()%PageSize != 0 {
		f.Close()
		return nil, errIO(fmt.Sprintf("heap file for container %d has a non-page-aligned size", container), nil)
	}

	return &HeapFile{
		container: container,
		path:      path,
		file:      f,
		numPages:  PageId(info.Size() / PageSize),
	}, nil
}

// Container returns the id of the container this file backs.
func (hf *HeapFile) Container() ContainerId {
	return hf.container
}

// NumPages returns the number of pages currently persisted.
func (hf *HeapFile) NumPages() PageId {
	hf.mu.RLock()
	defer hf.mu.RUnlock()
	return hf.numPages
}

// ReadCount returns the number of physical page reads performed so far.
func (hf *HeapFile) ReadCount() uint64 {
	return atomic.LoadUint64(&hf.readCount)
}

// WriteCount returns the number of physical page writes performed so far.
func (hf *HeapFile) WriteCount() uint64 {
	return atomic.LoadUint64(&hf.writeCount)
}

// ReadPage reads the page at id from disk. id must be less than NumPages.
func (hf *HeapFile) ReadPage(id PageId) (*Page, error) {
	hf.mu.RLock()
	defer hf.mu.RUnlock()

	if id >= hf.numPages {
		return nil, errBadArgument(fmt.Sprintf("page %d does not exist in container %d", id, hf.container))
	}

	var raw [PageSize]byte
	if _, err := hf.file.ReadAt(raw[:], int64(id)*PageSize); err != nil {
		return nil, errIO(fmt.Sprintf("reading page %d of container %d", id, hf.container), err)
	}
	atomic.AddUint64(&hf.readCount, 1)
	return PageFromBytes(&raw), nil
}

// WritePage writes p to its own page id, extending the file by exactly one
// page if p.ID() == NumPages().
func (hf *HeapFile) WritePage(p *Page) error {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.writePageLocked(p)
}

// writePageLocked performs the actual positional write and the
// write-extends-the-file-by-one-page bookkeeping. Callers must hold
// hf.mu for writing.
func (hf *HeapFile) writePageLocked(p *Page) error {
	if p.ID() > hf.numPages {
		return errBadArgument(fmt.Sprintf("page %d would leave a gap in container %d", p.ID(), hf.container))
	}

	raw := p.Bytes()
	if _, err := hf.file.WriteAt(raw[:], int64(p.ID())*PageSize); err != nil {
		return errIO(fmt.Sprintf("writing page %d of container %d", p.ID(), hf.container), err)
	}
	atomic.AddUint64(&hf.writeCount, 1)
	if p.ID() == hf.numPages {
		hf.numPages++
	}
	return nil
}

// AppendPage allocates a new empty page at the end of the file and writes
// it out, returning the new page. Reading the current page count and writing the
// new page happen under a single lock acquisition, so two concurrent
// AppendPage calls can never observe the same "next" id and overwrite one
// another's page.
func (hf *HeapFile) AppendPage() (*Page, error) {
	hf.mu.Lock()
	defer hf.mu.Unlock()

	p := NewPage(hf.numPages)
	if err := hf.writePageLocked(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Close releases the underlying file handle.
func (hf *HeapFile) Close() error {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	if err := hf.file.Close(); err != nil {
		return errIO(fmt.Sprintf("closing heap file for container %d", hf.container), err)
	}
	return nil
}

// Remove closes and deletes the file backing this container.
func (hf *HeapFile) Remove() error {
	if err := hf.Close(); err != nil {
		return err
	}
	if err := os.Remove(hf.path); err != nil && !os.IsNotExist(err) {
		return errIO(fmt.Sprintf("removing heap file for container %d", hf.container), err)
	}
	return nil
}
