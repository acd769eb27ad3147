package heapstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	boom "github.com/tylertreat/BoomFilters"
	"go.uber.org/zap"
)

// StorageManager is the top-level facade over every container: it owns the
// container registry, the shared Buffer Pool, and the on-disk layout
// convention (one "<container_id>.hf" file per container beneath
// storagePath).
type StorageManager struct {
	storagePath string

	registryMu  sync.RWMutex
	containers  map[ContainerId]*HeapFile
	maybeExists *boom.ScalableBloomFilter

	pool *BufferPool
	log  *zap.SugaredLogger
}

// New opens a Storage Manager rooted at storagePath, recovering any
// containers whose "*.hf" files already exist there. An empty storagePath
// yields a manager that recovers nothing and backs each container with its
// own temporary file; NewTest gives a test manager a fresh temporary
// directory instead.
func New(storagePath string) (*StorageManager, error) {
	sm := &StorageManager{
		storagePath: storagePath,
		containers:  make(map[ContainerId]*HeapFile),
		maybeExists: boom.NewDefaultScalableBloomFilter(0.01),
		log:         newLogger(),
	}
	sm.pool = NewBufferPool(sm)

	if storagePath == "" {
		return sm, nil
	}

	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, errIO(fmt.Sprintf("creating storage directory %q", storagePath), err)
	}

	entries, err := os.ReadDir(storagePath)
	if err != nil {
		return nil, errIO(fmt.Sprintf("reading storage directory %q", storagePath), err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".hf" {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ".hf")
		n, err := strconv.ParseUint(stem, 10, 16)
		if err != nil {
			continue
		}
		cid := ContainerId(n)
		hf, err := OpenHeapFile(cid, filepath.Join(storagePath, entry.Name()))
		if err != nil {
			return nil, err
		}
		sm.containers[cid] = hf
		sm.maybeExists.Add(containerKeyBytes(cid))
		sm.log.Debugw("recovered container", "container", cid, "pages", hf.NumPages())
	}
	return sm, nil
}

// NewTest returns a Storage Manager backed by a fresh temporary directory.
// It is never recovered from and its directory is never reused. Nothing
// removes the directory: Shutdown leaves it and its files on disk, and only
// RemoveContainer or Reset deletes a container's file.
func NewTest() (*StorageManager, error) {
	dir, err := os.MkdirTemp("", "heapstore-test-*")
	if err != nil {
		return nil, errIO("creating temporary storage directory", err)
	}
	return New(dir)
}

func containerKeyBytes(id ContainerId) []byte {
	return []byte{byte(id), byte(id >> 8)}
}

func (sm *StorageManager) containerPath(id ContainerId) string {
	return filepath.Join(sm.storagePath, fmt.Sprintf("%d.hf", id))
}

// heapFileFor satisfies heapFileSource for the Buffer Pool.
func (sm *StorageManager) heapFileFor(id ContainerId) (*HeapFile, error) {
	sm.registryMu.RLock()
	defer sm.registryMu.RUnlock()
	hf, ok := sm.containers[id]
	if !ok {
		return nil, errNotFound(fmt.Sprintf("container %d does not exist", id))
	}
	return hf, nil
}

// CreateContainer registers a new, empty container. Creating a container
// that already exists is a no-op.
func (sm *StorageManager) CreateContainer(id ContainerId) error {
	sm.registryMu.Lock()
	defer sm.registryMu.Unlock()

	if _, ok := sm.containers[id]; ok {
		sm.log.Debugw("container already exists", "container", id)
		return nil
	}

	path := ""
	if sm.storagePath != "" {
		path = sm.containerPath(id)
	} else {
		f, err := os.CreateTemp("", fmt.Sprintf("heapstore-container-%d-*.hf", id))
		if err != nil {
			return errIO(fmt.Sprintf("creating backing file for container %d", id), err)
		}
		path = f.Name()
		f.Close()
	}

	hf, err := OpenHeapFile(id, path)
	if err != nil {
		return err
	}
	sm.containers[id] = hf
	sm.maybeExists.Add(containerKeyBytes(id))
	sm.log.Debugw("created container", "container", id)
	return nil
}

// RemoveContainer drops a container and deletes its backing file. Removing
// a container that does not exist is a no-op.
func (sm *StorageManager) RemoveContainer(id ContainerId) error {
	sm.registryMu.Lock()
	defer sm.registryMu.Unlock()

	hf, ok := sm.containers[id]
	if !ok {
		sm.log.Debugw("container already absent", "container", id)
		return nil
	}
	sm.pool.DiscardContainer(id)
	if err := hf.Remove(); err != nil {
		return err
	}
	delete(sm.containers, id)
	sm.log.Debugw("removed container", "container", id)
	return nil
}

// maybeContainerExists consults the bloom filter fast path before taking
// the registry lock. A false result is authoritative: the container
// definitely does not exist. A true result must still be confirmed against
// the registry, since the filter never forgets a removed container.
func (sm *StorageManager) maybeContainerExists(id ContainerId) bool {
	return sm.maybeExists.Test(containerKeyBytes(id))
}

// InsertValue inserts value into container, returning the ValueId it was
// assigned. It scans existing pages in ascending page id order for the
// first one with enough free space, appending a new page only if none fit.
func (sm *StorageManager) InsertValue(container ContainerId, value []byte, tid TransactionId) (ValueId, error) {
	if !sm.maybeContainerExists(container) {
		return ValueId{}, errNotFound(fmt.Sprintf("container %d does not exist", container))
	}
	hf, err := sm.heapFileFor(container)
	if err != nil {
		return ValueId{}, err
	}

	numPages := hf.NumPages()
	for pid := PageId(0); pid < numPages; pid++ {
		page, err := sm.pool.Fetch(container, pid, ReadWrite)
		if err != nil {
			return ValueId{}, err
		}
		if slot, ok := page.AddValue(value); ok {
			sm.pool.Unpin(container, pid, true)
			return ValueId{Container: container, Page: pid, Slot: slot}, nil
		}
		sm.pool.Unpin(container, pid, false)
	}

	page, err := hf.AppendPage()
	if err != nil {
		return ValueId{}, err
	}
	if err := sm.pool.Insert(container, page); err != nil {
		return ValueId{}, err
	}
	slot, ok := page.AddValue(value)
	if !ok {
		sm.pool.Unpin(container, page.ID(), false)
		return ValueId{}, errBadArgument("value does not fit on an empty page")
	}
	sm.pool.Unpin(container, page.ID(), true)
	return ValueId{Container: container, Page: page.ID(), Slot: slot}, nil
}

// InsertValues inserts each value in order, returning their assigned ids.
// It stops and returns the error from the first failing insert.
func (sm *StorageManager) InsertValues(container ContainerId, values [][]byte, tid TransactionId) ([]ValueId, error) {
	ids := make([]ValueId, 0, len(values))
	for _, v := range values {
		id, err := sm.InsertValue(container, v, tid)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetValue returns a copy of the bytes stored at id.
func (sm *StorageManager) GetValue(id ValueId, tid TransactionId, perm Permissions) ([]byte, error) {
	if !sm.maybeContainerExists(id.Container) {
		return nil, errNotFound(fmt.Sprintf("container %d does not exist", id.Container))
	}
	page, err := sm.pool.Fetch(id.Container, id.Page, ReadOnly)
	if err != nil {
		return nil, err
	}
	defer sm.pool.Unpin(id.Container, id.Page, false)

	value, ok := page.GetValue(id.Slot)
	if !ok {
		return nil, errNotFound(fmt.Sprintf("value %+v not found", id))
	}
	return value, nil
}

// DeleteValue removes the record at id. Deleting a value that is already
// gone is a no-op; deleting from a container that does not exist is an
// error.
func (sm *StorageManager) DeleteValue(id ValueId, tid TransactionId) error {
	if !sm.maybeContainerExists(id.Container) {
		return errNotFound(fmt.Sprintf("container %d does not exist", id.Container))
	}
	page, err := sm.pool.Fetch(id.Container, id.Page, ReadWrite)
	if err != nil {
		return err
	}
	deleted := page.DeleteValue(id.Slot)
	sm.pool.Unpin(id.Container, id.Page, deleted)
	return nil
}

// UpdateValue replaces the record at id with value, implemented as a
// delete followed by an insert into the same container. The returned
// ValueId may differ from id.
func (sm *StorageManager) UpdateValue(value []byte, id ValueId, tid TransactionId) (ValueId, error) {
	if err := sm.DeleteValue(id, tid); err != nil {
		return ValueId{}, err
	}
	return sm.InsertValue(id.Container, value, tid)
}

// GetPage fetches and pins a page. Every successful GetPage must be
// matched by exactly one WritePage, which releases the pin; dirty should
// be true only if the caller actually mutated the page.
func (sm *StorageManager) GetPage(container ContainerId, id PageId, tid TransactionId, perm Permissions) (*Page, error) {
	if !sm.maybeContainerExists(container) {
		return nil, errNotFound(fmt.Sprintf("container %d does not exist", container))
	}
	return sm.pool.Fetch(container, id, perm)
}

// WritePage releases the pin GetPage took on page, marking it dirty if
// dirty is true.
func (sm *StorageManager) WritePage(container ContainerId, page *Page, dirty bool) error {
	sm.pool.Unpin(container, page.ID(), dirty)
	return nil
}

// GetIterator returns an iterator over every live record currently in
// container, snapshotting the page count at construction time.
func (sm *StorageManager) GetIterator(container ContainerId, tid TransactionId, perm Permissions) (*Iterator, error) {
	if !sm.maybeContainerExists(container) {
		return nil, errNotFound(fmt.Sprintf("container %d does not exist", container))
	}
	hf, err := sm.heapFileFor(container)
	if err != nil {
		return nil, err
	}
	return newIterator(sm, container, hf.NumPages()), nil
}

// Shutdown flushes every dirty page and closes every backing file.
func (sm *StorageManager) Shutdown() error {
	// Flush before taking the registry lock: writing a page back resolves
	// its HeapFile through heapFileFor, which takes the registry read lock.
	if err := sm.pool.Reset(); err != nil {
		sm.log.Errorw("flushing buffer pool on shutdown failed", "error", err)
		return err
	}

	sm.registryMu.Lock()
	defer sm.registryMu.Unlock()
	for id, hf := range sm.containers {
		if err := hf.Close(); err != nil {
			return err
		}
		sm.log.Debugw("closed container on shutdown", "container", id)
	}
	sm.log.Infow("storage manager shut down", "containers", len(sm.containers))
	return nil
}

// Reset discards every container and its backing file, returning the
// manager to a freshly-created, empty state.
func (sm *StorageManager) Reset() error {
	sm.registryMu.Lock()
	ids := make([]ContainerId, 0, len(sm.containers))
	for id := range sm.containers {
		ids = append(ids, id)
	}
	sm.registryMu.Unlock()

	for _, id := range ids {
		if err := sm.RemoveContainer(id); err != nil {
			return err
		}
	}

	sm.registryMu.Lock()
	sm.maybeExists = boom.NewDefaultScalableBloomFilter(0.01)
	sm.registryMu.Unlock()
	return nil
}
