// Package catalog implements the catalog manifest: table and index
// metadata persisted to a text-serialised database descriptor, rewritten
// atomically on schema change. It owns every open table and index handle
// in one database directory.
package catalog

import (
	"sort"
	"strings"
	"sync"

	"emberdb/internal/dberr"
	"emberdb/internal/logging"
	"emberdb/internal/storage/buffer"
	"emberdb/internal/storage/disk"
	"emberdb/internal/storage/heap"
	"emberdb/internal/storage/index"
	"emberdb/internal/types"
)

var catalogLog = logging.For("catalog")

// IndexMeta describes one index: the table it belongs to and its ordered
// column list.
type IndexMeta struct {
	Table   string
	Columns []string
}

// Name is the canonical on-disk name for this index, e.g. "orders_id".
func (im IndexMeta) Name() string {
	return im.Table + "_" + strings.Join(im.Columns, "_")
}

// TableMeta is a table's schema plus the list of indexes over it.
type TableMeta struct {
	Name    string
	Columns []types.Column
	Indexes []IndexMeta
}

// IndexHandle pairs an index's metadata with its open B+tree manager and
// the resolved column descriptors (with table-assigned offsets) it keys
// on, in index-column order.
type IndexHandle struct {
	Meta    IndexMeta
	FD      disk.FD
	Mgr     *index.Manager
	Columns []types.Column
}

// TableHandle pairs a table's metadata with its open heap file and
// indexes, keyed by index name.
type TableHandle struct {
	Meta    TableMeta
	FD      disk.FD
	Heap    *heap.Manager
	Indexes map[string]*IndexHandle
}

// Schema returns the table's row schema.
func (h *TableHandle) Schema() types.Schema {
	return types.Schema{Table: h.Meta.Name, Columns: h.Meta.Columns}
}

// Catalog owns every open table and index in one database directory.
type Catalog struct {
	mu       sync.RWMutex
	dir      string
	disk     *disk.Manager
	pool     *buffer.Pool
	pageSize int
	dbName   string
	tables   map[string]*TableHandle
}

// New creates a brand-new, empty catalog and writes its initial manifest.
func New(dir, dbName string, dm *disk.Manager, pool *buffer.Pool, pageSize int) (*Catalog, error) {
	c := &Catalog{
		dir:      dir,
		disk:     dm,
		pool:     pool,
		pageSize: pageSize,
		dbName:   dbName,
		tables:   make(map[string]*TableHandle),
	}
	if err := c.save(); err != nil {
		return nil, err
	}
	return c, nil
}

// Open reads an existing manifest and re-opens every table and index file
// it lists.
func Open(dir string, dm *disk.Manager, pool *buffer.Pool, pageSize int) (*Catalog, error) {
	c := &Catalog{
		dir:      dir,
		disk:     dm,
		pool:     pool,
		pageSize: pageSize,
		tables:   make(map[string]*TableHandle),
	}
	metas, dbName, err := loadManifest(c.manifestPath())
	if err != nil {
		return nil, err
	}
	c.dbName = dbName
	for _, tm := range metas {
		if err := c.attachTable(tm); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) manifestPath() string {
	return c.dir + "/manifest.txt"
}

func (c *Catalog) heapPath(table string) string {
	return c.dir + "/" + table + ".heap"
}

func (c *Catalog) indexPath(im IndexMeta) string {
	return c.dir + "/" + im.Name() + ".idx"
}

// attachTable opens tm's heap file and indexes and registers the handle,
// used both by Open (existing files) and CreateTable (fresh files).
func (c *Catalog) attachTable(tm TableMeta) error {
	fd, err := c.disk.OpenFile(c.heapPath(tm.Name))
	if err != nil {
		return err
	}
	hm, err := heap.Open(c.pool, fd, c.pageSize)
	if err != nil {
		return err
	}
	th := &TableHandle{Meta: tm, FD: fd, Heap: hm, Indexes: make(map[string]*IndexHandle)}
	for _, im := range tm.Indexes {
		if err := c.attachIndex(th, im); err != nil {
			return err
		}
	}
	c.tables[tm.Name] = th
	return nil
}

func (c *Catalog) attachIndex(th *TableHandle, im IndexMeta) error {
	ifd, err := c.disk.OpenFile(c.indexPath(im))
	if err != nil {
		return err
	}
	cols := resolveColumns(th.Meta.Columns, im.Columns)
	ixm, err := index.Open(c.pool, ifd, c.pageSize, cols)
	if err != nil {
		return err
	}
	th.Indexes[im.Name()] = &IndexHandle{Meta: im, FD: ifd, Mgr: ixm, Columns: cols}
	return nil
}

func resolveColumns(all []types.Column, names []string) []types.Column {
	out := make([]types.Column, len(names))
	for i, n := range names {
		for _, c := range all {
			if c.Name == n {
				out[i] = c
				break
			}
		}
	}
	return out
}

// CreateTable creates a fresh heap file for name and registers it.
func (c *Catalog) CreateTable(name string, columns []types.Column) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; ok {
		return dberr.New(dberr.TableExists, "table %s already exists", name)
	}
	cols := types.WithOffsets(name, columns)
	recordSize := (types.Schema{Columns: cols}).RecordWidth()

	fd, err := c.disk.CreateFile(c.heapPath(name))
	if err != nil {
		return err
	}
	hm, err := heap.Create(c.pool, fd, c.pageSize, recordSize)
	if err != nil {
		return err
	}
	c.tables[name] = &TableHandle{
		Meta:    TableMeta{Name: name, Columns: cols},
		FD:      fd,
		Heap:    hm,
		Indexes: make(map[string]*IndexHandle),
	}
	// DDL is not WAL-logged; flush the fresh header page so the table
	// survives a crash that follows the manifest write.
	if err := c.pool.FlushAll(fd); err != nil {
		return err
	}
	catalogLog.Infof("created table %s (%d columns, record size %d)", name, len(cols), recordSize)
	return c.save()
}

// DropTable removes table name and every index over it.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	th, ok := c.tables[name]
	if !ok {
		return dberr.New(dberr.TableNotFound, "table %s does not exist", name)
	}
	for _, ih := range th.Indexes {
		if err := c.disk.CloseFile(ih.FD); err != nil {
			return err
		}
		if err := c.disk.DestroyFile(c.indexPath(ih.Meta)); err != nil {
			return err
		}
	}
	if err := c.disk.CloseFile(th.FD); err != nil {
		return err
	}
	if err := c.disk.DestroyFile(c.heapPath(name)); err != nil {
		return err
	}
	delete(c.tables, name)
	return c.save()
}

// CreateIndex creates a new B+tree index over table(cols).
func (c *Catalog) CreateIndex(table string, cols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	th, ok := c.tables[table]
	if !ok {
		return dberr.New(dberr.TableNotFound, "table %s does not exist", table)
	}
	im := IndexMeta{Table: table, Columns: cols}
	if _, ok := th.Indexes[im.Name()]; ok {
		return dberr.New(dberr.IndexExists, "index %s already exists", im.Name())
	}
	resolved := resolveColumns(th.Meta.Columns, cols)
	for i, rc := range resolved {
		if rc.Name == "" {
			return dberr.New(dberr.ColumnNotFound, "column %s not found on table %s", cols[i], table)
		}
	}

	ifd, err := c.disk.CreateFile(c.indexPath(im))
	if err != nil {
		return err
	}
	ixm, err := index.Create(c.pool, ifd, c.pageSize, resolved)
	if err != nil {
		return err
	}
	th.Indexes[im.Name()] = &IndexHandle{Meta: im, FD: ifd, Mgr: ixm, Columns: resolved}
	th.Meta.Indexes = append(th.Meta.Indexes, im)
	for i := range th.Meta.Columns {
		for _, name := range cols {
			if th.Meta.Columns[i].Name == name {
				th.Meta.Columns[i].Indexed = true
			}
		}
	}
	if err := c.pool.FlushAll(ifd); err != nil {
		return err
	}
	catalogLog.Infof("created index %s over %s(%s)", im.Name(), table, strings.Join(cols, ","))
	return c.save()
}

// DropIndex removes the named index from table.
func (c *Catalog) DropIndex(table string, cols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	th, ok := c.tables[table]
	if !ok {
		return dberr.New(dberr.TableNotFound, "table %s does not exist", table)
	}
	im := IndexMeta{Table: table, Columns: cols}
	ih, ok := th.Indexes[im.Name()]
	if !ok {
		return dberr.New(dberr.IndexNotFound, "index %s does not exist", im.Name())
	}
	if err := c.disk.CloseFile(ih.FD); err != nil {
		return err
	}
	if err := c.disk.DestroyFile(c.indexPath(im)); err != nil {
		return err
	}
	delete(th.Indexes, im.Name())
	kept := th.Meta.Indexes[:0]
	for _, existing := range th.Meta.Indexes {
		if existing.Name() != im.Name() {
			kept = append(kept, existing)
		}
	}
	th.Meta.Indexes = kept
	return c.save()
}

// Table returns the handle for name.
func (c *Catalog) Table(name string) (*TableHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	th, ok := c.tables[name]
	if !ok {
		return nil, dberr.New(dberr.TableNotFound, "table %s does not exist", name)
	}
	return th, nil
}

// ResolveTableFD implements wal.TableResolver so recovery can replay log
// records without depending on the catalog package's full surface.
func (c *Catalog) ResolveTableFD(table string) (disk.FD, error) {
	th, err := c.Table(table)
	if err != nil {
		return 0, err
	}
	return th.FD, nil
}

// ApplyPut and ApplyClear implement wal.PageApplier by dispatching on the
// table name to that table's heap layout, since slot geometry varies with
// record width.
func (c *Catalog) ApplyPut(table string, page []byte, slot int32, record []byte) error {
	th, err := c.Table(table)
	if err != nil {
		return err
	}
	return th.Heap.ApplyPut(page, slot, record)
}

func (c *Catalog) ApplyClear(table string, page []byte, slot int32) error {
	th, err := c.Table(table)
	if err != nil {
		return err
	}
	return th.Heap.ApplyClear(page, slot)
}

// RepairHeapHeaders rewrites every table's heap header from the file's
// actual page count, run after crash recovery: the header's buffered
// totalPages/first-free updates may have died with the crash even though
// redo restored the data pages.
func (c *Catalog) RepairHeapHeaders() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, th := range c.tables {
		pages, err := c.disk.PageCount(th.FD)
		if err != nil {
			return err
		}
		if err := th.Heap.SyncHeader(pages); err != nil {
			return err
		}
	}
	return nil
}

// RebuildIndexes resets every B+tree and refills it from its table's
// recovered heap, run after crash recovery: index mutations are not
// WAL-logged, so a tree whose dirty pages died with the crash is stale
// against the redone heap.
func (c *Catalog) RebuildIndexes() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, th := range c.tables {
		if len(th.Indexes) == 0 {
			continue
		}
		for _, ih := range th.Indexes {
			if err := ih.Mgr.Reset(); err != nil {
				return err
			}
		}
		sc, err := th.Heap.NewScanner()
		if err != nil {
			return err
		}
		for !sc.IsEnd() {
			rid, rec, err := sc.Current()
			if err != nil {
				sc.Close()
				return err
			}
			row, err := types.DecodeRow(th.Schema(), rec, rid)
			if err != nil {
				sc.Close()
				return err
			}
			for _, ih := range th.Indexes {
				vals := make([]types.Value, len(ih.Columns))
				for i, col := range ih.Columns {
					v, err := row.Get(col.Name)
					if err != nil {
						sc.Close()
						return err
					}
					vals[i] = v
				}
				key, err := ih.Mgr.EncodeKey(vals)
				if err != nil {
					sc.Close()
					return err
				}
				if _, err := ih.Mgr.InsertEntry(key, rid); err != nil {
					sc.Close()
					return err
				}
			}
			if err := sc.Next(); err != nil {
				sc.Close()
				return err
			}
		}
		if err := sc.Close(); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll force-writes every open table and index page, used by engine
// checkpoint and clean shutdown.
func (c *Catalog) FlushAll() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, th := range c.tables {
		if err := c.pool.FlushAll(th.FD); err != nil {
			return err
		}
		for _, ih := range th.Indexes {
			if err := c.pool.FlushAll(ih.FD); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListTables returns every table name in sorted order, for SHOW TABLES.
func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ShowIndex returns table's indexes, for SHOW INDEX FROM t.
func (c *Catalog) ShowIndex(table string) ([]IndexMeta, error) {
	th, err := c.Table(table)
	if err != nil {
		return nil, err
	}
	return th.Meta.Indexes, nil
}

// Desc returns table's column list, for DESC t.
func (c *Catalog) Desc(table string) ([]types.Column, error) {
	th, err := c.Table(table)
	if err != nil {
		return nil, err
	}
	return th.Meta.Columns, nil
}
