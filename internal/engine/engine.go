// Package engine composes the storage substrate into one openable
// database: disk manager, WAL with redo/undo recovery, buffer pool,
// catalog, lock table, and transaction manager, over the on-disk layout of
// a database directory: manifest, one heap file per table, one index file
// per index, one append-only log. Storage managers come up first, then the
// transaction services over them.
package engine

import (
	"os"
	"path/filepath"
	"time"

	"emberdb/internal/catalog"
	"emberdb/internal/config"
	"emberdb/internal/dberr"
	"emberdb/internal/logging"
	"emberdb/internal/storage/buffer"
	"emberdb/internal/storage/disk"
	"emberdb/internal/txn/lock"
	"emberdb/internal/txn/manager"
	"emberdb/internal/wal"
)

var engineLog = logging.For("engine")

const logFileName = "wal.log"

// Engine is one open database directory.
type Engine struct {
	cfg   *config.Cfg
	dir   string
	disk  *disk.Manager
	pool  *buffer.Pool
	log   *wal.LogManager
	logFD disk.FD
	cat   *catalog.Catalog
	locks *lock.Manager
	txns  *manager.Manager
}

// Open opens (or creates) the database directory at cfg.DataDir/dbName,
// runs crash recovery when a prior log exists, and wires the transaction
// services.
func Open(dbName string, cfg *config.Cfg) (*Engine, error) {
	dir := filepath.Join(cfg.DataDir, dbName)
	fresh := false
	if _, err := os.Stat(filepath.Join(dir, "manifest.txt")); os.IsNotExist(err) {
		fresh = true
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dberr.Wrap(dberr.UnixError, err, "creating database directory %s", dir)
		}
	}

	dm := disk.NewManager(cfg.PageSize)
	logPath := filepath.Join(dir, logFileName)
	var logFD disk.FD
	var err error
	if fresh {
		logFD, err = dm.CreateFile(logPath)
	} else {
		logFD, err = dm.OpenFile(logPath)
	}
	if err != nil {
		return nil, err
	}

	lm := wal.NewLogManager(dm, logFD, cfg.LogBufferSize, 1, 0)
	pool := buffer.NewPool(dm, lm, cfg.BufferPoolFrames, cfg.PageSize)

	var cat *catalog.Catalog
	if fresh {
		cat, err = catalog.New(dir, dbName, dm, pool, cfg.PageSize)
	} else {
		cat, err = catalog.Open(dir, dm, pool, cfg.PageSize)
	}
	if err != nil {
		lm.Close()
		return nil, err
	}

	if !fresh {
		rolledBack, err := wal.Recover(lm, dm, logFD, pool, cat, cat)
		if err != nil {
			lm.Close()
			return nil, err
		}
		if err := cat.RepairHeapHeaders(); err != nil {
			lm.Close()
			return nil, err
		}
		if err := cat.RebuildIndexes(); err != nil {
			lm.Close()
			return nil, err
		}
		if len(rolledBack) > 0 {
			engineLog.Infof("recovery rolled back %d transaction(s)", len(rolledBack))
		}
	}

	locks := lock.NewManager(cfg.LockMaxAttempt, time.Duration(cfg.LockRetryInterval)*time.Microsecond)
	return &Engine{
		cfg:   cfg,
		dir:   dir,
		disk:  dm,
		pool:  pool,
		log:   lm,
		logFD: logFD,
		cat:   cat,
		locks: locks,
		txns:  manager.NewManager(lm, locks, cat),
	}, nil
}

// Catalog exposes the open catalog for DDL and metadata statements.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// Txns exposes the transaction manager for BEGIN/COMMIT/ABORT.
func (e *Engine) Txns() *manager.Manager { return e.txns }

// Dir returns the database directory.
func (e *Engine) Dir() string { return e.dir }

// Checkpoint force-flushes the log, writes back every table and index
// page, and archives the now-redundant log prefix as an lz4 segment.
func (e *Engine) Checkpoint() error {
	if err := e.log.ForceFlush(e.log.PersistentLSN()); err != nil {
		return err
	}
	if err := e.cat.FlushAll(); err != nil {
		return err
	}
	size, err := e.disk.LogSize(e.logFD)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	return wal.ArchiveSegment(filepath.Join(e.dir, logFileName), size)
}

// Close flushes every dirty page and stops the log flusher. The disk
// manager's files are closed so a later Open can reattach them.
func (e *Engine) Close() error {
	if err := e.cat.FlushAll(); err != nil {
		return err
	}
	if err := e.log.Close(); err != nil {
		return err
	}
	return e.disk.CloseFile(e.logFD)
}
