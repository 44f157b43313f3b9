package pancake

import (
	stderrors "errors"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/config"
	"github.com/pancake-db/ssi-engine/internal/dbstate"
	"github.com/pancake-db/ssi-engine/internal/fc"
	"github.com/pancake-db/ssi-engine/internal/layout"
	"github.com/pancake-db/ssi-engine/internal/telemetry"
	"github.com/pancake-db/ssi-engine/internal/txn"
)

// DB is one open engine instance: a primary unit chain, a secondary index
// registry, and a background F+C worker goroutine.
type DB struct {
	cfg      config.Config
	mgr      *txn.Manager
	registry *dbstate.Registry
	signals  *dbstate.Signals
	worker   *fc.Worker
	metrics  *telemetry.Metrics
	log      *logrus.Logger
}

// Open creates (or reopens) a DB rooted at cfg.RootDir. Reopening an
// existing root directory rehydrates the primary chain and every
// already-Ready secondary index's chain from whatever units/ and
// scnd_idxs/ already hold on disk, so committed data survives a process
// restart; redoing a transaction that never reached commit_info.txt is
// out of scope and its staging directory is swept instead.
func Open(cfg config.Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{layout.UnitsRoot(cfg.RootDir), layout.ScndIdxsRoot(cfg.RootDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create engine subdirectory")
		}
	}

	commitVers, err := dbstate.LoadOrNewPersistedCounter(layout.CommitVerCounterPath(cfg.RootDir))
	if err != nil {
		return nil, err
	}
	listVers, err := dbstate.LoadOrNewPersistedCounter(layout.ListVerCounterPath(cfg.RootDir))
	if err != nil {
		return nil, err
	}
	scndIdxNums, err := dbstate.LoadOrNewPersistedCounter(layout.ScndIdxNumCounterPath(cfg.RootDir))
	if err != nil {
		return nil, err
	}

	registry := dbstate.NewRegistry(cfg.RootDir, scndIdxNums)
	if err := loadPersistedScndIdxs(registry, cfg.RootDir); err != nil {
		return nil, err
	}

	signals := dbstate.NewSignals()
	metrics := telemetry.NewMetrics()
	logger := telemetry.NewLogger(cfg.JSONLogs)

	// The registry must already hold every Ready index before NewManager
	// scans units/, since the scan routes each unit's si-<hex16>.kv file to
	// its index's Chain by looking the index up by number.
	mgr, err := txn.NewManager(cfg.RootDir, commitVers, listVers, registry, signals, metrics, logger.WithField("component", "txn"))
	if err != nil {
		return nil, errors.Wrap(err, "rehydrate primary chain from disk")
	}
	worker := fc.NewWorker(mgr.Primary, registry, signals, listVers, cfg.RootDir, cfg.CompactionThreshold, metrics, logger.WithField("component", "fc"))
	go worker.Run()

	return &DB{
		cfg:      cfg,
		mgr:      mgr,
		registry: registry,
		signals:  signals,
		worker:   worker,
		metrics:  metrics,
		log:      logger,
	}, nil
}

// loadPersistedScndIdxs re-admits every secondary index whose spec.datum
// survived on disk, in the Ready state (a spec is only ever persisted
// once MarkReady fires), so NewManager's unit scan can route each unit's
// si-<hex16>.kv file to the right index's Chain.
func loadPersistedScndIdxs(registry *dbstate.Registry, rootDir string) error {
	dirs, err := layout.ListScndIdxDirs(rootDir)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		num, err := layout.ParseScndIdxNum(dir)
		if err != nil {
			return err
		}
		f, err := os.Open(layout.ScndIdxSpecPath(rootDir, num))
		if err != nil {
			if os.IsNotExist(err) {
				continue // Creating entry never finished backfilling; nothing to resume.
			}
			return errors.Wrap(err, "open secondary index spec file")
		}
		spec, err := codec.DecodeSubValueSpec(f)
		closeErr := f.Close()
		if err != nil {
			return errors.Wrap(err, "decode secondary index spec")
		}
		if closeErr != nil {
			return closeErr
		}
		registry.LoadPersisted(num, spec)
	}
	return nil
}

// Begin opens a snapshot-isolated transaction. Most callers should prefer
// DB.Txn, which adds the conflict-retry loop a caller would otherwise
// have to drive by hand.
func (db *DB) Begin() *txn.Txn { return db.mgr.Begin() }

// CommitOrAbort attempts to commit t; on any error (including
// ErrConflict) it aborts t instead of leaving it open.
func (db *DB) CommitOrAbort(t *txn.Txn) error {
	err := db.mgr.Commit(t)
	if err != nil && stderrors.Is(err, txn.ErrConflict) {
		return ErrConflict
	}
	return err
}

// Abort discards t's buffered writes.
func (db *DB) Abort(t *txn.Txn) { db.mgr.Abort(t) }

// Txn runs fn inside a transaction, retrying on conflict up to
// cfg.MaxCommitRetries times before surfacing ErrConflict.
func (db *DB) Txn(fn func(t *txn.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt <= db.cfg.MaxCommitRetries; attempt++ {
		t := db.Begin()
		if err := fn(t); err != nil {
			db.Abort(t)
			return err
		}
		err := db.CommitOrAbort(t)
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// CreateScndIdx registers a new secondary index over spec and enqueues a
// backfill request for the F+C worker. It returns ErrCreationInProgress
// if spec is already registered, per the Open Question resolved in
// DESIGN.md: concurrent duplicate creation is rejected at enqueue under
// the registry's write lock, not allowed to race through the pipeline.
func (db *DB) CreateScndIdx(spec codec.SubValueSpec) error {
	entry, err := db.registry.Register(spec, db.mgr.CommitVers.Current())
	if err != nil {
		return ErrCreationInProgress
	}
	select {
	case db.signals.ScndIdxReqs <- dbstate.ScndIdxRequest{Entry: entry}:
		return nil
	default:
		db.registry.Remove(spec)
		return ErrChannelFull
	}
}

// DeleteScndIdx tears down a registered secondary index. It is a no-op if
// spec was never registered.
func (db *DB) DeleteScndIdx(spec codec.SubValueSpec) {
	db.registry.Remove(spec)
}

// Metrics exposes the engine's prometheus registry for an embedder to
// serve on its own /metrics endpoint.
func (db *DB) Metrics() *telemetry.Metrics { return db.metrics }

// Close signals the F+C worker to stop. It does not block for the worker
// to actually exit; callers that need that guarantee should coordinate via
// their own wait mechanism around the Open/Close lifecycle.
func (db *DB) Close() error {
	db.signals.Term.Signal()
	return nil
}
