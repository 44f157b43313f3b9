// Package txn implements the transaction lifecycle: begin, point/range
// read, buffered write, and commit with optimistic conflict detection. A
// transaction accumulates its own pending writes separately from the
// shared committed chain (a write-buffer/read-set split) and reconciles
// only at commit time.
package txn

import (
	"bytes"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/dbstate"
	"github.com/pancake-db/ssi-engine/internal/layout"
	"github.com/pancake-db/ssi-engine/internal/lsmlist"
	"github.com/pancake-db/ssi-engine/internal/memlog"
	"github.com/pancake-db/ssi-engine/internal/sstable"
	"github.com/pancake-db/ssi-engine/internal/telemetry"
	"github.com/pancake-db/ssi-engine/internal/unit"
)

var (
	// ErrConflict is returned from Commit when the transaction's read set
	// overlaps a key written by a transaction that committed after this
	// one's snapshot was taken.
	ErrConflict = errors.New("transaction conflict: read set overlaps a concurrently committed write")

	// ErrIndexMissing is returned from Txn.GetSVRange when no Ready
	// secondary index is registered over the requested SubValueSpec.
	ErrIndexMissing = errors.New("transaction: secondary index not found or not ready")
)

// Manager owns the primary unit chain and the counters/signals shared
// across all transactions. One Manager exists per open database.
type Manager struct {
	rootDir string
	log     *logrus.Entry

	Primary    *lsmlist.List[*unit.Unit[codec.Datum]]
	Registry   *dbstate.Registry
	CommitVers *dbstate.PersistedCounter
	ListVers   *dbstate.PersistedCounter
	Signals    *dbstate.Signals
	Metrics    *telemetry.Metrics

	commitMu sync.Mutex // serializes commit validation + chain splice-in
}

// NewManager constructs a Manager and, if rootDir already holds
// previously-committed units, rehydrates the Primary chain (and every
// already-Ready secondary index's Chain) from them: reopening a database
// root with committed data on disk must see that data again, even though
// redoing an uncommitted transaction's writes is out of scope.
func NewManager(rootDir string, commitVers, listVers *dbstate.PersistedCounter, registry *dbstate.Registry, signals *dbstate.Signals, metrics *telemetry.Metrics, log *logrus.Entry) (*Manager, error) {
	m := &Manager{
		rootDir:    rootDir,
		log:        log,
		Primary:    lsmlist.New[*unit.Unit[codec.Datum]](),
		Registry:   registry,
		CommitVers: commitVers,
		ListVers:   listVers,
		Signals:    signals,
		Metrics:    metrics,
	}
	if err := m.scanUnits(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Begin() *Txn {
	// Taking commitMu keeps the snapshot from landing between a commit's
	// CommitVer allocation and its unit's splice-in.
	m.commitMu.Lock()
	listVer := m.ListVers.Current()
	commitVer := m.CommitVers.Current()
	m.Signals.HeldVersions.Acquire(listVer)
	m.commitMu.Unlock()
	return &Txn{
		mgr:               m,
		snapshotListVer:   listVer,
		snapshotCommitVer: commitVer,
		writeBuf:          newWriteBuffer(),
	}
}

func newPrimaryKeyCodec() memlog.KeyCodec[codec.Datum] {
	return memlog.KeyCodec[codec.Datum]{
		Less:   codec.Less,
		Encode: encodeDatumKey,
		Decode: decodeDatumKey,
	}
}

func newScndIdxKeyCodec() memlog.KeyCodec[codec.SVPK] {
	return memlog.KeyCodec[codec.SVPK]{
		Less:   codec.LessSVPK,
		Encode: encodeSVPKKey,
		Decode: decodeSVPKKey,
	}
}

func encodeDatumKey(k codec.Datum) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.EncodeDatum(&buf, k); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeDatumKey(b []byte) (codec.Datum, error) {
	return codec.DecodeDatum(bytes.NewReader(b))
}

func encodeSVPKKey(k codec.SVPK) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.EncodeSVPK(&buf, k); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSVPKKey(b []byte) (codec.SVPK, error) {
	return codec.DecodeSVPK(bytes.NewReader(b))
}

// scanUnits walks <rootDir>/units, sorts whatever committed units it
// finds by CommitVerHi, and rebuilds Primary (and each already-loaded
// secondary index's Chain) in that order so PushFront leaves the chain
// with the newest commit at the head, exactly as if every commit had
// just replayed in original order. A unit directory with no
// commit_info.txt was abandoned mid-commit (crash, or a cancelled commit
// that chose to leave it for this sweep) and is removed outright.
func (m *Manager) scanUnits() error {
	dirs, err := layout.ListUnitDirs(m.rootDir)
	if err != nil {
		return err
	}

	type found struct {
		dir  string
		info layout.CommitInfo
	}
	var committed []found
	for _, dir := range dirs {
		info, ok, err := layout.ReadCommitInfo(dir)
		if err != nil {
			return errors.Wrapf(err, "read commit info for %s", dir)
		}
		if !ok {
			if err := os.RemoveAll(dir); err != nil {
				return errors.Wrapf(err, "sweep abandoned staging directory %s", dir)
			}
			continue
		}
		committed = append(committed, found{dir: dir, info: info})
	}
	sort.Slice(committed, func(i, j int) bool { return committed[i].info.CommitVerHi < committed[j].info.CommitVerHi })

	primaryKC := sstable.KeyCodec[codec.Datum]{Less: codec.Less, Encode: encodeDatumKey, Decode: decodeDatumKey}
	scndKC := sstable.KeyCodec[codec.SVPK]{Less: codec.LessSVPK, Encode: encodeSVPKKey, Decode: decodeSVPKKey}

	for _, f := range committed {
		piPath := layout.PrimaryPath(f.dir)
		if _, err := os.Stat(piPath); err == nil {
			u, err := loadUnit[codec.Datum](piPath, primaryKC, newPrimaryKeyCodec())
			if err != nil {
				return errors.Wrapf(err, "load primary unit at %s", piPath)
			}
			u.CommitVerLo, u.CommitVerHi = f.info.CommitVerLo, f.info.CommitVerHi
			m.Primary.PushFront(u, f.info.CommitVerHi)
		}

		for _, entry := range m.Registry.All() {
			siPath := layout.ScndIdxFilePath(f.dir, entry.Num)
			if _, err := os.Stat(siPath); err != nil {
				continue
			}
			u, err := loadUnit[codec.SVPK](siPath, scndKC, newScndIdxKeyCodec())
			if err != nil {
				return errors.Wrapf(err, "load secondary index unit at %s", siPath)
			}
			u.CommitVerLo, u.CommitVerHi = f.info.CommitVerLo, f.info.CommitVerHi
			entry.Chain.PushFront(u, f.info.CommitVerHi)
		}
	}
	return nil
}

// loadUnit sniffs whether path holds a finalized sstable (F+C's
// compaction output) or a still-append-only memlog WAL (an unflushed
// staging unit that survived as-is since its commit), since both share
// the pi.kv/si-*.kv name: an sstable carries a recognizable footer
// magic, so a failed sstable.Load falls back to treating the file as a
// WAL.
func loadUnit[K any](path string, sstKC sstable.KeyCodec[K], mlKC memlog.KeyCodec[K]) (*unit.Unit[K], error) {
	if r, err := sstable.Load[K](path, sstKC); err == nil {
		return unit.NewCompacted(r), nil
	}
	ml, err := memlog.LoadOrNewWritable[K](path, mlKC)
	if err != nil {
		return nil, err
	}
	return unit.NewStaging(ml), nil
}
