package dbstate

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/layout"
	"github.com/pancake-db/ssi-engine/internal/lsmlist"
	"github.com/pancake-db/ssi-engine/internal/unit"
)

// ScndIdxState tracks the lifecycle of a secondary index: it transitions
// Creating -> Ready, or is torn down.
type ScndIdxState int

const (
	ScndIdxCreating ScndIdxState = iota
	ScndIdxReady
)

// ScndIdxEntry is one registered secondary index. Chain is its own
// independent unit chain, keyed by (SV, PK) rather than PK, populated by
// the F+C worker's backfill pass and kept current by every subsequent
// commit that touches the projected field (see txn.Manager.Commit).
type ScndIdxEntry struct {
	Num    uint64
	Spec   codec.SubValueSpec
	State  ScndIdxState
	BornAt uint64 // CommitVer at which creation was requested

	Chain *lsmlist.List[*unit.Unit[codec.SVPK]]
}

// Registry is the RW-locked table of secondary indexes, keyed by
// SubValueSpec. The registry is write-locked for the whole of register(),
// so two concurrent CreateScndIdx calls for the same SubValueSpec can
// never race through the F+C backfill pipeline together: the second
// caller observes the first's entry already present and is rejected at
// enqueue time.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]*ScndIdxEntry
	byNum   map[uint64]*ScndIdxEntry
	counter *PersistedCounter
	rootDir string
}

func NewRegistry(rootDir string, counter *PersistedCounter) *Registry {
	return &Registry{
		byKey:   make(map[string]*ScndIdxEntry),
		byNum:   make(map[uint64]*ScndIdxEntry),
		counter: counter,
		rootDir: rootDir,
	}
}

var ErrScndIdxExists = sentinelErr("secondary index already exists or is being created")

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

// Register reserves a new secondary index for spec, durably allocating
// its ScndIdxNum before admitting it to the registry in the Creating
// state. It returns ErrScndIdxExists if spec is already registered in
// any state. The spec itself is only persisted to disk once MarkReady
// fires: a Creating entry that never finishes backfilling before a crash
// leaves nothing on disk to rediscover, which is fine, since resuming an
// in-flight creation is outside what reopening a database root needs to
// guarantee.
func (r *Registry) Register(spec codec.SubValueSpec, bornAt uint64) (*ScndIdxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := spec.Key()
	if _, exists := r.byKey[key]; exists {
		return nil, ErrScndIdxExists
	}
	num, err := r.counter.Next()
	if err != nil {
		return nil, err
	}
	e := &ScndIdxEntry{Num: num, Spec: spec, State: ScndIdxCreating, BornAt: bornAt, Chain: lsmlist.New[*unit.Unit[codec.SVPK]]()}
	r.byKey[key] = e
	r.byNum[num] = e
	return e, nil
}

// LoadPersisted re-admits a secondary index discovered on disk at startup,
// already Ready (its spec.datum only ever gets written once backfill
// completes) with a fresh, empty Chain for the startup scan to repopulate.
func (r *Registry) LoadPersisted(num uint64, spec codec.SubValueSpec) *ScndIdxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &ScndIdxEntry{Num: num, Spec: spec, State: ScndIdxReady, Chain: lsmlist.New[*unit.Unit[codec.SVPK]]()}
	r.byKey[spec.Key()] = e
	r.byNum[num] = e
	return e
}

// MarkReady transitions an index from Creating to Ready once the F+C
// worker's backfill pass completes, and persists its spec to
// scnd_idxs/<hex16>/spec.datum so a later reopen can rediscover it.
func (r *Registry) MarkReady(spec codec.SubValueSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[spec.Key()]
	if !ok {
		return nil
	}
	e.State = ScndIdxReady
	return r.persistSpec(e)
}

func (r *Registry) persistSpec(e *ScndIdxEntry) error {
	dir := layout.ScndIdxDir(r.rootDir, e.Num)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir secondary index spec dir")
	}
	path := layout.ScndIdxSpecPath(r.rootDir, e.Num)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create secondary index spec file")
	}
	if err := codec.EncodeSubValueSpec(f, e.Spec); err != nil {
		f.Close()
		return errors.Wrap(err, "encode secondary index spec")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync secondary index spec file")
	}
	if err := f.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp, path), "rename secondary index spec file into place")
}

// Remove tears down a secondary index registration entirely, including its
// persisted spec directory, so a later reopen does not rediscover it.
func (r *Registry) Remove(spec codec.SubValueSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byKey[spec.Key()]; ok {
		delete(r.byNum, e.Num)
		_ = os.RemoveAll(layout.ScndIdxDir(r.rootDir, e.Num))
	}
	delete(r.byKey, spec.Key())
}

func (r *Registry) Get(spec codec.SubValueSpec) (*ScndIdxEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[spec.Key()]
	return e, ok
}

// GetByNum looks up a registered index by its on-disk ScndIdxNum, used by
// the startup scan to route a unit's si-<hex16>.kv file to the right
// Chain.
func (r *Registry) GetByNum(num uint64) (*ScndIdxEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byNum[num]
	return e, ok
}

// All returns a snapshot slice of every registered index, ready or not.
func (r *Registry) All() []*ScndIdxEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ScndIdxEntry, 0, len(r.byKey))
	for _, e := range r.byKey {
		out = append(out, e)
	}
	return out
}
