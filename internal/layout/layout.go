// Package layout names and (de)serializes the on-disk structure shared by
// the transaction manager, the F+C worker, and the startup scan that
// rehydrates a reopened database root:
//
//	<root>/
//	  commit_ver.counter
//	  list_ver.counter
//	  scnd_idx_num.counter
//	  units/
//	    <unit-dir>/
//	      pi.kv                 # primary: log or sstable file
//	      si-<hex16>.kv         # one per secondary index num this unit touches
//	      commit_info.txt       # absent iff the unit is still staging
//	  scnd_idxs/
//	    <hex16>/                # keyed by secondary index num
//	      spec.datum            # serialized SubValueSpec
//
// A unit directory's commit_info.txt is written last, after every data
// file it names is already durable: its mere existence is the atomic
// commit marker a startup scan uses to tell a fully-committed unit apart
// from one abandoned mid-write by a crash or a cancelled commit.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	UnitsDir    = "units"
	ScndIdxsDir = "scnd_idxs"

	PrimaryFile     = "pi.kv"
	CommitInfoFile  = "commit_info.txt"
	ScndIdxSpecFile = "spec.datum"

	CommitVerCounterFile  = "commit_ver.counter"
	ListVerCounterFile    = "list_ver.counter"
	ScndIdxNumCounterFile = "scnd_idx_num.counter"
)

func CommitVerCounterPath(rootDir string) string {
	return filepath.Join(rootDir, CommitVerCounterFile)
}

func ListVerCounterPath(rootDir string) string {
	return filepath.Join(rootDir, ListVerCounterFile)
}

func ScndIdxNumCounterPath(rootDir string) string {
	return filepath.Join(rootDir, ScndIdxNumCounterFile)
}

func UnitsRoot(rootDir string) string { return filepath.Join(rootDir, UnitsDir) }

// UnitDir returns the directory a unit identified by id (a fresh uuid)
// lives in.
func UnitDir(rootDir, id string) string {
	return filepath.Join(UnitsRoot(rootDir), id)
}

func PrimaryPath(unitDir string) string { return filepath.Join(unitDir, PrimaryFile) }

func ScndIdxFileName(scndIdxNum uint64) string {
	return fmt.Sprintf("si-%016x.kv", scndIdxNum)
}

func ScndIdxFilePath(unitDir string, scndIdxNum uint64) string {
	return filepath.Join(unitDir, ScndIdxFileName(scndIdxNum))
}

func CommitInfoPath(unitDir string) string { return filepath.Join(unitDir, CommitInfoFile) }

func ScndIdxsRoot(rootDir string) string { return filepath.Join(rootDir, ScndIdxsDir) }

func ScndIdxDir(rootDir string, num uint64) string {
	return filepath.Join(ScndIdxsRoot(rootDir), fmt.Sprintf("%016x", num))
}

func ScndIdxSpecPath(rootDir string, num uint64) string {
	return filepath.Join(ScndIdxDir(rootDir, num), ScndIdxSpecFile)
}

// CommitInfo is the parsed content of a unit's commit_info.txt.
type CommitInfo struct {
	CommitVerLo uint64
	CommitVerHi uint64
	Timestamp   int64
}

// WriteCommitInfo durably installs unitDir's commit marker. Callers must
// have already flushed every data file the unit names before calling
// this: its presence is what tells a startup scan the unit is real.
func WriteCommitInfo(unitDir string, info CommitInfo) error {
	line := fmt.Sprintf("%d %d %d\n", info.CommitVerLo, info.CommitVerHi, info.Timestamp)
	path := CommitInfoPath(unitDir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line), 0o644); err != nil {
		return errors.Wrap(err, "write commit info temp file")
	}
	return errors.Wrap(os.Rename(tmp, path), "rename commit info into place")
}

// ReadCommitInfo reports (info, true, nil) if unitDir carries a commit
// marker, (zero, false, nil) if it doesn't (still staging, or abandoned),
// and a non-nil error only for a marker present but corrupt.
func ReadCommitInfo(unitDir string) (CommitInfo, bool, error) {
	b, err := os.ReadFile(CommitInfoPath(unitDir))
	if err != nil {
		if os.IsNotExist(err) {
			return CommitInfo{}, false, nil
		}
		return CommitInfo{}, false, errors.Wrap(err, "read commit info")
	}
	fields := strings.Fields(string(b))
	if len(fields) != 3 {
		return CommitInfo{}, false, errors.Errorf("commit info has %d fields, want 3", len(fields))
	}
	lo, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return CommitInfo{}, false, errors.Wrap(err, "parse commit_ver_lo")
	}
	hi, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return CommitInfo{}, false, errors.Wrap(err, "parse commit_ver_hi")
	}
	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return CommitInfo{}, false, errors.Wrap(err, "parse timestamp")
	}
	return CommitInfo{CommitVerLo: lo, CommitVerHi: hi, Timestamp: ts}, true, nil
}

// ListUnitDirs returns every immediate subdirectory of <root>/units, in no
// particular order; callers sort by whatever CommitInfo.CommitVerHi they
// find inside.
func ListUnitDirs(rootDir string) ([]string, error) {
	entries, err := os.ReadDir(UnitsRoot(rootDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read units directory")
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(UnitsRoot(rootDir), e.Name()))
		}
	}
	return dirs, nil
}

// ListScndIdxDirs returns the full path of every persisted secondary
// index's directory (each named by its hex16 ScndIdxNum).
func ListScndIdxDirs(rootDir string) ([]string, error) {
	entries, err := os.ReadDir(ScndIdxsRoot(rootDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read scnd_idxs directory")
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(ScndIdxsRoot(rootDir), e.Name()))
		}
	}
	return dirs, nil
}

// ParseScndIdxNum recovers the numeric index id from a scnd_idxs/<hex16>
// directory path.
func ParseScndIdxNum(dir string) (uint64, error) {
	base := filepath.Base(dir)
	n, err := strconv.ParseUint(base, 16, 64)
	return n, errors.Wrapf(err, "parse secondary index dir name %q", base)
}
