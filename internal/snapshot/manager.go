package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quantfold/backcast/errs"
)

// CurrentVersion is stamped onto every snapshot this build creates.
// 1.1.0 documents restore the bus sequence counter from event_sequence on
// load; 1.0.0 documents load under the same rule.
const CurrentVersion = "1.1.0"

// CompatibleVersions is the closed set of loadable snapshot versions.
var CompatibleVersions = map[string]struct{}{
	"1.0.0": {},
	"1.1.0": {},
}

// CreateInput bundles the live state captured into a snapshot.
type CreateInput struct {
	Account       AccountState
	Positions     []PositionState
	Strategies    []StrategyState
	EventSequence uint64
	PendingEvents []any
	DataTimestamp time.Time
	DataIndex     int
	BacktestID    string
	Description   string
}

// Manager creates, persists, reads, and validates snapshots.
type Manager struct{}

// NewManager constructs a snapshot manager.
func NewManager() *Manager {
	return &Manager{}
}

// Create builds a snapshot from live state, stamping the current version,
// a fresh snapshot id, and the wall-clock creation time.
func (m *Manager) Create(in CreateInput) (*Snapshot, error) {
	snap := &Snapshot{
		Version:       CurrentVersion,
		SnapshotID:    uuid.NewString(),
		CreateTime:    time.Now(),
		Account:       in.Account,
		Positions:     in.Positions,
		Strategies:    in.Strategies,
		EventSequence: in.EventSequence,
		PendingEvents: in.PendingEvents,
		DataTimestamp: in.DataTimestamp,
		DataIndex:     in.DataIndex,
		BacktestID:    in.BacktestID,
		Description:   in.Description,
	}
	if snap.Positions == nil {
		snap.Positions = []PositionState{}
	}
	if snap.Strategies == nil {
		snap.Strategies = []StrategyState{}
	}
	if snap.PendingEvents == nil {
		snap.PendingEvents = []any{}
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Save writes the snapshot document to path, creating parent directories.
func (m *Manager) Save(snap *Snapshot, path string) error {
	if snap == nil {
		return errs.New("snapshot/manager", errs.CodeInvalid, errs.WithMessage("snapshot required"))
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errs.New("snapshot/manager", errs.CodeSnapshotCorrupted,
			errs.WithMessage("encode snapshot"),
			errs.WithDetail("snapshot_id", snap.SnapshotID),
			errs.WithCause(err))
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errs.New("snapshot/manager", errs.CodeSnapshotCorrupted,
				errs.WithMessage("create snapshot directory"),
				errs.WithDetail("path", path),
				errs.WithCause(err))
		}
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return errs.New("snapshot/manager", errs.CodeSnapshotCorrupted,
			errs.WithMessage("write snapshot"),
			errs.WithDetail("path", path),
			errs.WithCause(err))
	}
	return nil
}

// Load reads a snapshot document from path. A missing file yields
// (nil, nil); callers that require the file surface SnapshotNotFound
// themselves. A version outside the compatible set is rejected before the
// document is handed to any consumer.
func (m *Manager) Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator provided.
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New("snapshot/manager", errs.CodeSnapshotCorrupted,
			errs.WithMessage("read snapshot"),
			errs.WithDetail("path", path),
			errs.WithCause(err))
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errs.New("snapshot/manager", errs.CodeSnapshotCorrupted,
			errs.WithMessage("parse snapshot"),
			errs.WithDetail("path", path),
			errs.WithCause(err))
	}
	if err := requireFields(&snap); err != nil {
		return nil, err
	}
	if !m.IsCompatible(&snap) {
		return nil, versionMismatch(&snap)
	}
	return &snap, nil
}

// Restore validates that a loaded snapshot can be re-injected into live
// components. The re-injection itself is owned by the replay controller.
func (m *Manager) Restore(snap *Snapshot) error {
	if snap == nil {
		return errs.New("snapshot/manager", errs.CodeSnapshotRestoreFailed, errs.WithMessage("snapshot required"))
	}
	if !m.IsCompatible(snap) {
		return versionMismatch(snap)
	}
	if err := snap.Validate(); err != nil {
		return errs.New("snapshot/manager", errs.CodeSnapshotRestoreFailed,
			errs.WithMessage("snapshot failed structural validation"),
			errs.WithDetail("snapshot_id", snap.SnapshotID),
			errs.WithCause(err))
	}
	return nil
}

// IsCompatible reports whether the snapshot version is loadable.
func (m *Manager) IsCompatible(snap *Snapshot) bool {
	if snap == nil {
		return false
	}
	_, ok := CompatibleVersions[snap.Version]
	return ok
}

func requireFields(snap *Snapshot) error {
	var missing []string
	if snap.Version == "" {
		missing = append(missing, "version")
	}
	if snap.SnapshotID == "" {
		missing = append(missing, "snapshot_id")
	}
	if snap.CreateTime.IsZero() {
		missing = append(missing, "create_time")
	}
	if snap.DataTimestamp.IsZero() {
		missing = append(missing, "data_timestamp")
	}
	if len(missing) > 0 {
		return errs.New("snapshot/manager", errs.CodeSnapshotCorrupted,
			errs.WithMessage("snapshot missing required fields"),
			errs.WithDetail("missing", strings.Join(missing, ",")))
	}
	return nil
}

func versionMismatch(snap *Snapshot) error {
	compatible := make([]string, 0, len(CompatibleVersions))
	for v := range CompatibleVersions {
		compatible = append(compatible, v)
	}
	sort.Strings(compatible)
	return errs.New("snapshot/manager", errs.CodeSnapshotVersionMismatch,
		errs.WithMessage(fmt.Sprintf("snapshot version %s is not compatible with current version %s", snap.Version, CurrentVersion)),
		errs.WithDetail("offending", snap.Version),
		errs.WithDetail("current", CurrentVersion),
		errs.WithDetail("compatible", strings.Join(compatible, ",")))
}
