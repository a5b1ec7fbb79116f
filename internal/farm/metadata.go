package farm

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradetaper/terminal-farm/internal/domain/terminalstore"
)

// Snapshot metadata keys on the terminal record.
const (
	metaPositionsKey  = "positions"
	metaReportedAtKey = "positionsReportedAt"
)

// snapshotMetadata flattens a snapshot into the terminal's metadata JSONB.
func snapshotMetadata(snapshot PositionsSnapshot) map[string]any {
	positions := make([]any, 0, len(snapshot.Positions))
	for _, pos := range snapshot.Positions {
		// Round-trip through JSON so the metadata column holds plain maps
		// regardless of how the store encodes it.
		raw, err := json.Marshal(pos)
		if err != nil {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		positions = append(positions, entry)
	}
	return map[string]any{
		metaPositionsKey:  positions,
		metaReportedAtKey: snapshot.ReportedAt.Format(time.RFC3339Nano),
	}
}

// snapshotFromMetadata rebuilds the latest snapshot stored on the terminal.
// A terminal that never reported positions yields an empty snapshot.
func snapshotFromMetadata(accountID string, terminal *terminalstore.Instance) PositionsSnapshot {
	snapshot := PositionsSnapshot{
		AccountID:  accountID,
		TerminalID: terminal.ID,
		Positions:  []Position{},
	}
	if terminal.Metadata == nil {
		return snapshot
	}
	if reported, ok := terminal.Metadata[metaReportedAtKey].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, reported); err == nil {
			snapshot.ReportedAt = ts
		}
	}
	raw, err := json.Marshal(terminal.Metadata[metaPositionsKey])
	if err != nil {
		return snapshot
	}
	var positions []Position
	if err := json.Unmarshal(raw, &positions); err != nil {
		return snapshot
	}
	snapshot.Positions = positions
	return snapshot
}

func terminalHealth(instance terminalstore.Instance, stale bool) TerminalHealth {
	health := TerminalHealth{
		ID:           instance.ID,
		AccountID:    instance.AccountID,
		Status:       instance.Status,
		ContainerID:  instance.ContainerID,
		ErrorMessage: instance.ErrorMessage,
		Stale:        stale,
	}
	if !instance.LastHeartbeat.IsZero() {
		hb := instance.LastHeartbeat
		health.LastHeartbeat = &hb
	}
	if !instance.LastSyncAt.IsZero() {
		sync := instance.LastSyncAt
		health.LastSyncAt = &sync
	}
	return health
}
