package ledger

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/verity/internal/model"
)

// DecodeSnapshot parses the JSON snapshot document produced by the
// extraction stage: {"version", "created_at", "facts", "chunks",
// "aliases", "vocab"}. Unit labels are normalized and missing version and
// timestamp fields are filled in so every ingested snapshot is traceable.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, eris.Wrap(err, "ledger: decode snapshot")
	}
	if snap.Version == "" {
		snap.Version = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	for i := range snap.Facts {
		snap.Facts[i].Unit = model.ParseUnit(string(snap.Facts[i].Unit))
	}
	return &snap, nil
}

// ReadSnapshotFile reads and parses a snapshot document from disk.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: open snapshot %s", path)
	}
	defer f.Close()

	return DecodeSnapshot(f)
}
