package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	LatestFile      = "latest.pt"
	BestFile        = "best.pt"
	BestBirdMAPFile = "best_bird_map.pt"
	TransferFile    = "yolov3-spp.pt"

	// BackupInterval is the epoch period of backup<epoch>.pt snapshots.
	BackupInterval = 5
)

// SaveDecision says which of the conditional checkpoints an epoch earns.
type SaveDecision struct {
	BestLoss    bool
	BestBirdMAP bool
}

// Manager owns the checkpoint files of one weights directory.
type Manager struct {
	Dir   string
	RunID string
	saver *CheckpointSaver
}

// NewManager creates dir if needed. Every checkpoint it writes carries the
// same run id.
func NewManager(dir string, format CheckpointFormat) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create weights directory %s", dir)
	}
	return &Manager{
		Dir:   dir,
		RunID: uuid.NewString(),
		saver: NewCheckpointSaver(format),
	}, nil
}

func (m *Manager) Latest() string      { return filepath.Join(m.Dir, LatestFile) }
func (m *Manager) Best() string        { return filepath.Join(m.Dir, BestFile) }
func (m *Manager) BestBirdMAP() string { return filepath.Join(m.Dir, BestBirdMAPFile) }
func (m *Manager) Transfer() string    { return filepath.Join(m.Dir, TransferFile) }

func (m *Manager) Backup(epoch int) string {
	return filepath.Join(m.Dir, fmt.Sprintf("backup%d.pt", epoch))
}

// Path joins name onto the weights directory.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.Dir, name)
}

// Save writes latest.pt, then best.pt and best_bird_map.pt when d says so,
// then backup<epoch>.pt every BackupInterval epochs after the first. It
// returns the files written.
func (m *Manager) Save(ck *Checkpoint, d SaveDecision) ([]string, error) {
	if ck.Metadata.RunID == "" {
		ck.Metadata.RunID = m.RunID
	}

	targets := []string{m.Latest()}
	if d.BestLoss {
		targets = append(targets, m.Best())
	}
	if d.BestBirdMAP {
		targets = append(targets, m.BestBirdMAP())
	}
	if epoch := ck.TrainingState.Epoch; epoch > 0 && epoch%BackupInterval == 0 {
		targets = append(targets, m.Backup(epoch))
	}

	for i, path := range targets {
		if err := m.saver.SaveCheckpoint(ck, path); err != nil {
			return targets[:i], errors.Wrapf(err, "save %s", filepath.Base(path))
		}
	}
	return targets, nil
}

// Load reads a checkpoint; the format is detected from the file content.
func (m *Manager) Load(path string) (*Checkpoint, error) {
	return m.saver.LoadCheckpoint(path)
}
