package segment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Manifest records which segments exist and which of them are sealed. It is
// bookkeeping, not a source of truth: the index is always rebuilt from the
// segment files themselves, and a segment missing from the manifest is simply
// re-discovered on open.
type Manifest struct {
	mu       sync.RWMutex
	filePath string
	metadata ManifestData
}

type ManifestData struct {
	StoreID       string        `json:"store_id"`
	NextSegmentID uint64        `json:"next_segment_id"`
	Sealed        []SegmentInfo `json:"sealed"`
	AppliedSeqN   uint64        `json:"applied_seq_n"`
	Version       int           `json:"version"`
}

// SegmentInfo describes one sealed, immutable segment.
type SegmentInfo struct {
	ID      uint64 `json:"id"`
	Size    int64  `json:"size"`
	Records int64  `json:"records"`
}

func NewManifest(dir string) *Manifest {
	return &Manifest{
		filePath: filepath.Join(dir, "MANIFEST"),
		metadata: ManifestData{
			StoreID:       uuid.NewString(),
			NextSegmentID: 1,
			Version:       1,
		},
	}
}

func (m *Manifest) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.filePath); os.IsNotExist(err) {
		return m.save()
	}

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m.metadata); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	return nil
}

func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save()
}

func (m *Manifest) save() error {
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0750); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmpPath := m.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmpPath, m.filePath); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}

	return nil
}

func (m *Manifest) StoreID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.StoreID
}

// NextSegmentID hands out a fresh segment identifier.
func (m *Manifest) NextSegmentID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.metadata.NextSegmentID
	m.metadata.NextSegmentID++
	return id
}

func (m *Manifest) AddSealed(info SegmentInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata.Sealed = append(m.metadata.Sealed, info)
}

func (m *Manifest) SealedSegments() []SegmentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SegmentInfo, len(m.metadata.Sealed))
	copy(out, m.metadata.Sealed)
	return out
}

// AppliedSeqN is the journal watermark the segment contents are known to
// cover; the composed store replays everything past it on open.
func (m *Manifest) AppliedSeqN() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata.AppliedSeqN
}

func (m *Manifest) SetAppliedSeqN(seqN uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seqN > m.metadata.AppliedSeqN {
		m.metadata.AppliedSeqN = seqN
	}
}
