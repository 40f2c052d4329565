package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/telemetry"
	"github.com/eddielth/simonair-bridge/validator"
)

// keepFiles is how many daily files per device keep their timestamp index in
// memory. Older indexes are reloaded from disk when a late reading needs them.
const keepFiles = 2

type fileIndex struct {
	path   string
	stamps map[string]struct{}
}

// FileStorage appends readings as JSON lines to <base>/<device>/<date>.jsonl.
type FileStorage struct {
	basePath string

	mu sync.Mutex
	// seen holds, per device, the indexes of the most recently used files,
	// most recent first.
	seen map[string][]*fileIndex
}

// NewFileStorage creates the base directory if needed.
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath: basePath,
		seen:     make(map[string][]*fileIndex),
	}, nil
}

// Store appends the reading unless its timestamp is already in the file.
func (fs *FileStorage) Store(_ context.Context, r telemetry.SensorReading) error {
	deviceDir := filepath.Join(fs.basePath, r.DeviceID)
	filename := filepath.Join(deviceDir, r.Timestamp.UTC().Format("2006-01-02")+".jsonl")
	ts := validator.FormatTimestamp(r.Timestamp)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	seen, err := fs.timestamps(r.DeviceID, filename)
	if err != nil {
		return err
	}
	if _, dup := seen[ts]; dup {
		logger.Debug("reading %s@%s already stored", r.DeviceID, ts)
		return nil
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("serialize reading failed: %w", err)
	}

	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", deviceDir, err)
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open file %s failed: %w", filename, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}
	seen[ts] = struct{}{}

	logger.Debug("has stored reading to file: %s", filename)
	return nil
}

// timestamps returns the index of a file, loading it on first use and
// evicting the least recently used index of the device. Caller holds fs.mu.
func (fs *FileStorage) timestamps(deviceID, filename string) (map[string]struct{}, error) {
	list := fs.seen[deviceID]
	for i, idx := range list {
		if idx.path == filename {
			copy(list[1:i+1], list[:i])
			list[0] = idx
			return idx.stamps, nil
		}
	}

	stamps, err := loadTimestamps(filename)
	if err != nil {
		return nil, err
	}
	list = append([]*fileIndex{{path: filename, stamps: stamps}}, list...)
	if len(list) > keepFiles {
		list = list[:keepFiles]
	}
	fs.seen[deviceID] = list
	return stamps, nil
}

func loadTimestamps(filename string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open file %s failed: %w", filename, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row struct {
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			logger.Warn("skipping corrupt line in %s: %v", filename, err)
			continue
		}
		seen[row.Timestamp] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read file %s failed: %w", filename, err)
	}
	return seen, nil
}

// Close implements Backend.
func (fs *FileStorage) Close() error {
	return nil
}
