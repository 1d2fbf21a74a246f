package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Representation is one embedded image.
type Representation struct {
	Identity  string    `json:"identity"` // image file name
	FaceID    string    `json:"face_id"`
	UserID    string    `json:"user_id"`
	Hash      string    `json:"hash"` // sha256 of the image bytes
	Embedding []float32 `json:"embedding"`
	TargetX   int       `json:"target_x"`
	TargetY   int       `json:"target_y"`
	TargetW   int       `json:"target_w"`
	TargetH   int       `json:"target_h"`
}

const tableVersion = 1

// tableFile is the on-disk form of a table.
type tableFile struct {
	Version         int              `json:"version"`
	Representations []Representation `json:"representations"`
}

// readTable loads a table. A missing file yields os.ErrNotExist.
func (s *Store) readTable(path string) ([]Representation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if s.encryptionEnabled {
		data, err = open(&s.key, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", filepath.Base(path), err)
		}
	}

	var tf tableFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	if tf.Version != tableVersion {
		return nil, fmt.Errorf("%s: unsupported table version %d", filepath.Base(path), tf.Version)
	}
	return tf.Representations, nil
}

// writeTable replaces the table file atomically.
func (s *Store) writeTable(path string, reps []Representation) error {
	if reps == nil {
		reps = []Representation{}
	}
	data, err := json.Marshal(tableFile{Version: tableVersion, Representations: reps})
	if err != nil {
		return fmt.Errorf("failed to marshal table: %w", err)
	}

	if s.encryptionEnabled {
		data, err = seal(&s.key, data)
		if err != nil {
			return fmt.Errorf("failed to encrypt table: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".table-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write table: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readTableOrEmpty treats a missing table as empty.
func (s *Store) readTableOrEmpty(path string) ([]Representation, error) {
	reps, err := s.readTable(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return reps, err
}
