package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
)

// TrainStats summarizes one training run. Replaced images are also counted
// in Added and Removed.
type TrainStats struct {
	Added    int           `json:"added"`
	Removed  int           `json:"removed"`
	Replaced int           `json:"replaced"`
	Skipped  int           `json:"skipped"`
	Total    int           `json:"total"`
	Saved    bool          `json:"saved"`
	Duration time.Duration `json:"duration"`
}

// RebuildStats summarizes a global table rebuild.
type RebuildStats struct {
	Users   int      `json:"users"`
	Rows    int      `json:"rows"`
	Missing []string `json:"missing,omitempty"`
}

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Train reconciles a user's table with the images on disk. New images are
// embedded, removed ones dropped, and images whose content hash changed are
// re-embedded. The table is rewritten only when something changed.
func (s *Store) Train(ctx context.Context, ref UserRef) (TrainStats, error) {
	start := time.Now()
	var stats TrainStats

	if err := ValidateUserID(ref.UserID); err != nil {
		return stats, err
	}

	log := logging.Component("storage").WithField("user_id", ref.UserID)

	images, err := listImages(s.UserImagesDir(ref.UserID))
	if err != nil {
		return stats, err
	}
	if len(images) == 0 {
		return stats, fmt.Errorf("%w in %s", ErrNoImages, s.UserImagesDir(ref.UserID))
	}

	tablePath := s.UserTablePath(ref.UserID)
	reps, err := s.readTableOrEmpty(tablePath)
	if err != nil {
		return stats, err
	}

	hashes := make(map[string]string, len(images))
	for name, path := range images {
		h, err := hashFile(path)
		if err != nil {
			return stats, err
		}
		hashes[name] = h
	}

	kept := reps[:0:0]
	recorded := make(map[string]bool, len(reps))
	for _, rep := range reps {
		h, onDisk := hashes[rep.Identity]
		switch {
		case !onDisk:
			stats.Removed++
		case h != rep.Hash:
			stats.Replaced++
			stats.Removed++
		default:
			kept = append(kept, rep)
			recorded[rep.Identity] = true
		}
	}

	var pending []string
	for name := range images {
		if !recorded[name] {
			pending = append(pending, name)
		}
	}
	sort.Strings(pending)

	for _, name := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rep, err := s.embedImage(images[name], hashes[name], ref)
		if err != nil {
			if errors.Is(err, recognition.ErrNoFaceDetected) || errors.Is(err, recognition.ErrMultipleFaces) ||
				errors.Is(err, frame.ErrUnsupportedFormat) {
				log.WithError(err).Warnf("Skipping %s", name)
				stats.Skipped++
				continue
			}
			return stats, fmt.Errorf("failed to embed %s: %w", name, err)
		}
		kept = append(kept, rep)
		stats.Added++
	}

	stats.Total = len(kept)
	if stats.Added > 0 || stats.Removed > 0 {
		if len(kept) > 0 || fileExists(tablePath) {
			if err := s.writeTable(tablePath, kept); err != nil {
				return stats, err
			}
			stats.Saved = true
		}
		log.Infof("Found %d new, %d removed, %d replaced image(s); %d representation(s) stored",
			stats.Added-stats.Replaced, stats.Removed-stats.Replaced, stats.Replaced, stats.Total)
	}
	stats.Duration = time.Since(start)

	if len(kept) == 0 {
		return stats, ErrNoEmbeddings
	}
	return stats, nil
}

// embedImage computes the representation of a single-face image.
func (s *Store) embedImage(path, hash string, ref UserRef) (Representation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Representation{}, err
	}
	f, err := frame.Decode(data)
	if err != nil {
		return Representation{}, err
	}

	faces, err := s.embedder.DetectFaces(f)
	if err != nil {
		return Representation{}, err
	}
	switch {
	case len(faces) == 0:
		return Representation{}, recognition.ErrNoFaceDetected
	case len(faces) > 1:
		return Representation{}, recognition.ErrMultipleFaces
	}

	face := faces[0]
	return Representation{
		Identity:  filepath.Base(path),
		FaceID:    ref.FaceID,
		UserID:    ref.UserID,
		Hash:      hash,
		Embedding: face.Descriptor,
		TargetX:   face.BoundingBox.X,
		TargetY:   face.BoundingBox.Y,
		TargetW:   face.BoundingBox.Width,
		TargetH:   face.BoundingBox.Height,
	}, nil
}

// MergeIntoGlobal replaces the user's rows in the global table with the
// current contents of their table.
func (s *Store) MergeIntoGlobal(ref UserRef) error {
	reps, err := s.UserTable(ref.UserID)
	if err != nil {
		return err
	}

	return s.withGlobal(func(global []Representation) ([]Representation, error) {
		out := dropUser(global, ref)
		removed := len(global) - len(out)
		out = append(out, reps...)
		logging.Component("storage").WithField("user_id", ref.UserID).
			Infof("Global table updated: replaced %d row(s) with %d, %d total", removed, len(reps), len(out))
		return out, nil
	})
}

// RebuildGlobal recreates the global table from the given users' tables.
// Users without a table are reported in Missing.
func (s *Store) RebuildGlobal(refs []UserRef) (RebuildStats, error) {
	var stats RebuildStats
	var rows []Representation

	for _, ref := range refs {
		reps, err := s.UserTable(ref.UserID)
		if err != nil {
			if errors.Is(err, ErrNotInitialized) || errors.Is(err, ErrInvalidUserID) {
				stats.Missing = append(stats.Missing, ref.UserID)
				continue
			}
			return stats, err
		}
		rows = append(rows, reps...)
		stats.Users++
	}
	stats.Rows = len(rows)

	err := s.withGlobal(func([]Representation) ([]Representation, error) {
		return rows, nil
	})
	if err != nil {
		return stats, err
	}

	logging.Infof("Rebuilt global table: %d user(s), %d row(s)", stats.Users, stats.Rows)
	return stats, nil
}

// withGlobal runs fn over the global table while holding both the process
// mutex and the file lock, then writes the result back.
func (s *Store) withGlobal(fn func([]Representation) ([]Representation, error)) error {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	if err := s.globalLock.Lock(); err != nil {
		return fmt.Errorf("failed to lock global table: %w", err)
	}
	defer s.globalLock.Unlock()

	path := s.GlobalTablePath()
	existed := fileExists(path)

	global, err := s.readTableOrEmpty(path)
	if err != nil {
		return err
	}

	out, err := fn(global)
	if err != nil {
		return err
	}
	if !existed && len(out) == 0 {
		return nil
	}
	return s.writeTable(path, out)
}

// dropUser removes rows owned by ref's user id or face id.
func dropUser(reps []Representation, ref UserRef) []Representation {
	out := make([]Representation, 0, len(reps))
	for _, rep := range reps {
		if rep.UserID == ref.UserID || (ref.FaceID != "" && rep.FaceID == ref.FaceID) {
			continue
		}
		out = append(out, rep)
	}
	return out
}

// listImages maps image file names to paths. A missing directory is empty.
func listImages(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	images := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		images[e.Name()] = filepath.Join(dir, e.Name())
	}
	return images, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
