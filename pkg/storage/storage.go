// Package storage keeps face embeddings on disk and searches them.
//
// Every user has a table built from the images in their image directory.
// The global table is the union of all user tables and is what 1:N
// identification runs against. Tables are JSON, sealed with NaCl secretbox
// when encryption is enabled.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/gofrs/flock"
)

// ErrNotInitialized is returned when a table has never been written.
var ErrNotInitialized = errors.New("embedding table not initialized")

// ErrDimensionMismatch is returned when stored and query embeddings differ in length.
var ErrDimensionMismatch = recognition.ErrDimensionMismatch

// ErrNoMatch is returned when no stored embedding is within the threshold.
var ErrNoMatch = errors.New("no matching face")

// ErrNoImages is returned when a user's image directory is empty.
var ErrNoImages = errors.New("no images to train")

// ErrNoEmbeddings is returned when training leaves a user with no embeddings.
var ErrNoEmbeddings = errors.New("no embeddings produced")

// ErrInvalidUserID is returned for user ids that are unsafe as path components.
var ErrInvalidUserID = errors.New("invalid user id")

// ErrEncryption is returned when encryption/decryption fails.
var ErrEncryption = errors.New("encryption error")

// Embedder detects faces and computes their descriptors.
type Embedder interface {
	DetectFaces(f *frame.Frame) ([]recognition.Face, error)
}

// UserRef identifies whose table an operation touches.
type UserRef struct {
	UserID string
	FaceID string
}

// Options configures a Store.
type Options struct {
	ImagesDir         string
	EmbeddingsDir     string
	EncryptionEnabled bool
	Metric            recognition.Metric
	Threshold         float64
}

// Store is the file-backed embedding store.
type Store struct {
	imagesDir         string
	embeddingsDir     string
	encryptionEnabled bool
	key               [KeySize]byte
	metric            recognition.Metric
	threshold         float64
	embedder          Embedder

	globalMu   sync.Mutex
	globalLock *flock.Flock
}

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewStore creates the store directories and returns a Store that uses
// embedder for training and identification.
func NewStore(opts Options, embedder Embedder) (*Store, error) {
	if opts.Metric == "" {
		opts.Metric = recognition.MetricCosine
	}

	for _, dir := range []string{opts.ImagesDir, opts.EmbeddingsDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	s := &Store{
		imagesDir:         opts.ImagesDir,
		embeddingsDir:     opts.EmbeddingsDir,
		encryptionEnabled: opts.EncryptionEnabled,
		metric:            opts.Metric,
		threshold:         opts.Threshold,
		embedder:          embedder,
		globalLock:        flock.New(filepath.Join(opts.EmbeddingsDir, "global.lock")),
	}
	if opts.EncryptionEnabled {
		s.key = deriveKey()
	}
	return s, nil
}

// ValidateUserID reports whether id can be used as a user id.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return nil
}

func (s *Store) tableExt() string {
	if s.encryptionEnabled {
		return ".json.enc"
	}
	return ".json"
}

// UserTablePath returns the location of a user's table.
func (s *Store) UserTablePath(userID string) string {
	return filepath.Join(s.embeddingsDir, "user_"+userID+s.tableExt())
}

// GlobalTablePath returns the location of the global table.
func (s *Store) GlobalTablePath() string {
	return filepath.Join(s.embeddingsDir, "global"+s.tableExt())
}

// UserImagesDir returns the directory holding a user's enrollment images.
func (s *Store) UserImagesDir(userID string) string {
	return filepath.Join(s.imagesDir, "user_"+userID)
}

// SaveImage stores a captured frame as img_<step> in the user's image directory.
func (s *Store) SaveImage(userID, step string, f *frame.Frame) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}

	dir := s.UserImagesDir(userID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}

	base := "img_" + strings.ReplaceAll(step, ":", "_")
	name := base + f.Extension()
	path := filepath.Join(dir, name)

	// One image per step, whatever format the client sent last time.
	for ext := range imageExtensions {
		if ext == f.Extension() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, base+ext)); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to replace image: %w", err)
		}
	}

	if err := os.WriteFile(path, f.Data, 0600); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}

	logging.Debugf("Saved %s for user %s", name, userID)
	return path, nil
}

// UserTable returns a user's representations.
func (s *Store) UserTable(userID string) ([]Representation, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	reps, err := s.readTable(s.UserTablePath(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotInitialized
	}
	return reps, err
}

// ListUsers returns the ids of users that have a table.
func (s *Store) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(s.embeddingsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := []string{}
	ext := s.tableExt()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "user_") || !strings.HasSuffix(name, ext) {
			continue
		}
		users = append(users, strings.TrimSuffix(strings.TrimPrefix(name, "user_"), ext))
	}
	sort.Strings(users)
	return users, nil
}

// DeleteUser removes a user's images, table and global rows.
func (s *Store) DeleteUser(userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}

	if err := os.RemoveAll(s.UserImagesDir(userID)); err != nil {
		return fmt.Errorf("failed to delete images: %w", err)
	}
	if err := os.Remove(s.UserTablePath(userID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete table: %w", err)
	}

	err := s.withGlobal(func(global []Representation) ([]Representation, error) {
		return dropUser(global, UserRef{UserID: userID}), nil
	})
	if err != nil {
		return err
	}

	logging.Infof("Deleted face data for user %s", userID)
	return nil
}
