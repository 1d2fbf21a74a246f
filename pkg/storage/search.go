package storage

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/recognition"
)

// Match is a stored representation that lies within the threshold of a query.
type Match struct {
	Identity  string  `json:"identity"`
	UserID    string  `json:"user_id"`
	FaceID    string  `json:"face_id"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
}

// Threshold returns the configured match threshold.
func (s *Store) Threshold() float64 { return s.threshold }

// Search finds the closest row of the global table to embedding. ErrNoMatch is
// returned when even the closest row is at or beyond the threshold.
func (s *Store) Search(embedding []float32) (Match, error) {
	global, err := s.readTable(s.GlobalTablePath())
	if errors.Is(err, os.ErrNotExist) {
		return Match{}, ErrNotInitialized
	}
	if err != nil {
		return Match{}, err
	}

	ranked, err := s.rank(embedding, global)
	if err != nil {
		return Match{}, err
	}
	if len(ranked) == 0 {
		return Match{}, ErrNoMatch
	}
	return ranked[0], nil
}

// Identify runs 1:N identification for the single face in f.
func (s *Store) Identify(f *frame.Frame) (Match, error) {
	face, err := s.singleFace(f)
	if err != nil {
		return Match{}, err
	}
	return s.Search(face.Descriptor)
}

// Verify runs 1:1 verification of the face in f against one user's table.
// Matches under the threshold are returned closest first.
func (s *Store) Verify(f *frame.Frame, userID string) ([]Match, error) {
	reps, err := s.UserTable(userID)
	if err != nil {
		return nil, err
	}

	face, err := s.singleFace(f)
	if err != nil {
		return nil, err
	}

	ranked, err := s.rank(face.Descriptor, reps)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, ErrNoMatch
	}
	return ranked, nil
}

func (s *Store) singleFace(f *frame.Frame) (*recognition.Face, error) {
	faces, err := s.embedder.DetectFaces(f)
	if err != nil {
		return nil, err
	}
	switch {
	case len(faces) == 0:
		return nil, recognition.ErrNoFaceDetected
	case len(faces) > 1:
		return nil, recognition.ErrMultipleFaces
	}
	return &faces[0], nil
}

// rank returns the rows within the threshold, sorted by distance.
func (s *Store) rank(query []float32, reps []Representation) ([]Match, error) {
	var matches []Match
	for _, rep := range reps {
		d, err := recognition.Distance(s.metric, query, rep.Embedding)
		if err != nil {
			return nil, fmt.Errorf("row %s of user %s: %w", rep.Identity, rep.UserID, err)
		}
		if math.IsNaN(d) || d >= s.threshold {
			continue
		}
		matches = append(matches, Match{
			Identity:  rep.Identity,
			UserID:    rep.UserID,
			FaceID:    rep.FaceID,
			Distance:  d,
			Threshold: s.threshold,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	return matches, nil
}
