package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// ErrFaceIDNotFound is returned when a user has no face-id record.
var ErrFaceIDNotFound = errors.New("face id not found")

const faceIDColumns = `id, user_id, model_path, stats, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFaceID(row rowScanner) (*FaceID, error) {
	var f FaceID
	var stats string
	if err := row.Scan(&f.ID, &f.UserID, &f.ModelPath, &stats, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Stats = json.RawMessage(stats)
	return &f, nil
}

// EnsureFaceID returns the user's face-id record, creating it with modelPath
// if it does not exist yet. The boolean reports whether it was created.
func (d *DB) EnsureFaceID(ctx context.Context, userID, modelPath string) (*FaceID, bool, error) {
	if userID == "" || modelPath == "" {
		return nil, false, errors.New("user id and model path are required")
	}

	now := d.nowUnix()
	res, err := d.sql.ExecContext(ctx, `
INSERT INTO face_ids(id, user_id, model_path, stats, created_at, updated_at)
VALUES(?, ?, ?, '{}', ?, ?)
ON CONFLICT(user_id) DO NOTHING
`, uuid.NewString(), userID, modelPath, now, now)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	f, err := d.GetFaceIDByUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return f, n == 1, nil
}

// GetFaceIDByUser looks up a user's face-id record.
func (d *DB) GetFaceIDByUser(ctx context.Context, userID string) (*FaceID, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+faceIDColumns+` FROM face_ids WHERE user_id = ?`, userID)
	f, err := scanFaceID(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFaceIDNotFound
	}
	return f, err
}

// ListFaceIDs returns every face-id record ordered by creation.
func (d *DB) ListFaceIDs(ctx context.Context) ([]FaceID, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+faceIDColumns+` FROM face_ids ORDER BY created_at, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FaceID
	for rows.Next() {
		f, err := scanFaceID(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// SetFaceIDStats stores the stats of the last training run.
func (d *DB) SetFaceIDStats(ctx context.Context, userID string, stats any) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	res, err := d.sql.ExecContext(ctx, `UPDATE face_ids SET stats = ?, updated_at = ? WHERE user_id = ?`,
		string(b), d.nowUnix(), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFaceIDNotFound
	}
	return nil
}

// DeleteFaceID removes a user's face-id record.
func (d *DB) DeleteFaceID(ctx context.Context, userID string) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM face_ids WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFaceIDNotFound
	}
	return nil
}
