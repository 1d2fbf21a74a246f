package db

import "encoding/json"

// FaceID links a user to their embedding table.
type FaceID struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ModelPath string          `json:"model_path"`
	Stats     json.RawMessage `json:"stats"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// Token is a single-use login token minted after a successful face login.
type Token struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
	Used      bool   `json:"used"`
}
