package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// TokenLength is the number of characters in a login token.
const TokenLength = 32

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var (
	// ErrTokenNotFound is returned for unknown tokens.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenUsed is returned when a token was already redeemed.
	ErrTokenUsed = errors.New("token already used")
	// ErrTokenExpired is returned when a token is older than its lifetime.
	ErrTokenExpired = errors.New("token expired")
)

func randomToken() (string, error) {
	limit := big.NewInt(int64(len(tokenAlphabet)))
	b := make([]byte, TokenLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = tokenAlphabet[n.Int64()]
	}
	return string(b), nil
}

// CreateToken mints a fresh token for userID.
func (d *DB) CreateToken(ctx context.Context, userID string) (*Token, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	tok, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	t := &Token{Token: tok, UserID: userID, CreatedAt: d.now().UnixMilli()}
	_, err = d.sql.ExecContext(ctx, `INSERT INTO one_time_tokens(token, user_id, created_at, used) VALUES(?, ?, ?, 0)`,
		t.Token, t.UserID, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// RedeemToken marks the token used and returns it. A token can be redeemed
// once, and only within ttl of its creation.
func (d *DB) RedeemToken(ctx context.Context, token string, ttl time.Duration) (*Token, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var t Token
	var used int
	err = tx.QueryRowContext(ctx, `SELECT token, user_id, created_at, used FROM one_time_tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.UserID, &t.CreatedAt, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	now := d.now()
	switch {
	case used != 0:
		return nil, ErrTokenUsed
	case now.Sub(time.UnixMilli(t.CreatedAt)) > ttl:
		return nil, ErrTokenExpired
	}

	res, err := tx.ExecContext(ctx, `UPDATE one_time_tokens SET used = 1, used_at = ? WHERE token = ? AND used = 0`,
		now.UnixMilli(), token)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrTokenUsed
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Used = true
	return &t, nil
}

// PurgeTokens deletes tokens that are used or older than ttl.
func (d *DB) PurgeTokens(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := d.now().Add(-ttl).UnixMilli()
	res, err := d.sql.ExecContext(ctx, `DELETE FROM one_time_tokens WHERE used = 1 OR created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
