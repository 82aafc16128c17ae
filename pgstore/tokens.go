package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emileswarts/hmppsauth/verify"
	"github.com/jackc/pgx/v5"
)

const (
	tokenColumns = `token_id, token_type, owner, created_at, expires_at`

	purgeExpiredOwnerTokenSQL = `DELETE FROM verification_tokens
		WHERE token_type = $1 AND owner = $2 AND expires_at <= $3`
	insertTokenSQL = `INSERT INTO verification_tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
		RETURNING token_id`
	tokenIDExistsSQL  = `SELECT EXISTS (SELECT 1 FROM verification_tokens WHERE token_id = $1)`
	findTokenSQL      = `SELECT ` + tokenColumns + ` FROM verification_tokens WHERE token_id = $1`
	findOwnerTokenSQL = `SELECT ` + tokenColumns + ` FROM verification_tokens WHERE token_type = $1 AND owner = $2`
	deleteTokenSQL    = `DELETE FROM verification_tokens WHERE token_id = $1`
	consumeTokenSQL   = `DELETE FROM verification_tokens WHERE token_id = $1 AND token_type = $2
		RETURNING ` + tokenColumns
)

// TokenStore keeps verification tokens in the verification_tokens table. The
// (token_type, owner) unique constraint enforces one token per type per user.
type TokenStore struct {
	db  DB
	now func() time.Time
}

func NewTokenStore(db DB) *TokenStore {
	return &TokenStore{db: db, now: time.Now}
}

func (s *TokenStore) Save(ctx context.Context, token verify.Token) error {
	if _, err := s.db.Exec(ctx, purgeExpiredOwnerTokenSQL, string(token.Type), token.Owner, s.now()); err != nil {
		return fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
	}

	var id string
	err := s.db.QueryRow(ctx, insertTokenSQL,
		token.ID, string(token.Type), token.Owner, token.CreatedAt, token.ExpiresAt).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
	}

	// Nothing inserted: either the id or the (type, owner) pair is taken.
	var idTaken bool
	if err := s.db.QueryRow(ctx, tokenIDExistsSQL, token.ID).Scan(&idTaken); err != nil {
		return fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
	}
	if idTaken {
		return verify.ErrDuplicateID
	}
	return verify.ErrLiveTokenExists
}

func (s *TokenStore) Find(ctx context.Context, id string) (*verify.Token, error) {
	return s.scanOne(s.db.QueryRow(ctx, findTokenSQL, id))
}

func (s *TokenStore) FindByOwner(ctx context.Context, typ verify.Type, owner string) (*verify.Token, error) {
	return s.scanOne(s.db.QueryRow(ctx, findOwnerTokenSQL, string(typ), owner))
}

func (s *TokenStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, deleteTokenSQL, id)
	if err != nil {
		return false, fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Consume deletes and returns the token in a single statement.
func (s *TokenStore) Consume(ctx context.Context, typ verify.Type, id string) (*verify.Token, error) {
	return s.scanOne(s.db.QueryRow(ctx, consumeTokenSQL, id, string(typ)))
}

func (s *TokenStore) scanOne(row pgx.Row) (*verify.Token, error) {
	var (
		token verify.Token
		typ   string
	)
	err := row.Scan(&token.ID, &typ, &token.Owner, &token.CreatedAt, &token.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
	}
	token.Type = verify.Type(typ)
	return &token, nil
}
