package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emileswarts/hmppsauth/verify"
	"github.com/redis/go-redis/v9"
)

const (
	tokenRecordVersionV1 = 1
	maxTxRetries         = 4
)

// TokenStore keeps verification tokens in Redis. Each token lives under
// <prefix>:t:<id> with a TTL matching its expiry; a per-owner index key
// <prefix>:o:<type>:<owner> points at the owner's live token of that type.
type TokenStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewTokenStore(redisClient redis.UniversalClient, prefix string) *TokenStore {
	if prefix == "" {
		prefix = "hvt"
	}
	return &TokenStore{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *TokenStore) tokenKey(id string) string {
	return s.prefix + ":t:" + id
}

func (s *TokenStore) ownerKey(typ verify.Type, owner string) string {
	return s.prefix + ":o:" + string(typ) + ":" + owner
}

func (s *TokenStore) Save(ctx context.Context, token verify.Token) error {
	ttl := token.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("verification token already expired")
	}
	encoded, err := encodeToken(&token)
	if err != nil {
		return err
	}

	tKey := s.tokenKey(token.ID)
	oKey := s.ownerKey(token.Type, token.Owner)

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, tKey).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return verify.ErrDuplicateID
			}

			current, err := tx.Get(ctx, oKey).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				live, err := tx.Exists(ctx, s.tokenKey(current)).Result()
				if err != nil {
					return err
				}
				if live > 0 {
					return verify.ErrLiveTokenExists
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, tKey, encoded, ttl)
				pipe.Set(ctx, oKey, token.ID, ttl)
				return nil
			})
			return err
		}, tKey, oKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, verify.ErrDuplicateID) || errors.Is(err, verify.ErrLiveTokenExists) {
				return err
			}
			return fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: save contention", verify.ErrStoreUnavailable)
}

func (s *TokenStore) Find(ctx context.Context, id string) (*verify.Token, error) {
	if id == "" {
		return nil, nil
	}
	data, err := s.redis.Get(ctx, s.tokenKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
	}
	return decodeToken(data)
}

func (s *TokenStore) FindByOwner(ctx context.Context, typ verify.Type, owner string) (*verify.Token, error) {
	id, err := s.redis.Get(ctx, s.ownerKey(typ, owner)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
	}

	token, err := s.Find(ctx, id)
	if err != nil || token == nil {
		return nil, err
	}
	if token.Type != typ || token.Owner != owner {
		return nil, nil
	}
	return token, nil
}

// Delete removes a token and its owner index entry. It reports whether this
// call removed the token.
func (s *TokenStore) Delete(ctx context.Context, id string) (bool, error) {
	token, err := s.Find(ctx, id)
	if err != nil {
		return false, err
	}

	n, err := s.redis.Del(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
	}
	if token != nil {
		s.dropOwnerIndex(ctx, token)
	}
	return n > 0, nil
}

// Consume atomically reads and deletes a token of the given type. A token of a
// different type is left untouched and reported as not found.
func (s *TokenStore) Consume(ctx context.Context, typ verify.Type, id string) (*verify.Token, error) {
	if id == "" {
		return nil, nil
	}
	key := s.tokenKey(id)

	for i := 0; i < maxTxRetries; i++ {
		var consumed *verify.Token

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			token, err := decodeToken(data)
			if err != nil {
				return err
			}
			if token.Type != typ {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			consumed = token
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %v", verify.ErrStoreUnavailable, err)
		}

		if consumed != nil {
			s.dropOwnerIndex(ctx, consumed)
		}
		return consumed, nil
	}

	// Persistent contention means another caller kept winning the race.
	return nil, nil
}

func (s *TokenStore) dropOwnerIndex(ctx context.Context, token *verify.Token) {
	oKey := s.ownerKey(token.Type, token.Owner)
	_ = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, oKey).Result()
		if err != nil || current != token.ID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, oKey)
			return nil
		})
		return err
	}, oKey)
}

func encodeToken(token *verify.Token) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tokenRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, token.CreatedAt.UnixNano()); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, token.ExpiresAt.UnixNano()); err != nil {
		return nil, err
	}

	for _, field := range []string{token.ID, string(token.Type), token.Owner} {
		if len(field) > 65535 {
			return nil, errors.New("verification token field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeToken(data []byte) (*verify.Token, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != tokenRecordVersionV1 {
		return nil, errors.New("invalid verification token version")
	}

	var created, expires int64
	if err := binary.Read(reader, binary.BigEndian, &created); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &expires); err != nil {
		return nil, err
	}

	fields := make([]string, 3)
	for i := range fields {
		var n uint16
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		raw := make([]byte, n)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		fields[i] = string(raw)
	}

	return &verify.Token{
		ID:        fields[0],
		Type:      verify.Type(fields[1]),
		Owner:     fields[2],
		CreatedAt: time.Unix(0, created).UTC(),
		ExpiresAt: time.Unix(0, expires).UTC(),
	}, nil
}
