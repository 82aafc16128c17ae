package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	// Hashes below these costs are refused on read and on configuration.
	floorMemoryKB = 8 * 1024
	floorSaltLen  = 16
	floorKeyLen   = 16

	minPasswordBytes = 10

	// DefaultMaxPasswordBytes bounds hashing work when Config.MaxPasswordBytes is zero.
	DefaultMaxPasswordBytes = 1024
)

var (
	ErrMalformedHash    = errors.New("malformed argon2id hash")
	ErrPasswordTooShort = fmt.Errorf("password shorter than %d bytes", minPasswordBytes)
	ErrPasswordTooLong  = errors.New("password exceeds maximum length")
)

// Config holds Argon2id cost parameters for newly issued hashes.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	MaxPasswordBytes int
}

// Argon2 hashes and verifies PHC-encoded Argon2id passwords:
//
//	$argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>
type Argon2 struct {
	config Config
}

// NewArgon2 rejects configs below the floor cost parameters.
func NewArgon2(cfg Config) (*Argon2, error) {
	switch {
	case cfg.Memory < floorMemoryKB:
		return nil, fmt.Errorf("argon2 memory %d KiB below %d", cfg.Memory, floorMemoryKB)
	case cfg.Time < 1:
		return nil, errors.New("argon2 time must be >= 1")
	case cfg.Parallelism < 1:
		return nil, errors.New("argon2 parallelism must be >= 1")
	case cfg.SaltLength < floorSaltLen:
		return nil, fmt.Errorf("argon2 salt length %d below %d", cfg.SaltLength, floorSaltLen)
	case cfg.KeyLength < floorKeyLen:
		return nil, fmt.Errorf("argon2 key length %d below %d", cfg.KeyLength, floorKeyLen)
	}
	if cfg.MaxPasswordBytes <= 0 {
		cfg.MaxPasswordBytes = DefaultMaxPasswordBytes
	}
	return &Argon2{config: cfg}, nil
}

// phc is one decoded hash.
type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func (h phc) String() string {
	return fmt.Sprintf("$%s$v=%d$%s$%s$%s",
		algorithmID, argon2.Version, h.params(),
		base64.RawStdEncoding.EncodeToString(h.salt),
		base64.RawStdEncoding.EncodeToString(h.key))
}

func (h phc) params() string {
	return fmt.Sprintf("m=%d,t=%d,p=%d", h.memory, h.time, h.parallelism)
}

func (h phc) derive(password string) []byte {
	return argon2.IDKey([]byte(password), h.salt, h.time, h.memory, h.parallelism, uint32(len(h.key)))
}

// Hash returns a PHC string for password under a fresh random salt. Bytes are
// hashed as given, without Unicode normalization.
func (a *Argon2) Hash(password string) (string, error) {
	if len(password) < minPasswordBytes {
		return "", ErrPasswordTooShort
	}
	if len(password) > a.config.MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}

	h := phc{
		memory:      a.config.Memory,
		time:        a.config.Time,
		parallelism: a.config.Parallelism,
		salt:        make([]byte, a.config.SaltLength),
		key:         make([]byte, a.config.KeyLength),
	}
	if _, err := rand.Read(h.salt); err != nil {
		return "", err
	}
	h.key = h.derive(password)
	return h.String(), nil
}

// Verify compares password against encoded in constant time. A malformed hash
// is an error, a mismatch is (false, nil).
func (a *Argon2) Verify(password, encoded string) (bool, error) {
	if len(password) > a.config.MaxPasswordBytes {
		return false, ErrPasswordTooLong
	}
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(h.derive(password), h.key) == 1, nil
}

// NeedsUpgrade reports whether encoded was issued with weaker costs or a
// different key length than the current config.
func (a *Argon2) NeedsUpgrade(encoded string) (bool, error) {
	h, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return h.memory < a.config.Memory ||
		h.time < a.config.Time ||
		h.parallelism < a.config.Parallelism ||
		uint32(len(h.key)) != a.config.KeyLength, nil
}

func parsePHC(encoded string) (phc, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != algorithmID {
		return phc{}, ErrMalformedHash
	}
	if fields[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return phc{}, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, fields[2])
	}

	var h phc
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.memory, &h.time, &h.parallelism); err != nil || h.params() != fields[3] {
		return phc{}, fmt.Errorf("%w: parameters %q", ErrMalformedHash, fields[3])
	}
	if h.memory < floorMemoryKB || h.time < 1 || h.parallelism < 1 {
		return phc{}, fmt.Errorf("%w: parameters below floor", ErrMalformedHash)
	}

	var err error
	if h.salt, err = decodeB64(fields[4]); err != nil || len(h.salt) < floorSaltLen {
		return phc{}, fmt.Errorf("%w: salt", ErrMalformedHash)
	}
	if h.key, err = decodeB64(fields[5]); err != nil || len(h.key) == 0 {
		return phc{}, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	return h, nil
}

// decodeB64 accepts the unpadded PHC alphabet and padded standard base64.
func decodeB64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
