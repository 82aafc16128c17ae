package password

import "errors"

// ErrUnknownHashFormat is returned when a stored hash is neither Argon2id nor bcrypt.
var ErrUnknownHashFormat = errors.New("unknown password hash format")

// Verifier checks stored hashes of either supported format and issues new
// hashes with Argon2id.
type Verifier struct {
	argon *Argon2
}

func NewVerifier(argon *Argon2) *Verifier {
	return &Verifier{argon: argon}
}

// DefaultVerifier uses DefaultConfig.
func DefaultVerifier() *Verifier {
	argon, err := NewArgon2(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return NewVerifier(argon)
}

// DefaultConfig returns the Argon2id parameters used for new hashes.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func (v *Verifier) Hash(password string) (string, error) {
	return v.argon.Hash(password)
}

func (v *Verifier) Verify(password, encodedHash string) (bool, error) {
	switch {
	case IsBcrypt(encodedHash):
		return VerifyBcrypt(password, encodedHash)
	case len(encodedHash) > len(algorithmID)+1 && encodedHash[1:len(algorithmID)+1] == algorithmID:
		return v.argon.Verify(password, encodedHash)
	default:
		return false, ErrUnknownHashFormat
	}
}

// NeedsUpgrade is true for every bcrypt hash and for Argon2id hashes issued
// with weaker parameters.
func (v *Verifier) NeedsUpgrade(encodedHash string) bool {
	if IsBcrypt(encodedHash) {
		return true
	}
	upgrade, err := v.argon.NeedsUpgrade(encodedHash)
	return err != nil || upgrade
}
