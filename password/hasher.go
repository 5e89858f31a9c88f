package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// MinLength is the shortest password Hash accepts, in bytes.
const MinLength = 10

var (
	ErrTooShort        = fmt.Errorf("password must be at least %d bytes", MinLength)
	ErrMalformedHash   = errors.New("malformed password hash")
	ErrUnsupportedHash = errors.New("unsupported password hash algorithm")
)

const argonPrefix = "$argon2id$"

// Config holds argon2id cost parameters. Memory is in KiB.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultConfig returns the OWASP-recommended argon2id baseline.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Validate rejects parameters below the accepted floor.
func (c Config) Validate() error {
	var problems []string
	if c.Memory < 8*1024 {
		problems = append(problems, "memory must be >= 8192 KiB")
	}
	if c.Time < 1 {
		problems = append(problems, "time must be >= 1")
	}
	if c.Parallelism < 1 {
		problems = append(problems, "parallelism must be >= 1")
	}
	if c.SaltLength < 16 {
		problems = append(problems, "salt length must be >= 16")
	}
	if c.KeyLength < 16 {
		problems = append(problems, "key length must be >= 16")
	}
	if len(problems) > 0 {
		return errors.New("password config: " + strings.Join(problems, "; "))
	}
	return nil
}

// Hasher hashes and verifies passwords. It is safe for concurrent use.
type Hasher struct {
	cfg Config
}

// NewHasher validates cfg and returns a Hasher.
func NewHasher(cfg Config) (*Hasher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Hasher{cfg: cfg}, nil
}

// Config returns the active parameters.
func (h *Hasher) Config() Config { return h.cfg }

// Hash returns an argon2id PHC string for password. The bytes are used exactly
// as given, without Unicode normalization.
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < MinLength {
		return "", ErrTooShort
	}
	salt := make([]byte, h.cfg.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, h.cfg.Time, h.cfg.Memory, h.cfg.Parallelism, h.cfg.KeyLength)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argonPrefix,
		argon2.Version,
		h.cfg.Memory, h.cfg.Time, h.cfg.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. A mismatch is (false, nil);
// an error means encoded could not be interpreted.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, argonPrefix):
		p, err := parseArgon(encoded)
		if err != nil {
			return false, err
		}
		key := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.key)))
		return subtle.ConstantTimeCompare(key, p.key) == 1, nil
	case isBcrypt(encoded):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
		}
	default:
		return false, ErrUnsupportedHash
	}
}

// NeedsRehash reports whether encoded should be replaced by a fresh Hash.
func (h *Hasher) NeedsRehash(encoded string) bool {
	if !strings.HasPrefix(encoded, argonPrefix) {
		return true
	}
	p, err := parseArgon(encoded)
	if err != nil {
		return true
	}
	return p.memory < h.cfg.Memory ||
		p.time < h.cfg.Time ||
		p.parallelism < h.cfg.Parallelism ||
		uint32(len(p.key)) != h.cfg.KeyLength
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

type argonParams struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// parseArgon splits "$argon2id$v=19$m=..,t=..,p=..$salt$key".
func parseArgon(encoded string) (argonParams, error) {
	var p argonParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return p, ErrMalformedHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return p, fmt.Errorf("%w: version %q", ErrUnsupportedHash, parts[2])
	}

	seen := 0
	for _, kv := range strings.Split(parts[3], ",") {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok {
			return p, ErrMalformedHash
		}
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || v == 0 {
			return p, fmt.Errorf("%w: parameter %q", ErrMalformedHash, kv)
		}
		switch name {
		case "m":
			p.memory = uint32(v)
		case "t":
			p.time = uint32(v)
		case "p":
			if v > 255 {
				return p, fmt.Errorf("%w: parallelism %d", ErrMalformedHash, v)
			}
			p.parallelism = uint8(v)
		default:
			return p, fmt.Errorf("%w: parameter %q", ErrMalformedHash, name)
		}
		seen++
	}
	if seen != 3 || p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return p, ErrMalformedHash
	}

	var err error
	if p.salt, err = decodeB64(parts[4]); err != nil || len(p.salt) < 8 {
		return p, fmt.Errorf("%w: salt", ErrMalformedHash)
	}
	if p.key, err = decodeB64(parts[5]); err != nil || len(p.key) < 16 {
		return p, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	return p, nil
}

// decodeB64 accepts both unpadded (reference encoder) and padded base64.
func decodeB64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
