// Package tsid generates time-sorted identifiers for outbox records.
// IDs are 64-bit values (42 bits of millisecond timestamp, 22 bits of
// randomness) encoded as 13-character Crockford Base32 strings, so primary
// key order matches creation order.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

const (
	// TSID epoch: 2020-01-01T00:00:00Z
	tsidEpoch = 1577836800000

	timestampBits = 42
	randomBits    = 22

	// Crockford Base32 alphabet
	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

var (
	generator     *Generator
	generatorOnce sync.Once
)

// Generator generates TSIDs
type Generator struct {
	mu       sync.Mutex
	lastTime int64
	counter  uint32
}

// NewGenerator creates a new TSID generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate generates a new TSID as a Crockford Base32 string
func Generate() string {
	generatorOnce.Do(func() {
		generator = NewGenerator()
	})
	return generator.Generate()
}

// Generate generates a new TSID as a Crockford Base32 string
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - tsidEpoch

	var randomBytes [4]byte
	rand.Read(randomBytes[:])
	random := binary.BigEndian.Uint32(randomBytes[:]) & ((1 << randomBits) - 1)

	// Same millisecond: fold a counter into the random component so ids
	// stay unique under burst generation.
	if now == g.lastTime {
		g.counter++
		random = (random &^ 0xFFFF) | (g.counter & 0xFFFF)
	} else {
		g.lastTime = now
		g.counter = 0
	}

	value := (uint64(now) << randomBits) | uint64(random)

	return encodeCrockford(value)
}

// encodeCrockford encodes a uint64 to a 13-character Crockford Base32 string
func encodeCrockford(value uint64) string {
	result := make([]byte, 13)

	for i := 12; i >= 0; i-- {
		result[i] = alphabet[value&0x1F]
		value >>= 5
	}

	return string(result)
}

// decodeCrockford decodes a Crockford Base32 string to a uint64
func decodeCrockford(s string) (uint64, error) {
	var result uint64

	for _, c := range s {
		idx := crockfordIndex(byte(c))
		if idx < 0 {
			return 0, ErrInvalidCharacter
		}
		result = result<<5 | uint64(idx)
	}

	return result, nil
}

func crockfordIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'H':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'h':
		return int(c - 'a' + 10)
	case c == 'I' || c == 'i' || c == 'L' || c == 'l':
		return 1
	case c >= 'J' && c <= 'K':
		return int(c - 'J' + 18)
	case c >= 'j' && c <= 'k':
		return int(c - 'j' + 18)
	case c >= 'M' && c <= 'N':
		return int(c - 'M' + 20)
	case c >= 'm' && c <= 'n':
		return int(c - 'm' + 20)
	case c == 'O' || c == 'o':
		return 0
	case c >= 'P' && c <= 'T':
		return int(c - 'P' + 22)
	case c >= 'p' && c <= 't':
		return int(c - 'p' + 22)
	case c == 'U' || c == 'u':
		return 27
	case c >= 'V' && c <= 'Z':
		return int(c - 'V' + 27)
	case c >= 'v' && c <= 'z':
		return int(c - 'v' + 27)
	default:
		return -1
	}
}

// Timestamp extracts the creation time from a TSID string
func Timestamp(id string) (time.Time, error) {
	value, err := decodeCrockford(id)
	if err != nil {
		return time.Time{}, err
	}

	millis := int64(value>>randomBits) + tsidEpoch
	return time.UnixMilli(millis), nil
}

// ErrInvalidCharacter is returned when an invalid character is encountered
type ErrInvalidCharacterType struct{}

func (e ErrInvalidCharacterType) Error() string {
	return "invalid character in TSID"
}

var ErrInvalidCharacter = ErrInvalidCharacterType{}
