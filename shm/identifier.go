package shm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultPrefix is the file name prefix of segments created by snipc.
const DefaultPrefix = "snipc"

// PlatformTag identifies the memory layout of the local process. Peers
// with a different pointer width compute different header offsets and
// must never attach to each other's segments.
var PlatformTag = "b" + strconv.Itoa(strconv.IntSize)

// Identifier names a shared segment across processes.
type Identifier struct {
	// Prefix groups segments of one installation
	Prefix string

	// Tag is the platform tag of the creator
	Tag string

	// Key makes the identifier unique
	Key string
}

// IsZero reports whether the identifier is unset.
func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

// String renders the identifier as prefix.tag.key.
func (id Identifier) String() string {
	return id.Prefix + "." + id.Tag + "." + id.Key
}

// Compatible reports whether the local process may attach to the segment.
func (id Identifier) Compatible() bool {
	return id.Tag == PlatformTag
}

// ParseIdentifier parses the text form produced by Identifier.String.
func ParseIdentifier(s string) (Identifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}

	id := Identifier{Prefix: parts[0], Tag: parts[1], Key: parts[2]}
	if id.Prefix == "" || id.Key == "" || !validTag(id.Tag) {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	for _, r := range id.Key {
		if !isKeyRune(r) {
			return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
		}
	}
	return id, nil
}

func validTag(tag string) bool {
	if len(tag) < 2 || tag[0] != 'b' {
		return false
	}
	_, err := strconv.Atoi(tag[1:])
	return err == nil
}

func isKeyRune(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '-' || r == '_'
}

// KeyFunc generates candidate identifier keys.
type KeyFunc func() string

// RandomKey returns a random 32 character hex key.
func RandomKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
