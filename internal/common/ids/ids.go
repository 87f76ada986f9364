// Package ids generates and validates the prefixed identifiers used across
// the store (wf_..., tk_..., and so on).
package ids

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// Prefix identifies the entity type an ID belongs to.
type Prefix string

const (
	Workflow   Prefix = "wf"
	Task       Prefix = "tk"
	Checkpoint Prefix = "cp"
	Workspace  Prefix = "ws"
	Agent      Prefix = "ag"
	Session    Prefix = "ss"
	Message    Prefix = "msg"
	Template   Prefix = "tmpl"
	Repository Prefix = "rp"
)

const (
	alphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
	randomLen  = 12
)

var pattern = regexp.MustCompile(`^(wf|tk|cp|ws|ag|ss|msg|tmpl|rp)_[0-9a-z]{12}$`)

// New returns a fresh identifier for the given prefix: the prefix, an
// underscore, and 12 lowercase base-36 characters from crypto/rand.
func New(p Prefix) string {
	buf := make([]byte, randomLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; there is no
		// reasonable fallback for unique IDs.
		panic(fmt.Sprintf("ids: rand.Read failed: %v", err))
	}
	var b strings.Builder
	b.Grow(len(p) + 1 + randomLen)
	b.WriteString(string(p))
	b.WriteByte('_')
	for _, c := range buf {
		b.WriteByte(alphabet[int(c)%len(alphabet)])
	}
	return b.String()
}

// Valid reports whether id matches the canonical ID format.
func Valid(id string) bool {
	return pattern.MatchString(id)
}

// Of returns the prefix of id, or "" if id is not a canonical ID.
func Of(id string) Prefix {
	if !Valid(id) {
		return ""
	}
	return Prefix(id[:strings.IndexByte(id, '_')])
}

// Is reports whether id is a canonical ID carrying the given prefix.
func Is(id string, p Prefix) bool {
	return Of(id) == p
}
