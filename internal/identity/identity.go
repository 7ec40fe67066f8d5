package identity

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	DefaultPrefix  = "ctt"
	shortIDLen     = 6
	maxSlugLen     = 24
	fallbackSlug   = "term"
	terminalIDHead = "t-"
	paneIDHead     = "p-"
)

// Namespace owns every multiplexer session whose name starts with
// "<Prefix>-". Sessions outside it are never enumerated or touched.
type Namespace struct {
	Prefix string
}

func NewNamespace(prefix string) Namespace {
	if strings.TrimSpace(prefix) == "" {
		return Namespace{Prefix: DefaultPrefix}
	}
	return Namespace{Prefix: Slug(prefix)}
}

// SessionName returns "<prefix>-<profile-slug>-<shortid>". An explicit name
// is used verbatim when it is already inside the namespace, otherwise it is
// slugified and prefixed.
func (n Namespace) SessionName(profile, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if n.Owns(explicit) {
			return explicit
		}
		return n.Prefix + "-" + Slug(explicit)
	}
	return n.Prefix + "-" + Slug(profile) + "-" + ShortID()
}

func (n Namespace) Owns(sessionName string) bool {
	head := n.Prefix + "-"
	return len(sessionName) > len(head) && strings.HasPrefix(sessionName, head)
}

// Slug lowercases name and collapses every run of characters outside
// [a-z0-9] to a single '-'.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	if out == "" {
		return fallbackSlug
	}
	return out
}

func ShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:shortIDLen]
}

func NewTerminalID() string {
	return terminalIDHead + uuid.NewString()
}

func NewPaneID() string {
	return paneIDHead + ShortID()
}

// NewAgentID allocates the identifier of one live output binding.
func NewAgentID() string {
	return uuid.NewString()
}
