package conflict

import (
	"fmt"
	"strings"
	"time"
)

const (
	MarkerStart = "<<<<<<< LOCAL"
	MarkerMid   = "======="
	MarkerEnd   = ">>>>>>> SERVER"
)

// Side names whose content a resolution adopted.
type Side string

const (
	SideLocal  Side = "local"
	SideServer Side = "server"
	SideMerged Side = "merged"
)

// Resolution is the outcome of applying a strategy. Write is false when the
// stored document must be left untouched.
type Resolution struct {
	Strategy Strategy `json:"strategy"`
	Content  string   `json:"content"`
	Write    bool     `json:"write"`
	Winner   Side     `json:"winner"`
}

// ResolveInput carries both sides of the clash.
type ResolveInput struct {
	LocalContent    string
	SubmittedAt     time.Time
	ServerVersion   int64
	ServerContent   string
	ServerUpdatedAt time.Time
}

// Resolve produces the content to persist for the chosen strategy.
func Resolve(strategy Strategy, in ResolveInput) (Resolution, error) {
	switch strategy {
	case StrategyKeepLocal:
		return Resolution{Strategy: strategy, Content: in.LocalContent, Write: true, Winner: SideLocal}, nil
	case StrategyKeepServer:
		return Resolution{Strategy: strategy, Content: in.ServerContent, Write: false, Winner: SideServer}, nil
	case StrategyCreateMarkers:
		return Resolution{
			Strategy: strategy,
			Content:  WithMarkers(in.LocalContent, in.ServerContent, in.ServerVersion),
			Write:    true,
			Winner:   SideMerged,
		}, nil
	case StrategyLatestWins:
		// Ties go to the server so that an equal clock never destroys stored text.
		if in.SubmittedAt.After(in.ServerUpdatedAt) {
			return Resolution{Strategy: strategy, Content: in.LocalContent, Write: true, Winner: SideLocal}, nil
		}
		return Resolution{Strategy: strategy, Content: in.ServerContent, Write: false, Winner: SideServer}, nil
	default:
		return Resolution{}, fmt.Errorf("unhandled conflict strategy %s", strategy)
	}
}

// WithMarkers joins both sides between merge-style delimiters, local first.
func WithMarkers(local, server string, serverVersion int64) string {
	var b strings.Builder
	b.WriteString(MarkerStart)
	b.WriteByte('\n')
	writeLine(&b, local)
	b.WriteString(MarkerMid)
	b.WriteByte('\n')
	writeLine(&b, server)
	fmt.Fprintf(&b, "%s (version %d)\n", MarkerEnd, serverVersion)
	return b.String()
}

func writeLine(b *strings.Builder, text string) {
	b.WriteString(text)
	if text != "" && !strings.HasSuffix(text, "\n") {
		b.WriteByte('\n')
	}
}

// HasMarkers reports whether content still carries unresolved conflict markers.
func HasMarkers(content string) bool {
	return strings.Contains(content, MarkerStart) && strings.Contains(content, MarkerEnd)
}
