// Package conflict classifies stale saves against the stored document and
// reconciles them with a caller-chosen strategy.
package conflict

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the classification of a save against the current server state.
type Type string

const (
	TypeNone    Type = "none"
	TypeVersion Type = "version"
	TypeContent Type = "content"
	TypeBoth    Type = "both"
)

// Report describes how a client's view differs from the server's. Server fields
// are populated only when HasConflict is true.
type Report struct {
	HasConflict     bool       `json:"hasConflict"`
	ConflictType    Type       `json:"conflictType"`
	VersionMismatch bool       `json:"versionMismatch"`
	ContentMismatch bool       `json:"contentMismatch"`
	LocalVersion    int64      `json:"localVersion"`
	ServerVersion   int64      `json:"serverVersion,omitempty"`
	ServerContent   *string    `json:"serverContent,omitempty"`
	ServerUpdatedAt *time.Time `json:"serverUpdatedAt,omitempty"`
}

// Input is everything the detector compares. A nil ClientContent means the
// caller has nothing to compare, so content never mismatches.
type Input struct {
	ClientBaseVersion int64
	ClientContent     *string
	ServerVersion     int64
	ServerContent     string
	ServerUpdatedAt   time.Time
}

// Detect compares the client's base version and content with the server's.
// Content equality is exact byte equality; no whitespace normalization.
// Only a version mismatch counts as a conflict: same-version content drift can
// only come from last-write-wins autosave patches.
func Detect(in Input) Report {
	versionMismatch := in.ClientBaseVersion != in.ServerVersion
	contentMismatch := in.ClientContent != nil && *in.ClientContent != in.ServerContent

	report := Report{
		HasConflict:     versionMismatch,
		ConflictType:    classify(versionMismatch, contentMismatch),
		VersionMismatch: versionMismatch,
		ContentMismatch: contentMismatch,
		LocalVersion:    in.ClientBaseVersion,
	}
	if report.HasConflict {
		content := in.ServerContent
		updatedAt := in.ServerUpdatedAt
		report.ServerVersion = in.ServerVersion
		report.ServerContent = &content
		report.ServerUpdatedAt = &updatedAt
	}
	return report
}

func classify(versionMismatch, contentMismatch bool) Type {
	switch {
	case versionMismatch && contentMismatch:
		return TypeBoth
	case versionMismatch:
		return TypeVersion
	case contentMismatch:
		return TypeContent
	default:
		return TypeNone
	}
}

// Strategy is the closed set of conflict resolution strategies.
type Strategy int

const (
	StrategyLatestWins Strategy = iota
	StrategyKeepLocal
	StrategyKeepServer
	StrategyCreateMarkers
)

// DefaultStrategy is used when the caller does not pick one.
const DefaultStrategy = StrategyLatestWins

var strategyNames = map[Strategy]string{
	StrategyLatestWins:    "latest_wins",
	StrategyKeepLocal:     "keep_local",
	StrategyKeepServer:    "keep_server",
	StrategyCreateMarkers: "create_markers",
}

// Strategies lists every strategy in a stable order.
func Strategies() []Strategy {
	return []Strategy{StrategyKeepLocal, StrategyKeepServer, StrategyCreateMarkers, StrategyLatestWins}
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps a wire name onto a Strategy. The empty string selects
// DefaultStrategy; any other unknown name is an error.
func ParseStrategy(name string) (Strategy, error) {
	if name == "" {
		return DefaultStrategy, nil
	}
	for strategy, candidate := range strategyNames {
		if candidate == name {
			return strategy, nil
		}
	}
	return 0, fmt.Errorf("unknown conflict strategy %q", name)
}

func (s Strategy) MarshalJSON() ([]byte, error) {
	name, ok := strategyNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown conflict strategy %d", int(s))
	}
	return json.Marshal(name)
}

func (s *Strategy) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("conflict strategy must be a string: %w", err)
	}
	parsed, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
