package scoring

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcoot/masquerade-go/internal/dependencies/clock"
	"github.com/mcoot/masquerade-go/internal/model"
)

// Request is handed to the comparison step when a session enters MaskComparison
type Request struct {
	SessionID model.SessionID
	Players   []model.PlayerView
	Drawings  []model.DrawingView
}

// Hook is notified when a session needs its masks compared.
// It is called while the session is locked and must not block.
type Hook interface {
	ComparisonRequested(req Request)
}

// Completer receives the collaborator's completion signals
type Completer interface {
	CompleteComparison(ctx context.Context, id model.SessionID, results json.RawMessage) error
	CompleteScoring(ctx context.Context, id model.SessionID, results json.RawMessage) error
}

// Noop leaves completion to an external component (usually via the HTTP API)
type Noop struct{}

func (Noop) ComparisonRequested(Request) {}

// ComparisonEntry is one drawing in the placeholder comparison result
type ComparisonEntry struct {
	PlayerID model.PlayerID `json:"playerId"`
	Name     string         `json:"name"`
	Size     int            `json:"size"`
}

// ComparisonResult is the placeholder comparison produced by AutoCompleter
type ComparisonResult struct {
	Entries []ComparisonEntry `json:"entries"`
}

// Score is one player's placeholder score
type Score struct {
	PlayerID model.PlayerID `json:"playerId"`
	Name     string         `json:"name"`
	Points   int            `json:"points"`
}

// ScoreResult is the placeholder scoring produced by AutoCompleter
type ScoreResult struct {
	Scores []Score `json:"scores"`
}

// AutoCompleter drives the last two transitions itself for local play.
// Every player who submitted gets one point.
type AutoCompleter struct {
	clock  clock.Clock
	delay  time.Duration
	logger *slog.Logger

	mu        sync.RWMutex
	completer Completer
}

var _ Hook = (*AutoCompleter)(nil)

// NewAutoCompleter creates an AutoCompleter. Attach must be called before use.
func NewAutoCompleter(clock clock.Clock, delay time.Duration, logger *slog.Logger) *AutoCompleter {
	return &AutoCompleter{
		clock:  clock,
		delay:  delay,
		logger: logger.With(slog.String("component", "auto_scorer")),
	}
}

// Attach sets the target of the completion signals
func (a *AutoCompleter) Attach(completer Completer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completer = completer
}

// ComparisonRequested schedules comparison-complete, then scoring-complete after a further delay
func (a *AutoCompleter) ComparisonRequested(req Request) {
	a.clock.AfterFunc(a.delay, func() {
		a.complete(req)
	})
}

func (a *AutoCompleter) complete(req Request) {
	a.mu.RLock()
	completer := a.completer
	a.mu.RUnlock()
	if completer == nil {
		a.logger.Warn("no completer attached", slog.String("session_id", string(req.SessionID)))
		return
	}

	comparison, err := json.Marshal(Compare(req))
	if err != nil {
		a.logger.Error("encode comparison", slog.Any("error", err))
		return
	}
	ctx := context.Background()
	if err := completer.CompleteComparison(ctx, req.SessionID, comparison); err != nil {
		// The session may have been left or advanced manually meanwhile
		a.logger.Info("comparison not completed",
			slog.String("session_id", string(req.SessionID)),
			slog.Any("error", err),
		)
		return
	}

	scores, err := json.Marshal(ScoreAll(req))
	if err != nil {
		a.logger.Error("encode scores", slog.Any("error", err))
		return
	}
	a.clock.AfterFunc(a.delay, func() {
		if err := completer.CompleteScoring(context.Background(), req.SessionID, scores); err != nil {
			a.logger.Info("scoring not completed",
				slog.String("session_id", string(req.SessionID)),
				slog.Any("error", err),
			)
		}
	})
}

// Compare lists every submitted drawing with its encoded size, largest first
func Compare(req Request) ComparisonResult {
	entries := make([]ComparisonEntry, 0, len(req.Drawings))
	for _, d := range req.Drawings {
		entries = append(entries, ComparisonEntry{
			PlayerID: d.PlayerID,
			Name:     d.Name,
			Size:     len(d.Payload),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Size > entries[j].Size
	})
	return ComparisonResult{Entries: entries}
}

// ScoreAll awards a point to every player who submitted, in roster order
func ScoreAll(req Request) ScoreResult {
	submitted := make(map[model.PlayerID]bool, len(req.Drawings))
	for _, d := range req.Drawings {
		submitted[d.PlayerID] = true
	}

	scores := make([]Score, 0, len(req.Players))
	for _, p := range req.Players {
		points := 0
		if submitted[p.ID] {
			points = 1
		}
		scores = append(scores, Score{PlayerID: p.ID, Name: p.Name, Points: points})
	}
	return ScoreResult{Scores: scores}
}
