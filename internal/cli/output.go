package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/mcoot/masquerade-go/internal/api/response"
)

// Output handles formatting output based on the configured format
type Output struct {
	format string
}

// NewOutput creates a new Output formatter
func NewOutput(format string) *Output {
	return &Output{format: format}
}

// Print outputs data in the configured format
func (o *Output) Print(data any) {
	if o.format == "json" {
		o.printJSON(data)
	} else {
		o.printText(data)
	}
}

// PrintError outputs an error
func (o *Output) PrintError(err error) {
	if o.format == "json" {
		errData := map[string]any{
			"error": map[string]string{
				"message": err.Error(),
			},
		}
		data, _ := json.Marshal(errData)
		fmt.Fprintln(os.Stderr, string(data))
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
}

// PrintMessage outputs a simple message
func (o *Output) PrintMessage(msg string) {
	if o.format == "json" {
		data, _ := json.Marshal(map[string]string{"message": msg})
		fmt.Println(string(data))
	} else {
		fmt.Println(msg)
	}
}

func (o *Output) printJSON(data any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func (o *Output) printText(data any) {
	switch v := data.(type) {
	case response.Health:
		fmt.Printf("Status: %s\n", v.Status)
	case response.SessionList:
		o.printSessionList(v)
	case response.Session:
		o.printSession(v)
	case response.DrawingList:
		o.printDrawingList(v)
	case response.Stats:
		o.printStats(v)
	default:
		// Fallback to JSON for unknown types
		o.printJSON(data)
	}
}

func (o *Output) printSessionList(l response.SessionList) {
	if len(l.Sessions) == 0 {
		fmt.Println("No live sessions")
		return
	}
	for _, s := range l.Sessions {
		fmt.Printf("%-10s %-15s %d players  active %s\n",
			s.ID, s.Phase, s.PlayerCount, humanize.Time(s.LastActivityAt))
	}
}

func (o *Output) printSession(s response.Session) {
	fmt.Printf("Session: %s\n", s.ID)
	fmt.Printf("Phase: %s\n", s.Phase)
	fmt.Printf("Version: %d\n", s.Version)
	fmt.Printf("Created: %s\n", humanize.Time(s.CreatedAt))
	fmt.Printf("Last Activity: %s\n", humanize.Time(s.LastActivityAt))
	fmt.Printf("Ready: %d/%d  Drawings: %d/%d\n",
		s.ReadyCount, len(s.Players), s.SubmittedCount, len(s.Players))

	fmt.Printf("Players (%d):\n", len(s.Players))
	for _, p := range s.Players {
		var flags []string
		if p.Ready {
			flags = append(flags, "ready")
		}
		if p.HasDrawing {
			flags = append(flags, "drawn")
		}
		if !p.Connected {
			flags = append(flags, "disconnected")
		}
		flagStr := ""
		if len(flags) > 0 {
			flagStr = " [" + strings.Join(flags, ", ") + "]"
		}
		fmt.Printf("  - %s (%s) - %s%s\n", p.Name, p.ID, p.Role, flagStr)
	}

	if len(s.ComparisonResults) > 0 {
		fmt.Printf("Comparison Results: %s\n", s.ComparisonResults)
	}
	if len(s.ScoringResults) > 0 {
		fmt.Printf("Scoring Results: %s\n", s.ScoringResults)
	}
}

func (o *Output) printDrawingList(l response.DrawingList) {
	fmt.Printf("Session: %s (%s)\n", l.SessionID, l.Phase)
	if len(l.Drawings) == 0 {
		fmt.Println("No drawings submitted")
		return
	}
	for _, d := range l.Drawings {
		fmt.Printf("  - %s (%s): %s, submitted %s\n",
			d.Name, d.PlayerID, humanize.Bytes(uint64(d.Size)), humanize.Time(d.SubmittedAt))
	}
}

func (o *Output) printStats(s response.Stats) {
	fmt.Printf("Connections: %s\n", humanize.Comma(int64(s.Connections)))
	fmt.Printf("Subscribers: %s\n", humanize.Comma(int64(s.Subscribers)))
	fmt.Printf("Sessions: %s\n", humanize.Comma(int64(s.Sessions)))
	fmt.Printf("Pending Reconnects: %d\n", s.PendingReconnects)

	if len(s.Groups) == 0 {
		return
	}
	ids := make([]string, 0, len(s.Groups))
	for id := range s.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Println("Groups:")
	for _, id := range ids {
		fmt.Printf("  %s: %d\n", id, s.Groups[id])
	}
}
