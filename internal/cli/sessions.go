package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcoot/masquerade-go/internal/api/request"
	"github.com/mcoot/masquerade-go/internal/api/response"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Session inspection and collaborator commands",
	}

	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsCreateCmd())
	cmd.AddCommand(newSessionsShowCmd())
	cmd.AddCommand(newSessionsDrawingsCmd())
	cmd.AddCommand(newSessionsAdvanceCmd())
	cmd.AddCommand(newSessionsCompleteCmd("complete-comparison", "comparison-complete",
		"Signal that mask comparison finished"))
	cmd.AddCommand(newSessionsCompleteCmd("complete-scoring", "scoring-complete",
		"Signal that scoring finished"))

	return cmd
}

func sessionPath(id, suffix string) string {
	return "/api/v1/sessions/" + url.PathEscape(id) + suffix
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result response.SessionList

			if err := client.Get("/api/v1/sessions", &result); err != nil {
				return err
			}

			out := NewOutput(cfg.Output)
			out.Print(result)
			return nil
		},
	}
}

func newSessionsCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an empty session with a generated id",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result response.Session

			if err := client.Post("/api/v1/sessions", nil, &result); err != nil {
				return err
			}

			out := NewOutput(cfg.Output)
			out.Print(result)
			return nil
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the last stored snapshot of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result response.Session

			if err := client.Get(sessionPath(args[0], ""), &result); err != nil {
				return err
			}

			out := NewOutput(cfg.Output)
			out.Print(result)
			return nil
		},
	}
}

func newSessionsDrawingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drawings <id>",
		Short: "List the drawings submitted to a session (requires API key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result response.DrawingList

			if err := client.Get(sessionPath(args[0], "/drawings"), &result); err != nil {
				return err
			}

			out := NewOutput(cfg.Output)
			out.Print(result)
			return nil
		},
	}
}

func newSessionsAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id> <phase>",
		Short: "Force a session into a phase (requires API key and server override)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := request.AdvancePhaseRequest{Phase: args[1]}
			var result response.Session

			if err := client.Post(sessionPath(args[0], "/phase"), req, &result); err != nil {
				return err
			}

			printLive(args[0], result)
			return nil
		},
	}
}

func newSessionsCompleteCmd(use, endpoint, short string) *cobra.Command {
	var (
		results     string
		resultsFile string
	)

	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short + " (requires API key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readResults(results, resultsFile)
			if err != nil {
				return err
			}

			req := request.CompleteRequest{Results: raw}
			var result response.Session

			if err := client.Post(sessionPath(args[0], "/"+endpoint), req, &result); err != nil {
				return err
			}

			printLive(args[0], result)
			return nil
		},
	}

	cmd.Flags().StringVar(&results, "results", "", "Results as inline JSON")
	cmd.Flags().StringVar(&resultsFile, "results-file", "", "Path to a JSON results file")
	cmd.MarkFlagsMutuallyExclusive("results", "results-file")

	return cmd
}

// readResults returns the results document, or nil when none was given
func readResults(inline, path string) (json.RawMessage, error) {
	data := []byte(inline)
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read results file: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("results must be valid JSON")
	}
	return json.RawMessage(data), nil
}

// printLive prints the session a mutation returned. An empty body means the
// session emptied out and was removed.
func printLive(id string, s response.Session) {
	out := NewOutput(cfg.Output)
	if s.ID == "" {
		out.PrintMessage(fmt.Sprintf("Session %s is no longer live", id))
		return
	}
	out.Print(s)
}
