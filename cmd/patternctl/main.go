// Package main implements patternctl, the operator CLI for the patternd
// management API.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/patternd/internal/engine"
	httpserver "github.com/fyrsmithlabs/patternd/internal/http"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags.
type options struct {
	server  string
	timeout time.Duration
}

func (o *options) client() *client {
	return newClient(o.server, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "patternctl",
		Short: "CLI for the patternd management API",
		Long: `patternctl inspects and curates the patterns a patternd daemon has learned.

It lists and disables patterns, records operator feedback, resolves
execution outcomes and closes conversations a human has handled.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:9090", "patternd server URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(opts),
		newStatusCmd(opts),
		newPatternsCmd(opts),
		newFeedbackCmd(opts),
		newExecutionsCmd(opts),
		newOutcomeCmd(opts),
		newCloseCmd(opts),
	)
	return root
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check patternd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.HealthResponse
			if err := opts.client().get(cmd.Context(), "/health", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", statusColor(resp.Status))
			fmt.Fprintf(out, "Server URL: %s\n", opts.server)
			return nil
		},
	}
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pattern counts and feature flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st httpserver.StatusResponse
			if err := opts.client().get(cmd.Context(), "/api/v1/status", nil, &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), &st)
			return nil
		},
	}
}

func newPatternsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List, inspect and disable patterns",
	}

	var (
		category  string
		status    string
		matchable bool
		limit     int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List patterns",
		Long: `List patterns, highest confidence first.

Examples:
  # Patterns about door access
  patternctl patterns list --category access

  # Only patterns the matcher can use
  patternctl patterns list --matchable`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if category != "" {
				q.Set("category", category)
			}
			if status != "" {
				q.Set("status", status)
			}
			if matchable {
				q.Set("matchable", "true")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var resp httpserver.PatternList
			if err := opts.client().get(cmd.Context(), "/api/v1/patterns", q, &resp); err != nil {
				return err
			}
			printPatterns(cmd.OutOrStdout(), resp.Patterns)
			return nil
		},
	}
	list.Flags().StringVar(&category, "category", "", "filter by category")
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().BoolVar(&matchable, "matchable", false, "only enabled, non-deprecated patterns")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of patterns (server default 100)")

	get := &cobra.Command{
		Use:   "get <pattern-id>",
		Short: "Show one pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p pattern.Pattern
			if err := opts.client().get(cmd.Context(), "/api/v1/patterns/"+url.PathEscape(args[0]), nil, &p); err != nil {
				return err
			}
			printPattern(cmd.OutOrStdout(), &p)
			return nil
		},
	}

	disable := &cobra.Command{
		Use:   "disable <pattern-id>",
		Short: "Disable a pattern so it is never matched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p pattern.Pattern
			if err := opts.client().post(cmd.Context(), "/api/v1/patterns/"+url.PathEscape(args[0])+"/disable", nil, &p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pattern %s disabled\n", color.YellowString("!"), p.ID)
			return nil
		},
	}

	cmd.AddCommand(list, get, disable)
	return cmd
}

func newFeedbackCmd(opts *options) *cobra.Command {
	var helpful, unhelpful bool
	cmd := &cobra.Command{
		Use:   "feedback <pattern-id>",
		Short: "Record operator feedback on a pattern",
		Long: `Record whether a pattern's response was helpful. Helpful feedback raises
confidence like a success; unhelpful feedback lowers it like a failure.

Examples:
  patternctl feedback 6f1c... --helpful
  patternctl feedback 6f1c... --unhelpful`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if helpful == unhelpful {
				return errors.New("exactly one of --helpful or --unhelpful is required")
			}
			var p pattern.Pattern
			req := httpserver.FeedbackRequest{Helpful: &helpful}
			if err := opts.client().post(cmd.Context(), "/api/v1/patterns/"+url.PathEscape(args[0])+"/feedback", req, &p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s confidence now %s\n", color.GreenString("✓"), confidenceColor(p.Confidence))
			return nil
		},
	}
	cmd.Flags().BoolVar(&helpful, "helpful", false, "the response helped")
	cmd.Flags().BoolVar(&unhelpful, "unhelpful", false, "the response did not help")
	return cmd
}

func newExecutionsCmd(opts *options) *cobra.Command {
	var (
		patternID      string
		conversationID string
		unresolved     bool
		limit          int
	)
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List execution records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if patternID != "" {
				q.Set("pattern_id", patternID)
			}
			if conversationID != "" {
				q.Set("conversation_id", conversationID)
			}
			if unresolved {
				q.Set("unresolved", "true")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var resp httpserver.ExecutionList
			if err := opts.client().get(cmd.Context(), "/api/v1/executions", q, &resp); err != nil {
				return err
			}
			printExecutions(cmd.OutOrStdout(), resp.Executions)
			return nil
		},
	}
	cmd.Flags().StringVar(&patternID, "pattern", "", "filter by pattern id")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "filter by conversation id")
	cmd.Flags().BoolVar(&unresolved, "unresolved", false, "only records without an outcome")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of records (server default 100)")
	return cmd
}

func newOutcomeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "outcome <execution-id> <success|failure|modified|unknown>",
		Short: "Resolve an execution's outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome := pattern.Outcome(args[1])
			if !outcome.Valid() {
				return fmt.Errorf("unknown outcome %q", args[1])
			}
			var p pattern.Pattern
			req := httpserver.OutcomeRequest{Outcome: outcome}
			if err := opts.client().post(cmd.Context(), "/api/v1/executions/"+url.PathEscape(args[0])+"/outcome", req, &p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pattern %s confidence now %s\n",
				color.GreenString("✓"), p.ID, confidenceColor(p.Confidence))
			return nil
		},
	}
}

func newCloseCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <conversation-id>",
		Short: "Close a conversation, e.g. a resolved escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var closed engine.Closed
			req := httpserver.CloseConversationRequest{Reason: reason}
			if err := opts.client().post(cmd.Context(), "/api/v1/conversations/"+url.PathEscape(args[0])+"/close", req, &closed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s conversation %s closed (was %s, reason %s)\n",
				color.GreenString("✓"), closed.ConversationID, closed.PreviousPhase, closed.Reason)
			if closed.DiscardedExecutionID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  pending action %s discarded\n", closed.DiscardedExecutionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "resolved", "close reason")
	return cmd
}

func printStatus(w io.Writer, st *httpserver.StatusResponse) {
	fmt.Fprintf(w, "Status:  %s\n", statusColor(st.Status))
	if st.Version != "" {
		fmt.Fprintf(w, "Version: %s\n", st.Version)
	}
	c := st.Counts
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nPATTERNS\tMATCHABLE\tAUTO\tVERIFIED\tDEPRECATED\tGOLD")
	fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\n", c.Patterns, c.Matchable, c.AutoExecutable, c.Verified, c.Deprecated, c.GoldStandard)
	fmt.Fprintln(tw, "\nEXECUTIONS\tUNRESOLVED\tCONVERSATIONS\tEXPERIMENTS")
	fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", c.Executions, c.Unresolved, c.ActiveConversations, c.ActiveExperiments)
	_ = tw.Flush()

	f := st.Flags
	fmt.Fprintf(w, "\nFlags: enabled=%s shadow_mode=%s auto_send=%s auto_action=%s learning=%s\n",
		onOff(f.Enabled), onOff(f.ShadowMode), onOff(f.AutoSend), onOff(f.AutoAction), onOff(f.Learning))
}

func printPatterns(w io.Writer, patterns []*pattern.Pattern) {
	if len(patterns) == 0 {
		fmt.Fprintln(w, "No patterns.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tSTATUS\tCONF\tAUTO\tUSES\tTRIGGER")
	for _, p := range patterns {
		status := string(p.Status)
		if !p.Enabled {
			status += " (disabled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			p.ID, p.Category, status, confidenceColor(p.Confidence), onOff(p.AutoExecutable), p.UsageCount, truncate(p.TriggerText, 48))
	}
	_ = tw.Flush()
}

func printPattern(w io.Writer, p *pattern.Pattern) {
	fmt.Fprintf(w, "ID:          %s\n", p.ID)
	fmt.Fprintf(w, "Trigger:     %s\n", p.TriggerText)
	fmt.Fprintf(w, "Response:    %s\n", p.ResponseTemplate)
	if p.Action != nil && p.Action.Type != pattern.ActionNone {
		fmt.Fprintf(w, "Action:      %s\n", p.Action.Type)
	}
	fmt.Fprintf(w, "Category:    %s\n", p.Category)
	fmt.Fprintf(w, "Status:      %s (enabled=%s)\n", p.Status, onOff(p.Enabled))
	fmt.Fprintf(w, "Confidence:  %s (auto=%s)\n", confidenceColor(p.Confidence), onOff(p.AutoExecutable))
	fmt.Fprintf(w, "Usage:       %d uses, %d successes, %d failures\n", p.UsageCount, p.SuccessCount, p.FailureCount)
	if p.MergedInto != "" {
		fmt.Fprintf(w, "Merged into: %s\n", p.MergedInto)
	}
}

func printExecutions(w io.Writer, recs []*pattern.ExecutionRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No executions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATTERN\tCONVERSATION\tTAKEN\tOUTCOME\tCONF\tMATCHED")
	for _, r := range recs {
		outcome := string(r.Outcome)
		if !r.Resolved() {
			outcome = color.YellowString("pending")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			r.ID, r.PatternID, r.ConversationID, r.ActionTaken, outcome, r.ConfidenceAtTime, r.MatchedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func statusColor(s string) string {
	if s == "ok" {
		return color.GreenString(s)
	}
	return color.RedString(s)
}

func confidenceColor(c float64) string {
	s := fmt.Sprintf("%.2f", c)
	switch {
	case c >= 0.9:
		return color.GreenString(s)
	case c >= 0.6:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
