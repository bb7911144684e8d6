// Command tract-demo is a thin CLI over the trace facade, for poking at
// a tract from a shell. The real CLI surface is a separate collaborator;
// this exists to exercise the library end to end.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	trace "github.com/tract-dev/trace"
	"github.com/tract-dev/trace/internal/telemetry"
)

var (
	flagConfig    string
	flagDB        string
	flagTract     string
	flagTelemetry bool

	telemetryProviders *telemetry.Providers
)

func main() {
	root := &cobra.Command{
		Use:           "tract-demo",
		Short:         "Inspect and mutate a trace context store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "database path (overrides config)")
	root.PersistentFlags().StringVar(&flagTract, "tract", "", "tract id (overrides config)")
	root.PersistentFlags().BoolVar(&flagTelemetry, "telemetry", false, "export LLM spans and token counters to stdout")

	root.AddCommand(
		commitCmd(),
		logCmd(),
		compileCmd(),
		branchCmd(),
		checkoutCmd(),
		resetCmd(),
		annotateCmd(),
		mergeCmd(),
		diffCmd(),
		compressCmd(),
	)

	err := root.Execute()
	if telemetryProviders != nil {
		telemetryProviders.Shutdown(context.Background())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openTract() (*trace.Tract, error) {
	opts, err := trace.LoadOptions(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		opts.DBPath = flagDB
	}
	if flagTract != "" {
		opts.TractID = flagTract
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		opts.APIKey = key
	}
	if flagTelemetry && telemetryProviders == nil {
		providers, err := telemetry.Init(context.Background())
		if err != nil {
			return nil, err
		}
		telemetryProviders = providers
	}
	if telemetryProviders != nil {
		opts.TracerProvider = telemetryProviders.Tracer
		opts.MeterProvider = telemetryProviders.Meter
	}
	return trace.Open(opts)
}

func withTract(fn func(ctx context.Context, t *trace.Tract) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		t, err := openTract()
		if err != nil {
			return err
		}
		defer t.Close()
		return fn(cmd.Context(), t)
	}
}

func commitCmd() *cobra.Command {
	var role, message string
	cmd := &cobra.Command{
		Use:   "commit <text>",
		Short: "Append a dialogue or instruction commit",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&role, "role", "user", "user, assistant, system, or instruction")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		t, err := openTract()
		if err != nil {
			return err
		}
		defer t.Close()

		var content trace.Content
		switch role {
		case "instruction":
			content = trace.Instruction{Text: args[0]}
		case "user", "assistant", "system":
			content = trace.Dialogue{Role: trace.DialogueRole(role), Text: args[0]}
		default:
			return fmt.Errorf("unknown role %q", role)
		}
		info, err := t.Commit(c.Context(), content, trace.CommitOptions{Message: message})
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d tokens)\n", t.ShortHash(info.CommitHash, 8), info.TokenCount)
		return nil
	}
	return cmd
}

func logCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show commit history from HEAD",
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max commits to show")
	cmd.RunE = withTract(func(ctx context.Context, t *trace.Tract) error {
		commits, err := t.Log(ctx, limit)
		if err != nil {
			return err
		}
		for _, c := range commits {
			line := fmt.Sprintf("%s  %-11s %-7s", t.ShortHash(c.CommitHash, 8), c.ContentType, c.Operation)
			if c.Message != "" {
				line += "  " + c.Message
			}
			fmt.Println(line)
		}
		return nil
	})
	return cmd
}

func compileCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "compile [ref]",
		Short: "Compile HEAD (or a ref) into role-tagged messages",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit to_dicts() JSON")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		t, err := openTract()
		if err != nil {
			return err
		}
		defer t.Close()

		var cc *trace.CompiledContext
		if len(args) == 1 {
			cc, err = t.CompileAt(c.Context(), args[0], trace.CompileOptions{})
		} else {
			cc, err = t.Compile(c.Context(), trace.CompileOptions{})
		}
		if err != nil {
			return err
		}
		if asJSON {
			raw, err := json.MarshalIndent(cc.ToDicts(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		}
		for _, m := range cc.Messages {
			fmt.Printf("[%s] %s\n", m.Role, m.Content)
		}
		fmt.Printf("-- %d message(s), %d commit(s), %d tokens\n", len(cc.Messages), cc.CommitCount, cc.TokenCount)
		return nil
	}
	return cmd
}

func branchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch [name]",
		Short: "List branches, or create one at HEAD",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		t, err := openTract()
		if err != nil {
			return err
		}
		defer t.Close()

		if len(args) == 1 {
			return t.CreateBranch(c.Context(), args[0], "")
		}
		branches, err := t.ListBranches(c.Context())
		if err != nil {
			return err
		}
		current, attached, _ := t.CurrentBranch(c.Context())
		for name, tip := range branches {
			marker := "  "
			if attached && name == current {
				marker = "* "
			}
			fmt.Printf("%s%s %s\n", marker, name, t.ShortHash(tip, 8))
		}
		return nil
	}
	return cmd
}

func checkoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <target>",
		Short: "Move HEAD to a branch or commit (\"-\" returns to previous)",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			t, err := openTract()
			if err != nil {
				return err
			}
			defer t.Close()
			return t.Checkout(c.Context(), args[0])
		},
	}
}

func resetCmd() *cobra.Command {
	var hard bool
	cmd := &cobra.Command{
		Use:   "reset <target>",
		Short: "Move HEAD to target, recording ORIG_HEAD",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "signal earlier GC eligibility for unreachable commits")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		t, err := openTract()
		if err != nil {
			return err
		}
		defer t.Close()
		mode := trace.ResetSoft
		if hard {
			mode = trace.ResetHard
		}
		return t.Reset(c.Context(), args[0], mode)
	}
	return cmd
}

func annotateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "annotate <target> <SKIP|NORMAL|IMPORTANT|PINNED>",
		Short: "Append a priority annotation",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the priority changed")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		t, err := openTract()
		if err != nil {
			return err
		}
		defer t.Close()
		return t.Annotate(c.Context(), args[0], trace.Priority(strings.ToUpper(args[1])), reason, nil)
	}
	return cmd
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <branch>",
		Short: "Merge a branch into the current branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			t, err := openTract()
			if err != nil {
				return err
			}
			defer t.Close()
			result, err := t.Merge(c.Context(), args[0], trace.StrategyAuto, nil)
			if err != nil {
				return err
			}
			fmt.Println(result.Status)
			for _, conflict := range result.Conflicts {
				fmt.Printf("  conflict %s at %s: %s\n", conflict.Kind, t.ShortHash(conflict.TargetHash, 8), conflict.Detail)
			}
			return nil
		},
	}
}

func diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff [commit-a] <commit-b>",
		Short: "Diff two commits' compiled messages",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(c *cobra.Command, args []string) error {
			t, err := openTract()
			if err != nil {
				return err
			}
			defer t.Close()
			a, b := "", args[0]
			if len(args) == 2 {
				a, b = args[0], args[1]
			}
			result, err := t.Diff(c.Context(), a, b)
			if err != nil {
				return err
			}
			for _, m := range result.Messages {
				switch m.Status {
				case "insert":
					fmt.Printf("+ %s\n", firstLine(m.After))
				case "delete":
					fmt.Printf("- %s\n", firstLine(m.Before))
				case "replace":
					fmt.Print(m.UnifiedDiff)
				}
			}
			fmt.Printf("-- +%d -%d ~%d, token delta %+d\n", result.Added, result.Removed, result.Modified, result.TokenDelta)
			return nil
		},
	}
}

func compressCmd() *cobra.Command {
	var instructions string
	var targetTokens int
	cmd := &cobra.Command{
		Use:   "compress <from> <to>",
		Short: "Summarize a commit range into one summary commit",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&instructions, "instructions", "", "extra guidance for the summarizer")
	cmd.Flags().IntVar(&targetTokens, "target-tokens", 0, "token bound per summarization batch")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		t, err := openTract()
		if err != nil {
			return err
		}
		defer t.Close()
		result, err := t.Compress(c.Context(), trace.CompressRequest{
			From:         args[0],
			To:           args[1],
			TargetTokens: targetTokens,
			Instructions: instructions,
			Mode:         trace.CompressAutonomous,
		})
		if err != nil {
			return err
		}
		fmt.Printf("summary commit %s (%d group(s))\n", t.ShortHash(result.CommitHash, 8), len(result.Groups))
		return nil
	}
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
