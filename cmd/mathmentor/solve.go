package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/spf13/cobra"
)

func newSolveCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "solve [problem]",
		Short: "Solve a problem and print the result",
		Long: `Solve a problem through the full pipeline. The result is stored and can
be rated with "mathmentor feedback".

Examples:
  mathmentor solve "If 2x + 5 = 13, find x"
  echo "Differentiate x^3" | mathmentor solve -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readProblem(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, wiring{pipeline: true, events: true, stderrLogs: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			res := a.pipeline.Solve(ctx, text)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res)
			if res.Status == problem.StatusError {
				return errors.New(res.ErrorMessage)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func readProblem(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printResult(w io.Writer, res problem.Result) {
	fmt.Fprintf(w, "Status: %s\n", res.Status)
	if res.Problem.Category != "" {
		fmt.Fprintf(w, "Topic:  %s\n", res.Problem.Category)
	}
	if sol := res.Solution; sol != nil {
		fmt.Fprintln(w)
		for _, st := range sol.Steps {
			fmt.Fprintf(w, "%d. %s\n", st.Index, st.Action)
			if st.Result != "" {
				fmt.Fprintf(w, "   => %s\n", st.Result)
			}
		}
		fmt.Fprintf(w, "\nAnswer: %s\n", sol.FinalAnswer)
	}
	if v := res.Verification; v != nil {
		fmt.Fprintf(w, "Verified: %t (%s, confidence %.2f)\n", v.IsCorrect, v.Path, v.Confidence)
	}
	if res.Explanation != nil {
		fmt.Fprintf(w, "\n%s\n", res.Explanation.Summary)
	}
	if res.HITLReason != "" {
		fmt.Fprintf(w, "\nNeeds review: %s\n", res.HITLReason)
	}
	if res.ErrorMessage != "" {
		fmt.Fprintf(w, "\nError: %s\n", res.ErrorMessage)
	}
	if res.InteractionID > 0 {
		fmt.Fprintf(w, "\nInteraction: %d\n", res.InteractionID)
	}
	if res.PersistenceWarning != "" {
		fmt.Fprintf(w, "Warning: %s\n", res.PersistenceWarning)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFeedbackCmd() *cobra.Command {
	var comment, corrected string
	cmd := &cobra.Command{
		Use:   "feedback <interaction-id> <correct|partial|incorrect>",
		Short: "Rate a solved problem",
		Example: `  mathmentor feedback 12 incorrect --comment "sign error in step 2" --corrected "x = -4"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid interaction id %q", args[0])
			}
			ft, err := problem.ParseFeedbackType(args[1])
			if err != nil {
				return err
			}
			if ft == problem.FeedbackNone {
				return problem.ErrInvalidFeedback
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, wiring{store: true, events: true, stderrLogs: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			err = a.store.RecordFeedback(ctx, id, feedback.FeedbackInput{
				Type:              ft,
				Comment:           comment,
				CorrectedSolution: corrected,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s feedback for interaction %d\n", ft, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "free-form comment")
	cmd.Flags().StringVar(&corrected, "corrected", "", "the correct solution")
	return cmd
}

func newIngestCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "ingest [dir]",
		Short: "Load markdown knowledge files into the vector index",
		Long: `Load markdown knowledge files into the vector index. Re-ingesting a file
replaces its chunks. The directory defaults to retrieval.knowledge_dir.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, wiring{store: true, stderrLogs: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			dir := a.cfg.Retrieval.KnowledgeDir
			if len(args) == 1 {
				dir = args[0]
			}
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("knowledge directory: %w", err)
			}

			in := a.ingester()
			report, err := in.IngestDir(ctx, dir)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s for changes\n", dir)
			if err := in.Watch(ctx, dir); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and re-ingest files as they change")
	return cmd
}

func newRepairCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Index interactions whose embedding is still pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, wiring{store: true, stderrLogs: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			if limit <= 0 {
				limit = a.cfg.Repair.BatchSize
			}
			report, err := a.store.Repair(ctx, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, repaired %d, failed %d in %s\n",
				report.Scanned, report.Repaired, report.Failed, report.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to repair (default repair.batch_size)")
	return cmd
}
