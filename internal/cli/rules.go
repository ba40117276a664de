package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/ruleset"
	"github.com/roach88/curator/internal/simulate"
)

// NewRulesCommand groups the ruleset and rule version commands.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage rulesets and rule versions",
	}
	cmd.AddCommand(newRulesListCommand(rootOpts))
	cmd.AddCommand(newRulesCreateCommand(rootOpts))
	cmd.AddCommand(newRulesSetEnabledCommand(rootOpts, true))
	cmd.AddCommand(newRulesSetEnabledCommand(rootOpts, false))
	cmd.AddCommand(newRulesVersionsCommand(rootOpts))
	cmd.AddCommand(newRulesAddCommand(rootOpts))
	cmd.AddCommand(newRulesActivateCommand(rootOpts))
	cmd.AddCommand(newRulesTestCommand(rootOpts))
	cmd.AddCommand(newRulesSimulateCommand(rootOpts))
	cmd.AddCommand(newRulesConflictsCommand(rootOpts))
	cmd.AddCommand(newRulesExportCommand(rootOpts))
	cmd.AddCommand(newRulesImportCommand(rootOpts))
	return cmd
}

var clock ingest.Clock = ingest.SystemClock{}

func parseVersionID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid rule version id %q", s))
	}
	return id, nil
}

// readRuleDocument parses a rule document file. YAML files are converted
// to JSON before schema validation.
func readRuleDocument(path string) (*rules.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read rule document", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to parse YAML", err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to convert YAML", err)
		}
	}
	return rules.Parse(data)
}

// RulesetList lists rulesets.
type RulesetList struct {
	Rulesets []model.Ruleset `json:"rulesets"`
}

func (r RulesetList) WriteText(w io.Writer) error {
	if len(r.Rulesets) == 0 {
		_, err := fmt.Fprintln(w, "No rulesets.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENABLED\tACTIVE VERSION")
	for _, rs := range r.Rulesets {
		active := "-"
		if rs.ActiveVersionID != nil {
			active = strconv.FormatInt(*rs.ActiveVersionID, 10)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\n", rs.Name, rs.IsActive, active)
	}
	return tw.Flush()
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rulesets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.store.ListRulesets(ctx)
			if err != nil {
				return out.Fail("list failed", err)
			}
			if list == nil {
				list = []model.Ruleset{}
			}
			return out.Success(RulesetList{Rulesets: list})
		},
	}
}

func newRulesCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty ruleset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			name := strings.TrimSpace(args[0])
			if name == "" {
				return NewExitError(ExitCommandError, "ruleset name is required")
			}
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			rs, err := e.store.CreateRuleset(ctx, name, clock.Now())
			if err != nil {
				return out.Fail("create failed", err)
			}
			if out.Format == "json" {
				return out.Success(rs)
			}
			return out.Success(fmt.Sprintf("Created ruleset %s", rs.Name))
		},
	}
}

func newRulesSetEnabledCommand(rootOpts *RootOptions, enabled bool) *cobra.Command {
	use, short := "disable <name>", "Disable a ruleset; classification stops using it"
	if enabled {
		use, short = "enable <name>", "Enable a ruleset"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.SetRulesetActive(ctx, args[0], enabled); err != nil {
				return out.Fail("update failed", err)
			}
			rs, err := e.store.GetRuleset(ctx, args[0])
			if err != nil {
				return out.Fail("update failed", err)
			}
			return out.Success(RulesetList{Rulesets: []model.Ruleset{*rs}})
		},
	}
}

// VersionList lists a ruleset's versions.
type VersionList struct {
	Versions []model.RuleVersion `json:"versions"`
}

func (r VersionList) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRULESET\tVERSION\tACTIVE\tCHECKSUM")
	for _, v := range r.Versions {
		mark := ""
		if v.IsActive {
			mark = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", v.ID, v.RulesetName, v.VersionNo, mark, shortChecksum(v.Checksum))
	}
	return tw.Flush()
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func newRulesVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <ruleset>",
		Short: "List a ruleset's versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			versions, err := e.store.ListVersions(ctx, args[0])
			if err != nil {
				return out.Fail("list failed", err)
			}
			if versions == nil {
				versions = []model.RuleVersion{}
			}
			return out.Success(VersionList{Versions: versions})
		},
	}
}

func newRulesAddCommand(rootOpts *RootOptions) *cobra.Command {
	var activate bool
	cmd := &cobra.Command{
		Use:   "add <ruleset> <rules.json|rules.yaml>",
		Short: "Add a rule version from a file",
		Long: `Validate a rule document and store it as the next version of a ruleset.

Example:
  curator rules add default rules.yaml --activate`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			doc, err := readRuleDocument(args[1])
			if err != nil {
				var exitErr *ExitError
				if errors.As(err, &exitErr) {
					return err
				}
				return out.Fail("invalid rule document", err)
			}

			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			now := clock.Now()
			v, err := e.store.CreateVersion(ctx, args[0], doc, now)
			if err != nil {
				return out.Fail("add failed", err)
			}
			if activate {
				if v, err = e.store.ActivateVersion(ctx, v.ID, now); err != nil {
					return out.Fail("activate failed", err)
				}
			}
			return out.Success(VersionList{Versions: []model.RuleVersion{*v}})
		},
	}
	cmd.Flags().BoolVar(&activate, "activate", false, "make the new version active")
	return cmd
}

func newRulesActivateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <version-id>",
		Short: "Make a rule version the active one of its ruleset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			v, err := e.store.ActivateVersion(ctx, id, clock.Now())
			if err != nil {
				return out.Fail("activate failed", err)
			}
			return out.Success(VersionList{Versions: []model.RuleVersion{*v}})
		},
	}
}

// EvaluationResult is a dry-run classification.
type EvaluationResult struct {
	VersionID int64        `json:"version_id"`
	Result    rules.Result `json:"result"`
}

func (r EvaluationResult) WriteText(w io.Writer) error {
	res := r.Result
	fmt.Fprintf(w, "Category:   %s\n", res.Category)
	fmt.Fprintf(w, "Matched:    %s", res.Matched.Kind)
	if res.Matched.Keyword != "" {
		fmt.Fprintf(w, " (%s: %s)", res.Matched.Field, res.Matched.Keyword)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tags:       %s\n", strings.Join(res.Tags, ", "))
	if res.EventDate != "" {
		fmt.Fprintf(w, "Event date: %s\n", res.EventDate)
	}
	if res.ReviewNeeded {
		fmt.Fprintf(w, "Review:     %s\n", strings.Join(res.ReviewReasons, ", "))
	}
	return nil
}

func newRulesTestCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		f        rules.Features
		bodyFile string
	)
	cmd := &cobra.Command{
		Use:   "test <version-id>",
		Short: "Classify sample features without storing anything",
		Long: `Evaluate a rule version against features given as flags.

Example:
  curator rules test 3 --title "주간 회의" --body-file minutes.txt --tag project:alpha`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read body file", err)
				}
				f.Body = string(b)
			}

			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			v, err := e.store.GetVersion(ctx, id)
			if err != nil {
				return out.Fail("test failed", err)
			}
			return out.Success(EvaluationResult{VersionID: v.ID, Result: rules.Evaluate(v.Rules, f)})
		},
	}
	cmd.Flags().StringVar(&f.Title, "title", "", "title")
	cmd.Flags().StringVar(&f.Description, "description", "", "description")
	cmd.Flags().StringVar(&f.Filename, "filename", "", "filename")
	cmd.Flags().StringVar(&f.Body, "body", "", "body text")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read the body from a file")
	cmd.Flags().StringSliceVar(&f.Tags, "tag", nil, "source tag (repeatable)")
	cmd.Flags().StringVar(&f.EventDate, "event-date", "", "declared event date (YYYY-MM-DD)")
	return cmd
}

// SimulationResult wraps a simulation report for rendering.
type SimulationResult struct {
	*simulate.Report
}

func (r SimulationResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Candidate: %d", r.CandidateVersionID)
	if r.BaselineVersionID != 0 {
		fmt.Fprintf(w, "  Baseline: %d", r.BaselineVersionID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Documents: %d  Changed: %d  Unchanged: %d\n", r.Total, r.Changed, r.Unchanged)
	if r.Matching > r.Total {
		fmt.Fprintf(w, "Limited: %d of %d matching documents simulated\n", r.Total, r.Matching)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range r.Samples {
		if !s.Changed {
			continue
		}
		fmt.Fprintf(tw, "  %s\t%s -> %s\t%s\n", s.DocumentID, s.Current.Category, s.Predicted.Category, strings.Join(s.ChangedFields, ","))
	}
	return tw.Flush()
}

func addFilterFlags(cmd *cobra.Command, f *model.DocumentFilter) {
	cmd.Flags().StringVar(&f.Category, "category", "", "only documents in this category")
	cmd.Flags().StringVar(&f.DateFrom, "date-from", "", "only documents with event date on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.DateTo, "date-to", "", "only documents with event date on or before (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&f.ReviewOnly, "review-only", false, "only documents pending review")
}

func newRulesSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	var req simulate.Request
	cmd := &cobra.Command{
		Use:   "simulate <version-id>",
		Short: "Predict how a rule version would reclassify stored documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			req.Candidate = id

			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := simulate.NewEngine(e.store, e.logger).Run(ctx, req)
			if err != nil {
				return out.Fail("simulation failed", err)
			}
			return out.Success(SimulationResult{Report: report})
		},
	}
	cmd.Flags().Int64Var(&req.Baseline, "baseline", 0, "baseline version id (default: the active version)")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "maximum documents to evaluate")
	cmd.Flags().IntVar(&req.BatchSize, "batch-size", 0, "documents read per batch")
	addFilterFlags(cmd, &req.Filter)
	return cmd
}

// ConflictList is the keyword overlap report of a version.
type ConflictList struct {
	VersionID int64            `json:"version_id"`
	Conflicts []rules.Conflict `json:"conflicts"`
}

func (r ConflictList) WriteText(w io.Writer) error {
	if len(r.Conflicts) == 0 {
		_, err := fmt.Fprintln(w, "No conflicts.")
		return err
	}
	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "%s %q: %s (winner %s)\n", c.Field, c.Keyword, strings.Join(c.Categories, ", "), c.Winner)
	}
	return nil
}

func newRulesConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <version-id>",
		Short: "List keywords claimed by more than one category rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			v, err := e.store.GetVersion(ctx, id)
			if err != nil {
				return out.Fail("conflicts failed", err)
			}
			conflicts := rules.DetectConflicts(v.Rules)
			if conflicts == nil {
				conflicts = []rules.Conflict{}
			}
			return out.Success(ConflictList{VersionID: v.ID, Conflicts: conflicts})
		},
	}
}

func newRulesExportCommand(rootOpts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <ruleset>",
		Short: "Write a ruleset bundle with every version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			bundle, err := ruleset.Export(ctx, e.store, args[0])
			if err != nil {
				return out.Fail("export failed", err)
			}
			data, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return WrapExitError(ExitFailure, "failed to encode bundle", err)
			}
			if output == "" || output == "-" {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
				return WrapExitError(ExitCommandError, "failed to write bundle", err)
			}
			return out.Success(fmt.Sprintf("Exported %s (%d versions) to %s", bundle.Name, len(bundle.Versions), output))
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func newRulesImportCommand(rootOpts *RootOptions) *cobra.Command {
	var rename string
	cmd := &cobra.Command{
		Use:   "import <bundle.json>",
		Short: "Import a ruleset bundle, verifying every checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			data, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read bundle", err)
			}
			bundle, err := ruleset.Decode(data)
			if err != nil {
				return out.Fail("invalid bundle", err)
			}

			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			rs, err := ruleset.Import(ctx, e.store, bundle, rename, clock.Now())
			if err != nil {
				return out.Fail("import failed", err)
			}
			return out.Success(RulesetList{Rulesets: []model.Ruleset{*rs}})
		},
	}
	cmd.Flags().StringVar(&rename, "rename", "", "import under a different ruleset name")
	return cmd
}
