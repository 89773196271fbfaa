package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// run command flags
	runTaskDesc   string
	runTaskFile   string
	runOutputJSON bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runResumeCmd)
	runCmd.AddCommand(runStepCmd)

	runCmd.PersistentFlags().BoolVar(&runOutputJSON, "json", false, "Output results as JSON")
	runStartCmd.Flags().StringVarP(&runTaskDesc, "description", "d", "", "Feature description (alternative to the positional argument)")
	runStartCmd.Flags().StringVar(&runTaskFile, "file", "", "Read the feature description from a file instead of the argument ('-' for stdin)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage workflow runs",
	Long: `Manage workflow runs on the quorumd daemon.

A run carries one feature description through the analysis, design,
finalization and implementation phases. Each phase fans the task out to the
configured reviewer personas; conflicts between their outputs are resolved
by precedence or escalated to a human on the run's pull request.

Examples:
  # Start a run
  qrm run start "Add rate limiting to the public API"

  # Inspect a run
  qrm run status run_9f3a2b1c

  # Resume a paused or failed run
  qrm run resume run_9f3a2b1c`,
}

var runStartCmd = &cobra.Command{
	Use:   "start [description]",
	Short: "Start a new workflow run",
	Long: `Start a new workflow run from a feature description.

The daemon checkpoints the run and drives it through its phases in the
background; the command returns as soon as the run is admitted.

Examples:
  # Start from an argument
  qrm run start "Add rate limiting to the public API"

  # Start from a flag
  qrm run start -d "Add rate limiting to the public API"

  # Start from a file
  qrm run start --file feature.md

  # Start from stdin
  cat feature.md | qrm run start --file -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRunStart,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow runs",
	Long: `List every run known to the daemon, most recently updated first.

Examples:
  # List runs
  qrm run list

  # List runs as JSON
  qrm run list --json`,
	RunE: runRunList,
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's phase, status and open conflicts",
	Long: `Show one run's current phase, status, pull request and any open
escalated conflicts awaiting a human decision.

Examples:
  # Show a run
  qrm run status run_9f3a2b1c

  # Show a run as JSON
  qrm run status run_9f3a2b1c --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRunStatus,
}

var runResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused or failed run",
	Long: `Resume a run from its latest checkpoint.

Paused runs re-evaluate their exit predicate; failed runs restart the phase
the failure interrupted. Completed runs cannot be resumed.

Examples:
  # Resume a run
  qrm run resume run_9f3a2b1c`,
	Args: cobra.ExactArgs(1),
	RunE: runRunResume,
}

var runStepCmd = &cobra.Command{
	Use:   "step <run-id> <phase>",
	Short: "Execute one phase without advancing the run",
	Long: `Execute a single named phase against a run's accumulated context.

The phase's entry action runs and its artifacts are persisted, but no
checkpoint is written and the run's recorded phase does not change. Useful
for debugging persona prompts and conflict detection against real state.

Examples:
  # Re-run the design phase in isolation
  qrm run step run_9f3a2b1c design`,
	Args: cobra.ExactArgs(2),
	RunE: runRunStep,
}

// StartRunRequest matches internal/http/server.go StartRunRequest
type StartRunRequest struct {
	Task string `json:"task"`
}

// StartRunResponse matches internal/http/server.go StartRunResponse
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// StepPhaseRequest matches internal/http/server.go StepPhaseRequest
type StepPhaseRequest struct {
	Phase string `json:"phase"`
}

// ConflictRecord mirrors the open-conflict entries in run status payloads.
type ConflictRecord struct {
	ID       string `json:"id"`
	Phase    string `json:"phase"`
	Question string `json:"question"`
	Severity string `json:"severity"`
}

// RunStatus mirrors the run status payload served by the daemon.
type RunStatus struct {
	RunID         string           `json:"run_id"`
	Task          string           `json:"task"`
	Phase         string           `json:"phase"`
	Status        string           `json:"status"`
	Active        bool             `json:"active"`
	PRNumber      int              `json:"pr_number,omitempty"`
	Error         string           `json:"error,omitempty"`
	OpenConflicts []ConflictRecord `json:"open_conflicts,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// RunListResponse matches internal/http/server.go RunListResponse
type RunListResponse struct {
	Runs []RunStatus `json:"runs"`
}

// runRunStart handles the run start command
func runRunStart(cmd *cobra.Command, args []string) error {
	var task string
	switch {
	case runTaskFile == "-":
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		task = string(content)
	case runTaskFile != "":
		content, err := os.ReadFile(runTaskFile)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", runTaskFile, err)
		}
		task = string(content)
	case runTaskDesc != "":
		task = runTaskDesc
	case len(args) == 1:
		task = args[0]
	default:
		return fmt.Errorf("a feature description argument, -d, or --file is required")
	}

	if strings.TrimSpace(task) == "" {
		return fmt.Errorf("feature description is empty")
	}

	var startResp StartRunResponse
	if err := postJSON("/api/v1/runs", StartRunRequest{Task: task}, &startResp, 30*time.Second); err != nil {
		return err
	}

	if runOutputJSON {
		return outputJSON(startResp)
	}

	fmt.Printf("Run started\n")
	fmt.Printf("ID: %s\n", startResp.RunID)
	fmt.Printf("Watch it with: qrm run status %s\n", startResp.RunID)
	return nil
}

// runRunList handles the run list command
func runRunList(cmd *cobra.Command, args []string) error {
	var listResp RunListResponse
	if err := getJSON("/api/v1/runs", &listResp, 30*time.Second); err != nil {
		return err
	}

	if runOutputJSON {
		return outputJSON(listResp.Runs)
	}

	if len(listResp.Runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPHASE\tSTATUS\tPR\tCONFLICTS\tUPDATED\tTASK")
	for _, r := range listResp.Runs {
		pr := "-"
		if r.PRNumber != 0 {
			pr = fmt.Sprintf("#%d", r.PRNumber)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.RunID,
			r.Phase,
			r.Status,
			pr,
			len(r.OpenConflicts),
			r.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(firstLine(r.Task), 48),
		)
	}
	return w.Flush()
}

// runRunStatus handles the run status command
func runRunStatus(cmd *cobra.Command, args []string) error {
	var status RunStatus
	if err := getJSON("/api/v1/runs/"+args[0], &status, 30*time.Second); err != nil {
		return err
	}

	if runOutputJSON {
		return outputJSON(status)
	}

	printRunStatus(status)
	return nil
}

// runRunResume handles the run resume command
func runRunResume(cmd *cobra.Command, args []string) error {
	var status RunStatus
	if err := postJSON("/api/v1/runs/"+args[0]+"/resume", nil, &status, 30*time.Second); err != nil {
		return err
	}

	if runOutputJSON {
		return outputJSON(status)
	}

	fmt.Printf("Run resumed\n")
	printRunStatus(status)
	return nil
}

// runRunStep handles the run step command
func runRunStep(cmd *cobra.Command, args []string) error {
	var status RunStatus
	req := StepPhaseRequest{Phase: args[1]}
	// Stepping blocks on a full persona round; allow it time to finish.
	if err := postJSON("/api/v1/runs/"+args[0]+"/step", req, &status, 10*time.Minute); err != nil {
		return err
	}

	if runOutputJSON {
		return outputJSON(status)
	}

	fmt.Printf("Stepped %s phase (not recorded)\n", args[1])
	printRunStatus(status)
	return nil
}

// printRunStatus writes a human-readable run summary to stdout.
func printRunStatus(r RunStatus) {
	fmt.Printf("ID: %s\n", r.RunID)
	fmt.Printf("Phase: %s\n", r.Phase)
	fmt.Printf("Status: %s", r.Status)
	if r.Active {
		fmt.Printf(" (active)")
	}
	fmt.Println()
	if r.PRNumber != 0 {
		fmt.Printf("Pull Request: #%d\n", r.PRNumber)
	}
	if r.Error != "" {
		fmt.Printf("Error: %s\n", r.Error)
	}
	fmt.Printf("Created: %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", r.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Task: %s\n", firstLine(r.Task))

	if len(r.OpenConflicts) > 0 {
		fmt.Printf("\nOpen conflicts awaiting a decision:\n")
		for _, c := range r.OpenConflicts {
			fmt.Printf("  %s [%s, %s] %s\n", c.ID, c.Phase, c.Severity, c.Question)
		}
		fmt.Printf("\nAnswer on the pull request with a comment naming the conflict id,\n")
		fmt.Printf("e.g. \"%s: go with the first option\"\n", r.OpenConflicts[0].ID)
	}
}

// firstLine returns the first line of s.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate shortens s to at most n runes, appending an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
