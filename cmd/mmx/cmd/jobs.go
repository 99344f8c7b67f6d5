package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/pkg/models"
)

var (
	// Job submit flags
	jobCodeRef     string
	jobCommand     string
	jobInputs      []string
	jobEnvironment string
	jobCompute     string
	jobModelName   string
	jobAwait       bool
	jobTimeout     time.Duration
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage training jobs",
	Long:  `Commands for submitting, listing and managing training jobs on the control plane.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a training job",
	Long: `Submit a training job. Inputs are name=value pairs; values with a
scheme (file://, https://) are treated as data references, everything else as
literals. The command template may reference inputs as ${{inputs.<name>}}.`,
	RunE: runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Get one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsAwaitCmd = &cobra.Command{
	Use:   "await <job-id>",
	Short: "Wait for a job to finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAwait,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsGetCmd, jobsAwaitCmd, jobsCancelCmd)

	jobsSubmitCmd.Flags().StringVar(&jobCodeRef, "code", "./src", "code reference")
	jobsSubmitCmd.Flags().StringVar(&jobCommand, "command", "", "command template (required)")
	jobsSubmitCmd.Flags().StringArrayVar(&jobInputs, "input", nil, "job input as name=value (repeatable)")
	jobsSubmitCmd.Flags().StringVar(&jobEnvironment, "environment", "", "environment reference")
	jobsSubmitCmd.Flags().StringVar(&jobCompute, "compute", models.ComputeTargetServerless, "compute target")
	jobsSubmitCmd.Flags().StringVar(&jobModelName, "model-name", "", "logical model name for the produced artifact")
	jobsSubmitCmd.Flags().BoolVar(&jobAwait, "await", false, "wait for the job to finish")
	jobsSubmitCmd.Flags().DurationVar(&jobTimeout, "timeout", 30*time.Minute, "wait timeout with --await")
	jobsSubmitCmd.MarkFlagRequired("command")

	jobsAwaitCmd.Flags().DurationVar(&jobTimeout, "timeout", 30*time.Minute, "wait timeout")
}

func parseInputs(pairs []string) (map[string]models.Input, error) {
	inputs := make(map[string]models.Input, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid input %q, expected name=value", pair)
		}
		if strings.Contains(value, "://") {
			inputs[name] = models.Input{DataRef: value}
		} else {
			inputs[name] = models.Input{Literal: value}
		}
	}
	return inputs, nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	inputs, err := parseInputs(jobInputs)
	if err != nil {
		return err
	}

	spec := models.JobSpec{
		CodeRef:       jobCodeRef,
		Command:       jobCommand,
		Inputs:        inputs,
		Environment:   jobEnvironment,
		ComputeTarget: jobCompute,
		ModelName:     jobModelName,
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := callAPI("POST", "/jobs", spec, &created); err != nil {
		return err
	}

	if !jobAwait {
		fmt.Printf("Job submitted: %s\n", created.ID)
		return nil
	}
	return awaitAndPrintJob(created.ID)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	var jobs []models.Job
	if err := callAPI("GET", "/jobs", nil, &jobs); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(jobs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Status", "Compute", "Model", "Submitted", "Artifact")
	for _, job := range jobs {
		table.Append(
			job.ID,
			string(job.Status),
			job.Spec.ComputeTarget,
			job.Spec.ModelName,
			job.SubmittedAt.Format(time.RFC3339),
			job.ArtifactRef,
		)
	}
	table.Render()
	return nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	var job models.Job
	if err := callAPI("GET", "/jobs/"+url.PathEscape(args[0]), nil, &job); err != nil {
		return err
	}
	return printJob(&job)
}

func runJobsAwait(cmd *cobra.Command, args []string) error {
	return awaitAndPrintJob(args[0])
}

func awaitAndPrintJob(id string) error {
	var job models.Job
	path := fmt.Sprintf("/jobs/%s/await?timeout=%s", url.PathEscape(id), jobTimeout)
	if err := callAPI("GET", path, nil, &job); err != nil {
		return err
	}
	return printJob(&job)
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	if err := callAPI("POST", "/jobs/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Cancellation requested for job %s\n", args[0])
	return nil
}

func printJob(job *models.Job) error {
	if IsJSONOutput() {
		return printJSON(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", job.ID)
	table.Append("Status", string(job.Status))
	table.Append("Command", job.Spec.Command)
	table.Append("Compute", job.Spec.ComputeTarget)
	table.Append("Submitted", job.SubmittedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started", job.StartedAt.Format(time.RFC3339))
	}
	if job.EndedAt != nil {
		table.Append("Ended", job.EndedAt.Format(time.RFC3339))
	}
	if job.ArtifactRef != "" {
		table.Append("Artifact", job.ArtifactRef)
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Render()
	return nil
}
