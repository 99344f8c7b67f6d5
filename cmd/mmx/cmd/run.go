package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/orchestrator"
)

var (
	runModelName  string
	runEndpoint   string
	runDeployment string
	runTraffic    int
	runTimeout    time.Duration
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full train-register-deploy pipeline",
	Long: `Submit a training job, wait for it, register the produced model,
provision an endpoint and deployment for it, and route traffic to it. The
job flags match "mmx jobs submit".`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&jobCodeRef, "code", "./src", "code reference")
	runCmd.Flags().StringVar(&jobCommand, "command", "", "command template (required)")
	runCmd.Flags().StringArrayVar(&jobInputs, "input", nil, "job input as name=value (repeatable)")
	runCmd.Flags().StringVar(&jobEnvironment, "environment", "", "environment reference")
	runCmd.Flags().StringVar(&jobCompute, "compute", models.ComputeTargetServerless, "compute target")
	runCmd.Flags().StringVar(&runModelName, "model-name", "", "model name to register under (required)")
	runCmd.Flags().StringVar(&runEndpoint, "endpoint", "", "endpoint name (required)")
	runCmd.Flags().StringVar(&runDeployment, "deployment", "blue", "deployment name")
	runCmd.Flags().IntVar(&runTraffic, "traffic", 100, "traffic percentage for the new deployment")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "training wait timeout")
	runCmd.MarkFlagRequired("command")
	runCmd.MarkFlagRequired("model-name")
	runCmd.MarkFlagRequired("endpoint")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	inputs, err := parseInputs(jobInputs)
	if err != nil {
		return err
	}

	spec := orchestrator.PipelineSpec{
		Job: models.JobSpec{
			CodeRef:       jobCodeRef,
			Command:       jobCommand,
			Inputs:        inputs,
			Environment:   jobEnvironment,
			ComputeTarget: jobCompute,
		},
		ModelName: runModelName,
		Endpoint:  models.EndpointSpec{Name: runEndpoint},
		Deployment: models.DeploymentSpec{
			Name:          runDeployment,
			InstanceCount: 1,
		},
		JobTimeout: runTimeout,
	}
	if runTraffic > 0 {
		spec.Traffic = map[string]int{runDeployment: runTraffic}
	}

	var res orchestrator.Result
	if err := callAPI("POST", "/pipelines", spec, &res); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(res)
	}
	fmt.Printf("Job %s completed\n", res.JobID)
	fmt.Printf("Registered %s version %d\n", res.Model.Name, res.Model.Version)
	fmt.Printf("Deployment %s/%s is serving\n", res.Endpoint, res.Deployment)
	return nil
}
