package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/pkg/models"
)

var (
	modelArtifactRef string
	modelSourceJob   string
)

// modelsCmd represents the models command
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage the model registry",
	Long:  `Commands for registering and inspecting model versions.`,
}

var modelsRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register the next version of a model",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsRegister,
}

var modelsListCmd = &cobra.Command{
	Use:   "list <name>",
	Short: "List all versions of a model",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsList,
}

var modelsGetCmd = &cobra.Command{
	Use:   "get <name> <version>",
	Short: "Get one model version",
	Args:  cobra.ExactArgs(2),
	RunE:  runModelsGet,
}

var modelsLatestCmd = &cobra.Command{
	Use:   "latest <name>",
	Short: "Get the latest version of a model",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelsLatest,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsRegisterCmd, modelsListCmd, modelsGetCmd, modelsLatestCmd)

	modelsRegisterCmd.Flags().StringVar(&modelArtifactRef, "artifact", "", "artifact reference (required)")
	modelsRegisterCmd.Flags().StringVar(&modelSourceJob, "job", "", "source job id")
	modelsRegisterCmd.MarkFlagRequired("artifact")
}

func runModelsRegister(cmd *cobra.Command, args []string) error {
	var rec models.ModelRecord
	err := callAPI("POST", "/models/"+url.PathEscape(args[0])+"/versions", map[string]string{
		"artifact_ref":  modelArtifactRef,
		"source_job_id": modelSourceJob,
	}, &rec)
	if err != nil {
		return err
	}

	fmt.Printf("Registered %s version %d\n", rec.Name, rec.Version)
	return nil
}

func runModelsList(cmd *cobra.Command, args []string) error {
	var recs []models.ModelRecord
	if err := callAPI("GET", "/models/"+url.PathEscape(args[0])+"/versions", nil, &recs); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(recs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Version", "Artifact", "Source Job", "Registered")
	for _, rec := range recs {
		table.Append(
			rec.Name,
			strconv.Itoa(rec.Version),
			rec.ArtifactRef,
			rec.SourceJobID,
			rec.RegisteredAt.Format(time.RFC3339),
		)
	}
	table.Render()
	return nil
}

func runModelsGet(cmd *cobra.Command, args []string) error {
	if _, err := strconv.Atoi(args[1]); err != nil {
		return fmt.Errorf("version must be an integer, got %q", args[1])
	}

	var rec models.ModelRecord
	path := "/models/" + url.PathEscape(args[0]) + "/versions/" + args[1]
	if err := callAPI("GET", path, nil, &rec); err != nil {
		return err
	}
	return printModel(&rec)
}

func runModelsLatest(cmd *cobra.Command, args []string) error {
	var rec models.ModelRecord
	if err := callAPI("GET", "/models/"+url.PathEscape(args[0])+"/latest", nil, &rec); err != nil {
		return err
	}
	return printModel(&rec)
}

func printModel(rec *models.ModelRecord) error {
	if IsJSONOutput() {
		return printJSON(rec)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Name", rec.Name)
	table.Append("Version", strconv.Itoa(rec.Version))
	table.Append("Artifact", rec.ArtifactRef)
	table.Append("Source Job", rec.SourceJobID)
	table.Append("Registered", rec.RegisteredAt.Format(time.RFC3339))
	table.Render()
	return nil
}
