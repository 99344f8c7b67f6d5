package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/pkg/models"
)

var (
	invokeFile       string
	invokeData       string
	invokeDeployment string
	invokeKey        string
)

// invokeCmd represents the invoke command
var invokeCmd = &cobra.Command{
	Use:   "invoke <endpoint>",
	Short: "Score a request against an endpoint",
	Long: `Send a scoring request to an endpoint. The request is JSON in split
orientation: {"columns": [...], "index": [...], "data": [[...], ...]}.
Provide it with --file or inline with --data.`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

func init() {
	rootCmd.AddCommand(invokeCmd)

	invokeCmd.Flags().StringVar(&invokeFile, "file", "", "path to a JSON request file")
	invokeCmd.Flags().StringVar(&invokeData, "data", "", "inline JSON request")
	invokeCmd.Flags().StringVar(&invokeDeployment, "deployment", "", "pin the request to one deployment")
	invokeCmd.Flags().StringVar(&invokeKey, "key", "", "endpoint invocation key")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	var raw []byte
	switch {
	case invokeFile != "":
		data, err := os.ReadFile(invokeFile)
		if err != nil {
			return fmt.Errorf("failed to read request file: %w", err)
		}
		raw = data
	case invokeData != "":
		raw = []byte(invokeData)
	default:
		return fmt.Errorf("provide the request with --file or --data")
	}

	var req models.ScoreRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("invalid scoring request: %w", err)
	}

	path := "/endpoints/" + url.PathEscape(args[0]) + "/invoke"
	if invokeDeployment != "" {
		path += "?deployment=" + url.QueryEscape(invokeDeployment)
	}

	if invokeKey != "" {
		apiKey = invokeKey
	}

	var resp json.RawMessage
	if err := callAPI("POST", path, req, &resp); err != nil {
		return err
	}

	var pretty interface{}
	if err := json.Unmarshal(resp, &pretty); err != nil {
		fmt.Println(string(resp))
		return nil
	}
	return printJSON(pretty)
}
