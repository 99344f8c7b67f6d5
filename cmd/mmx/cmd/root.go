package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	masterURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
)

// Exit codes per error kind, so scripts can branch on failure mode.
const (
	exitGeneric    = 1
	exitValidation = 2
	exitNotFound   = 3
	exitConflict   = 4
	exitTimeout    = 5
	exitExecution  = 6
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "mmx",
	Short:         "CLI for the modelmux control plane",
	Long:          `mmx is a command line interface for managing training jobs, model versions, endpoints and deployments on a modelmux control plane.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var apiErr *apiError
		if asAPIError(err, &apiErr) {
			return apiErr.ExitCode()
		}
		return exitGeneric
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mmx/config)")
	rootCmd.PersistentFlags().StringVar(&masterURL, "master", "", "control plane URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".mmx"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("api_key", "MODELMUX_API_KEY")
	viper.BindEnv("master_url", "MODELMUX_URL")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("master_url") != "" && masterURL == "" {
			masterURL = viper.GetString("master_url")
		}
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if masterURL == "" && viper.GetString("master_url") != "" {
		masterURL = viper.GetString("master_url")
	}
	if masterURL == "" {
		masterURL = "http://localhost:8080"
	}
}

// GetMasterURL returns the configured control plane URL without trailing slash
func GetMasterURL() string {
	return strings.TrimRight(masterURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// apiError is a non-2xx response from the control plane. The kind maps to a
// distinct exit code.
type apiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
	return e.Message
}

func (e *apiError) ExitCode() int {
	switch e.Kind {
	case "validation":
		return exitValidation
	case "not_found":
		return exitNotFound
	case "conflict":
		return exitConflict
	case "timeout":
		return exitTimeout
	case "execution_failure":
		return exitExecution
	default:
		return exitGeneric
	}
}

func asAPIError(err error, target **apiError) bool {
	for err != nil {
		if e, ok := err.(*apiError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// callAPI performs one JSON request against the control plane. A non-2xx
// response decodes into *apiError; out may be nil for fire-and-forget calls.
func callAPI(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, GetMasterURL()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach control plane at %s: %w", GetMasterURL(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return &apiError{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error}
		}
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

// printJSON pretty-prints v to stdout
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
