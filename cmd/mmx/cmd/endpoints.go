package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/pkg/models"
)

var (
	endpointAuthMode    string
	endpointDescription string
	endpointCascade     bool
	endpointWait        bool

	deployModel         string
	deployVersion       int
	deployInstanceType  string
	deployInstanceCount int
)

// endpointsCmd represents the endpoints command
var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Manage inference endpoints",
	Long:  `Commands for creating, inspecting and deleting inference endpoints and their traffic splits.`,
}

var endpointsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create or update an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointsCreate,
}

var endpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List endpoints",
	RunE:  runEndpointsList,
}

var endpointsGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Get one endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointsGet,
}

var endpointsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointsDelete,
}

var endpointsTrafficCmd = &cobra.Command{
	Use:   "traffic <name> <deployment=percent>...",
	Short: "Set the endpoint's traffic split",
	Long:  `Replace the endpoint's traffic split atomically, e.g. "mmx endpoints traffic credit-endpoint blue=90 green=10".`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEndpointsTraffic,
}

var endpointsKeyCmd = &cobra.Command{
	Use:   "key <name>",
	Short: "Issue a fresh invocation key",
	Args:  cobra.ExactArgs(1),
	RunE:  runEndpointsKey,
}

// deploymentsCmd represents the deployments command
var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "Manage deployments under endpoints",
}

var deploymentsCreateCmd = &cobra.Command{
	Use:   "create <endpoint> <name>",
	Short: "Create or update a deployment",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeploymentsCreate,
}

var deploymentsListCmd = &cobra.Command{
	Use:   "list <endpoint>",
	Short: "List an endpoint's deployments",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploymentsList,
}

var deploymentsDeleteCmd = &cobra.Command{
	Use:   "delete <endpoint> <name>",
	Short: "Delete a deployment",
	Args:  cobra.ExactArgs(2),
	RunE:  runDeploymentsDelete,
}

func init() {
	rootCmd.AddCommand(endpointsCmd, deploymentsCmd)
	endpointsCmd.AddCommand(endpointsCreateCmd, endpointsListCmd, endpointsGetCmd,
		endpointsDeleteCmd, endpointsTrafficCmd, endpointsKeyCmd)
	deploymentsCmd.AddCommand(deploymentsCreateCmd, deploymentsListCmd, deploymentsDeleteCmd)

	endpointsCreateCmd.Flags().StringVar(&endpointAuthMode, "auth-mode", "none", "auth mode: none or key")
	endpointsCreateCmd.Flags().StringVar(&endpointDescription, "description", "", "endpoint description")
	endpointsCreateCmd.Flags().BoolVar(&endpointWait, "wait", true, "wait for provisioning to finish")
	endpointsDeleteCmd.Flags().BoolVar(&endpointCascade, "cascade", false, "delete deployments first")
	endpointsDeleteCmd.Flags().BoolVar(&endpointWait, "wait", true, "wait for teardown to finish")

	deploymentsCreateCmd.Flags().StringVar(&deployModel, "model", "", "model name (required)")
	deploymentsCreateCmd.Flags().IntVar(&deployVersion, "version", 0, "model version (0 = latest)")
	deploymentsCreateCmd.Flags().StringVar(&deployInstanceType, "instance-type", "", "instance type")
	deploymentsCreateCmd.Flags().IntVar(&deployInstanceCount, "count", 1, "instance count")
	deploymentsCreateCmd.Flags().BoolVar(&endpointWait, "wait", true, "wait for provisioning to finish")
	deploymentsCreateCmd.MarkFlagRequired("model")
	deploymentsDeleteCmd.Flags().BoolVar(&endpointWait, "wait", true, "wait for teardown to finish")
}

type operationBody struct {
	OperationID string `json:"operation_id"`
	Entity      string `json:"entity"`
	State       string `json:"state"`
	Error       string `json:"error,omitempty"`
}

// finishOperation optionally waits for the operation and prints its outcome.
func finishOperation(op operationBody) error {
	if !endpointWait {
		fmt.Printf("Operation %s accepted for %s (%s)\n", op.OperationID, op.Entity, op.State)
		return nil
	}

	var final operationBody
	if err := callAPI("GET", "/operations/"+op.OperationID+"/await?timeout=10m", nil, &final); err != nil {
		return err
	}
	if final.Error != "" {
		return fmt.Errorf("%s: %s", final.Entity, final.Error)
	}
	fmt.Printf("%s is %s\n", final.Entity, final.State)
	return nil
}

func runEndpointsCreate(cmd *cobra.Command, args []string) error {
	spec := models.EndpointSpec{
		AuthMode:    models.AuthMode(endpointAuthMode),
		Description: endpointDescription,
	}

	var op operationBody
	if err := callAPI("PUT", "/endpoints/"+url.PathEscape(args[0]), spec, &op); err != nil {
		return err
	}
	return finishOperation(op)
}

func runEndpointsList(cmd *cobra.Command, args []string) error {
	var eps []models.Endpoint
	if err := callAPI("GET", "/endpoints", nil, &eps); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(eps)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "State", "Auth", "Traffic")
	for _, ep := range eps {
		table.Append(ep.Spec.Name, string(ep.State), string(ep.Spec.AuthMode), formatTraffic(ep.Traffic))
	}
	table.Render()
	return nil
}

func runEndpointsGet(cmd *cobra.Command, args []string) error {
	var ep models.Endpoint
	if err := callAPI("GET", "/endpoints/"+url.PathEscape(args[0]), nil, &ep); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(ep)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Name", ep.Spec.Name)
	table.Append("State", string(ep.State))
	table.Append("Auth Mode", string(ep.Spec.AuthMode))
	table.Append("Description", ep.Spec.Description)
	table.Append("Traffic", formatTraffic(ep.Traffic))
	table.Render()
	return nil
}

func runEndpointsDelete(cmd *cobra.Command, args []string) error {
	path := "/endpoints/" + url.PathEscape(args[0])
	if endpointCascade {
		path += "?cascade=true"
	}

	var op operationBody
	if err := callAPI("DELETE", path, nil, &op); err != nil {
		return err
	}
	return finishOperation(op)
}

func runEndpointsTraffic(cmd *cobra.Command, args []string) error {
	traffic := make(map[string]int)
	for _, pair := range args[1:] {
		name, pctStr, found := strings.Cut(pair, "=")
		if !found {
			return fmt.Errorf("invalid traffic pair %q, expected deployment=percent", pair)
		}
		pct, err := strconv.Atoi(pctStr)
		if err != nil {
			return fmt.Errorf("invalid percentage in %q", pair)
		}
		traffic[name] = pct
	}

	if err := callAPI("PUT", "/endpoints/"+url.PathEscape(args[0])+"/traffic", traffic, nil); err != nil {
		return err
	}
	fmt.Printf("Traffic for %s set to %s\n", args[0], formatTraffic(traffic))
	return nil
}

func runEndpointsKey(cmd *cobra.Command, args []string) error {
	var issued struct {
		Key string `json:"key"`
	}
	if err := callAPI("POST", "/endpoints/"+url.PathEscape(args[0])+"/keys", nil, &issued); err != nil {
		return err
	}
	// Printed once; the control plane keeps only a hash
	fmt.Println(issued.Key)
	return nil
}

func runDeploymentsCreate(cmd *cobra.Command, args []string) error {
	spec := models.DeploymentSpec{
		Model:         models.ModelRef{Name: deployModel, Version: deployVersion},
		InstanceType:  deployInstanceType,
		InstanceCount: deployInstanceCount,
	}

	path := "/endpoints/" + url.PathEscape(args[0]) + "/deployments/" + url.PathEscape(args[1])
	var op operationBody
	if err := callAPI("PUT", path, spec, &op); err != nil {
		return err
	}
	return finishOperation(op)
}

func runDeploymentsList(cmd *cobra.Command, args []string) error {
	var deps []models.Deployment
	if err := callAPI("GET", "/endpoints/"+url.PathEscape(args[0])+"/deployments", nil, &deps); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(deps)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "State", "Model", "Instances", "Type")
	for _, dep := range deps {
		table.Append(
			dep.Spec.Name,
			string(dep.State),
			dep.Spec.Model.String(),
			strconv.Itoa(dep.Spec.InstanceCount),
			dep.Spec.InstanceType,
		)
	}
	table.Render()
	return nil
}

func runDeploymentsDelete(cmd *cobra.Command, args []string) error {
	path := "/endpoints/" + url.PathEscape(args[0]) + "/deployments/" + url.PathEscape(args[1])
	var op operationBody
	if err := callAPI("DELETE", path, nil, &op); err != nil {
		return err
	}
	return finishOperation(op)
}

func formatTraffic(traffic map[string]int) string {
	if len(traffic) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(traffic))
	for name, pct := range traffic {
		parts = append(parts, fmt.Sprintf("%s=%d", name, pct))
	}
	return strings.Join(parts, " ")
}
