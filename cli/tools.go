package cli

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petaltodo/tool"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and invoke the todo tools",
	}
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsCallCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tool catalog",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
	cmd.Flags().Bool("json", false, "Print definitions with input schemas as JSON")
	return cmd
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	defs := tool.Catalog()

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(defs); err != nil {
			return exitError(exitRuntime, "encoding catalog: %v", err)
		}
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tREQUIRED\tOPTIONAL\tDESCRIPTION")
	for _, def := range defs {
		required := strings.Join(def.InputSchema.Required, ",")
		if required == "" {
			required = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", def.Name, required, optionalArguments(def), def.Description)
	}
	return writer.Flush()
}

func optionalArguments(def tool.Definition) string {
	required := make(map[string]bool, len(def.InputSchema.Required))
	for _, name := range def.InputSchema.Required {
		required[name] = true
	}
	optional := make([]string, 0, len(def.InputSchema.Properties))
	for name := range def.InputSchema.Properties {
		if !required[name] {
			optional = append(optional, name)
		}
	}
	slices.Sort(optional)
	if len(optional) == 0 {
		return "-"
	}
	return strings.Join(optional, ",")
}

func newToolsCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <name>",
		Short: "Invoke one tool against the todo HTTP API and print its envelope",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsCall,
	}
	addAPIFlags(cmd)
	cmd.Flags().String("args", "{}", "Tool arguments as a JSON object")
	return cmd
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	applyAPIFlags(cmd, &cfg)
	logger, err := loggerFor(cmd, cfg)
	if err != nil {
		return err
	}

	rawArgs, _ := cmd.Flags().GetString("args")
	if !json.Valid([]byte(rawArgs)) {
		return exitError(exitUsage, "--args must be valid JSON")
	}

	dispatcher, client, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	env := dispatcher.DispatchJSON(cmd.Context(), args[0], json.RawMessage(rawArgs))

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(env); err != nil {
		return exitError(exitRuntime, "encoding result: %v", err)
	}
	if !env.Success() {
		return exitError(exitToolError, "%s: %s", env.Kind(), env.Err.Message)
	}
	return nil
}
