package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runWorkflowPath string
	runInputsJSON   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow definition against registered tools",
	Long: `Loads a workflow definition (YAML or JSON), resolves its tool steps
through the registry and executes them in the sandbox.

Example:
  machinist run --workflow pipeline.yaml --inputs '{"text": "hello"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runWorkflowPath == "" {
			return fmt.Errorf("--workflow is required")
		}

		initial := map[string]interface{}{}
		if runInputsJSON != "" {
			if err := json.Unmarshal([]byte(runInputsJSON), &initial); err != nil {
				return fmt.Errorf("--inputs is not a JSON object: %w", err)
			}
		}

		a, err := openWorkflow(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		wf, err := a.loader.Load(runWorkflowPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := a.engine.Execute(ctx, wf, initial)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(result.Bindings(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(titleStyle.Render(wf.Name) + dimStyle.Render(" completed"))
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runWorkflowPath, "workflow", "", "Workflow definition file (required)")
	runCmd.Flags().StringVar(&runInputsJSON, "inputs", "", "Initial inputs as a JSON object")
}
