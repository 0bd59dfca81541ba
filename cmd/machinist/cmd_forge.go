package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"machinist/internal/lifecycle"
)

var (
	forgeGoal      string
	forgeObjective string
)

var forgeCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge a tool from a natural-language goal",
	Long: `Runs the full lifecycle for one goal: the LLM drafts a spec,
implements it and writes tests; the artifact is validated in the
sandbox and, when everything holds, promoted into the registry.

Example:
  machinist forge --goal "square an integer given as {\"n\": ...}"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if forgeGoal == "" {
			return fmt.Errorf("--goal is required")
		}

		a, err := openFoundry(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		run, err := a.foundry.Forge(ctx, forgeGoal)
		if err != nil {
			var rejected *lifecycle.RejectedError
			if errors.As(err, &rejected) && run != nil {
				fmt.Println(failStyle.Render(fmt.Sprintf("rejected (%s): %s", rejected.Reason, run.Spec.Name)))
				if rejected.Result != nil {
					fmt.Print(renderResult(*rejected.Result))
				}
				if rejected.Report != nil {
					for _, v := range rejected.Report.Violations {
						fmt.Println(sectionStyle.Render(failStyle.Render(fmt.Sprintf("[%s] %s", v.Kind, v.Detail))))
					}
				}
			}
			return err
		}

		fmt.Println(okStyle.Render("promoted ") + titleStyle.Render(run.Entry.Name) + dimStyle.Render("  "+run.Entry.ID))
		fmt.Print(renderResult(run.Result))
		return nil
	},
}

var decomposeCmd = &cobra.Command{
	Use:   "decompose",
	Short: "Break an objective into single-tool goals",
	Long: `Asks the LLM to decompose an objective into the smallest useful set
of single-tool goals, then forges each goal concurrently.

Example:
  machinist decompose --objective "summarize a CSV of sales figures"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if forgeObjective == "" {
			return fmt.Errorf("--objective is required")
		}

		a, err := openFoundry(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		goals, err := a.foundry.Decompose(ctx, forgeObjective)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d goal(s)\n", keyStyle.Render("decomposed into"), len(goals))
		for _, goal := range goals {
			fmt.Println(sectionStyle.Render("- " + goal))
		}

		results, err := a.foundry.ForgeBatch(ctx, goals)
		for _, res := range results {
			switch {
			case res.Err == nil && res.Run != nil && res.Run.Entry != nil:
				fmt.Println(okStyle.Render("promoted ") + res.Run.Entry.Name)
			case res.Err != nil:
				fmt.Println(failStyle.Render("failed   ") + res.Goal + dimStyle.Render("  "+res.Err.Error()))
			}
		}
		return err
	},
}

func init() {
	forgeCmd.Flags().StringVar(&forgeGoal, "goal", "", "Goal for the tool (required)")
	decomposeCmd.Flags().StringVar(&forgeObjective, "objective", "", "Objective to decompose (required)")
}
