package main

import (
	"fmt"

	"github.com/ShayCichocki/stagehand/internal/definition"
	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate workflow definition files",
	Long: `Parse and validate workflow definition files without running them.

Checks the definition structure, the task graph (unknown references,
duplicates and cycles) and that every action names a registered capability.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	reg := executor.NewRegistry()
	if err := registerBuiltins(reg); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		def, err := definition.LoadFile(path)
		if err == nil {
			err = definition.CheckCapabilities(def, reg)
		}
		if err != nil {
			failed++
			printStatus(w, "✗", fmt.Sprintf("%s: %v", path, err), color.FgRed)
			continue
		}
		printStatus(w, "✓", fmt.Sprintf("%s: %s (%d tasks)", path, def.ID, len(def.Tasks)), color.FgGreen)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
	}
	return nil
}
