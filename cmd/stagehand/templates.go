package main

import (
	"fmt"

	"github.com/ShayCichocki/stagehand/internal/definition"
	"github.com/spf13/cobra"
)

var templatesCmd = &cobra.Command{
	Use:   "templates [id]",
	Short: "List built-in workflow templates",
	Long: `Without an argument, list the built-in templates.
With a template id, print the template definition so it can be copied
and edited.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTemplates,
}

func runTemplates(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if len(args) == 1 {
		src, err := definition.TemplateSource(args[0])
		if err != nil {
			return err
		}
		_, err = w.Write(src)
		return err
	}

	infos, err := definition.Templates()
	if err != nil {
		return err
	}
	for _, t := range infos {
		fmt.Fprintf(w, "%-24s %2d tasks  %s\n", t.ID, t.Tasks, t.Description)
	}
	return nil
}
