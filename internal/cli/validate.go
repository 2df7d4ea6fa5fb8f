package cli

import (
	"fmt"

	"github.com/Laisky/errors/v2"
	"github.com/spf13/cobra"

	"github.com/r9s-ai/reqpool/pkg/requestconfig"
)

func newValidateCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the definitions file for unknown references and cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(g, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defs, err := rt.loadDefinitions()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			issues := requestconfig.Validate(defs, rt.seedNames())
			for _, issue := range issues {
				if _, err := fmt.Fprintln(out, rt.styles.Error.Render("invalid:"), issue.Error()); err != nil {
					return err
				}
			}
			if len(issues) > 0 {
				return errors.Errorf("%d issue(s) in %s", len(issues), rt.defsPath)
			}
			_, err = fmt.Fprintf(out, "ok: %d definitions in %s\n", len(defs), rt.defsPath)
			return err
		},
	}
}
