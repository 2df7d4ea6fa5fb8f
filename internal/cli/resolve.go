package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/r9s-ai/reqpool/internal/logx"
	"github.com/r9s-ai/reqpool/pkg/jsonutil"
	"github.com/r9s-ai/reqpool/pkg/pool"
)

type resolveOptions struct {
	url bool
	raw bool
}

func newResolveCmd(g *globalOptions) *cobra.Command {
	opts := resolveOptions{}
	cmd := &cobra.Command{
		Use:   "resolve NAME...",
		Short: "Resolve named requests and print their values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(g, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defs, err := rt.loadDefinitions()
			if err != nil {
				return err
			}
			p, err := rt.newPool(defs, nil)
			if err != nil {
				return err
			}
			return resolveNames(cmd.Context(), p, args, opts, rt.styles, cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	fs.BoolVar(&opts.url, "url", false, "print the built URL instead of the value")
	fs.BoolVar(&opts.raw, "raw", false, "print values as substituted into URLs (strings unquoted)")
	return cmd
}

// resolveNames prints one line per name. With a single name only the value
// is printed, otherwise each line is prefixed with "name: ".
func resolveNames(ctx context.Context, p *pool.Pool, names []string, opts resolveOptions, styles logx.Styles, w io.Writer) error {
	for _, name := range names {
		var text string
		if opts.url {
			u, err := p.URL(ctx, name)
			if err != nil {
				return err
			}
			text = styles.URL.Render(u)
		} else {
			v, err := p.Resolve(ctx, name)
			if err != nil {
				return err
			}
			if opts.raw {
				text, err = jsonutil.Render(v)
			} else {
				text, err = jsonutil.Marshal(v)
			}
			if err != nil {
				return err
			}
		}

		if len(names) == 1 {
			if _, err := fmt.Fprintln(w, text); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", styles.Name.Render(name), text); err != nil {
			return err
		}
	}
	return nil
}
