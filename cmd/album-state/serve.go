package main

import (
	"github.com/spf13/cobra"

	"github.com/fpang/album-poster/internal/diagnostics"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-mcp",
		Short: "Serve read-only album state to an MCP client over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			primary, err := a.openTarget(cmd.Context(), a.cfg.Backend)
			if err != nil {
				return err
			}
			srv, err := diagnostics.NewServer(primary, commitHash)
			if err != nil {
				return err
			}
			return srv.Serve(cmd.Context())
		},
	}
}
