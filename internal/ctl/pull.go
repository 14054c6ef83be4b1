package ctl

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPullCmd(app *app) *cobra.Command {
	var (
		repoHash   string
		branchUUID string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download the current database snapshot of a branch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := app.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			content, err := c.DownloadDatabase(cmd.Context(), repoHash, branchUUID, progressLine(cmd, "pulling"))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.ErrOrStderr())

			if err := os.WriteFile(output, content, 0o644); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pulled %s/%s (%d bytes) to %s\n",
				repoHash, branchUUID, len(content), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&repoHash, "repo", "", "repository hash")
	cmd.Flags().StringVar(&branchUUID, "branch", "", "branch UUID")
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write the snapshot to")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}
