package ctl

import (
	"fmt"
	"time"

	"github.com/binshare/binshare/internal/protocol"
	"github.com/spf13/cobra"
)

func newReposCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Manage repositories",
	}

	cmd.AddCommand(
		newReposListCmd(app),
		newReposCreateCmd(app),
	)

	return cmd
}

func newReposListCmd(app *app) *cobra.Command {
	var hash string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repositories on the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := app.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			repos, err := c.GetRepositories(cmd.Context(), hash)
			if err != nil {
				return err
			}

			for _, repo := range repos {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					repo.Hash, repo.File, repo.FileType, repo.CreatedAt.Format(time.RFC3339))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&hash, "hash", "", "only show the repository with this hash")

	return cmd
}

func newReposCreateCmd(app *app) *cobra.Command {
	var (
		file     string
		fileType string
	)

	cmd := &cobra.Command{
		Use:   "create HASH",
		Short: "Create a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			repo := protocol.Repository{
				Hash:     args[0],
				File:     file,
				FileType: fileType,
			}
			if err := c.NewRepository(cmd.Context(), repo); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created repository %s\n", repo.Hash)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "original file name of the artifact")
	cmd.Flags().StringVar(&fileType, "type", "", "artifact file type label")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}
