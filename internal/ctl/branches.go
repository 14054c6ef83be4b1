package ctl

import (
	"fmt"
	"time"

	"github.com/binshare/binshare/internal/protocol"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newBranchesCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "Manage branches",
	}

	cmd.AddCommand(
		newBranchesListCmd(app),
		newBranchesCreateCmd(app),
	)

	return cmd
}

func newBranchesListCmd(app *app) *cobra.Command {
	var (
		repoHash   string
		branchUUID string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List branches on the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := app.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			branches, err := c.GetBranches(cmd.Context(), repoHash, branchUUID)
			if err != nil {
				return err
			}

			for _, branch := range branches {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\t%s\n",
					branch.UUID, branch.RepoHash, branch.Bits, branch.CreatedAt.Format(time.RFC3339))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&repoHash, "repo", "", "only show branches of this repository")
	cmd.Flags().StringVar(&branchUUID, "uuid", "", "only show the branch with this UUID")

	return cmd
}

func newBranchesCreateCmd(app *app) *cobra.Command {
	var (
		repoHash   string
		branchUUID string
		bits       int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a branch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if branchUUID == "" {
				branchUUID = uuid.NewString()
			}

			c, err := app.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			branch := protocol.Branch{
				UUID:     branchUUID,
				RepoHash: repoHash,
				Bits:     bits,
			}
			if err := c.NewBranch(cmd.Context(), branch); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created branch %s in %s\n", branch.UUID, branch.RepoHash)
			return nil
		},
	}

	cmd.Flags().StringVar(&repoHash, "repo", "", "repository the branch belongs to")
	cmd.Flags().StringVar(&branchUUID, "uuid", "", "branch UUID (generated when omitted)")
	cmd.Flags().IntVar(&bits, "bits", 64, "database bit-width, 32 or 64")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}
