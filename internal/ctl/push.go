package ctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/binshare/binshare/internal/client"
	"github.com/binshare/binshare/internal/protocol"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPushCmd(app *app) *cobra.Command {
	var (
		fileType   string
		bits       int
		repoHash   string
		branchUUID string
	)

	cmd := &cobra.Command{
		Use:   "push FILE",
		Short: "Upload a database snapshot, creating the repository and branch as needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			// The content hash doubles as the repository identity when
			// no explicit hash is given, so two pushes of the same
			// artifact land in the same repository.
			if repoHash == "" {
				repoHash = protocol.Checksum(content)
			}
			if branchUUID == "" {
				branchUUID = uuid.NewString()
			}

			c, err := app.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			repo := protocol.Repository{
				Hash:     repoHash,
				File:     filepath.Base(path),
				FileType: fileType,
			}
			if err := c.NewRepository(cmd.Context(), repo); err != nil && !errors.Is(err, protocol.ErrDuplicateKey) {
				return err
			}

			branch := protocol.Branch{
				UUID:     branchUUID,
				RepoHash: repoHash,
				Bits:     bits,
			}
			if err := c.NewBranch(cmd.Context(), branch); err != nil && !errors.Is(err, protocol.ErrDuplicateKey) {
				return err
			}

			if err := c.UploadDatabase(cmd.Context(), repoHash, branchUUID, content, progressLine(cmd, "pushing")); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.ErrOrStderr())

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pushed %s (%d bytes) to %s/%s\n",
				filepath.Base(path), len(content), repoHash, branchUUID)
			return nil
		},
	}

	cmd.Flags().StringVar(&fileType, "type", "", "artifact file type label")
	cmd.Flags().IntVar(&bits, "bits", 64, "database bit-width, 32 or 64")
	cmd.Flags().StringVar(&repoHash, "repo", "", "repository hash (defaults to the file's content hash)")
	cmd.Flags().StringVar(&branchUUID, "branch", "", "branch UUID (generated when omitted)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

// progressLine returns a transfer callback that redraws a single
// status line on stderr. Stdout stays clean for the final result.
func progressLine(cmd *cobra.Command, verb string) client.ProgressFunc {
	return func(transferred, total int64) {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "\r%s %d/%d bytes", verb, transferred, total)
	}
}
