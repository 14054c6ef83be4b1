package ctl

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
)

func newTailCmd(app *app) *cobra.Command {
	var (
		repoHash   string
		branchUUID string
		since      uint64
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream branch update events as NDJSON until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := app.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Subscribe(repoHash, branchUUID, since); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case msg, ok := <-c.Events():
					if !ok {
						return errors.New("event stream closed")
					}
					if err := enc.Encode(msg); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&repoHash, "repo", "", "repository hash")
	cmd.Flags().StringVar(&branchUUID, "branch", "", "branch UUID")
	cmd.Flags().Uint64Var(&since, "since", 0, "replay stored events after this tick first")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("branch")

	return cmd
}
