// Package ctl implements the binsharectl command tree.
package ctl

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "binsharectl",
		Short:         "binsharectl: manage repositories and branches on a binshare server",
		Long:          "binsharectl talks to a binshared instance over its websocket protocol. It lists and creates repositories and branches, pushes and pulls database snapshots, tails live update events, and reports server status.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.PersistentFlags().String("server", "", "websocket endpoint of the binshare server (default "+defaultServerURL+")")
	rootCmd.PersistentFlags().String("ops", "", "ops HTTP endpoint of the binshare server (default "+defaultOpsURL+")")
	_ = app.cfg.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = app.cfg.BindPFlag("ops", rootCmd.PersistentFlags().Lookup("ops"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newReposCmd(app),
		newBranchesCmd(app),
		newPushCmd(app),
		newPullCmd(app),
		newTailCmd(app),
		newStatusCmd(app),
	)

	return rootCmd
}
