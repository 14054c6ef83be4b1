package ctl

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type serverStatus struct {
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	Sessions      int    `json:"sessions"`
	Subscriptions int    `json:"subscriptions"`
	Repositories  int    `json:"repositories"`
}

func newStatusCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status from the ops endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url := app.opsURL() + "/api/v1/status"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}

			resp, err := app.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("query %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status request failed: %s", resp.Status)
			}

			var status serverStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status response: %w", err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "version: %s\n", status.Version)
			_, _ = fmt.Fprintf(out, "uptime_sec: %d\n", status.UptimeSec)
			_, _ = fmt.Fprintf(out, "sessions: %d\n", status.Sessions)
			_, _ = fmt.Fprintf(out, "subscriptions: %d\n", status.Subscriptions)
			_, _ = fmt.Fprintf(out, "repositories: %d\n", status.Repositories)
			return nil
		},
	}
}
