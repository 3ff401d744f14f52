package main

import (
	"github.com/spf13/cobra"
)

func newRebuildCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Restore missing index rows from the channel history",
		Long: "rebuild replays the channel from the stored cursor and indexes every document\n" +
			"not yet known. It is resumable: interrupting it keeps the progress made so far.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := s.app.catalog.RebuildFromRemote(cmd.Context())
			if err != nil {
				return err
			}
			printOK(cmd.OutOrStdout(), "scanned %d, recovered %d, already indexed %d, failed %d (cursor %d)",
				rep.Scanned, rep.Recovered, rep.Skipped, rep.Failed, rep.LastMessageID)
			return nil
		},
	}
}
