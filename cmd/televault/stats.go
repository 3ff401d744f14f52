package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/and161185/televault/internal/model"
)

func newStatsCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := s.app.catalog.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "assets\t%d\n", st.TotalAssets)
			fmt.Fprintf(w, "stored\t%s\n", humanize.IBytes(uint64(st.TotalBytes)))
			fmt.Fprintf(w, "albums\t%d\n", st.Albums)
			fmt.Fprintf(w, "via light\t%d\n", st.ByTransport[model.ProfileLight])
			fmt.Fprintf(w, "via full\t%d\n", st.ByTransport[model.ProfileFull])
			fmt.Fprintf(w, "index size\t%s\n", humanize.IBytes(uint64(st.DBSizeBytes)))
			return w.Flush()
		},
	}
}

func newProfilesCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "Show configured transport profiles and limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			profiles := s.app.transports.AvailableProfiles()
			if len(profiles) == 0 {
				printWarn(out, "no transport configured: set bot_token and channel_id")
			}
			for _, p := range profiles {
				printOK(out, "%s", p)
			}
			if largest := s.app.transports.MaxObjectSize(); largest > 0 {
				fmt.Fprintf(out, "largest upload: %s\n", humanize.IBytes(uint64(largest)))
			}
			perMin, burst := s.app.limiter.Limits()
			fmt.Fprintf(out, "rate limit: %d/min, burst %d\n", perMin, burst)
			fmt.Fprintf(out, "cache: %s\n", humanize.IBytes(uint64(s.app.cache.MaxBytes())))
			return nil
		},
	}
}
