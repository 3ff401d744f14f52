package main

import (
	"github.com/spf13/cobra"

	"github.com/and161185/televault/internal/config"
)

// session holds the app built by the persistent pre-run hook.
type session struct {
	opts options
	app  *app
}

// close releases the app. Cobra skips post-run hooks when a command fails,
// so callers run it after Execute returns.
func (s *session) close() error {
	if s.app == nil {
		return nil
	}
	err := s.app.Close()
	s.app = nil
	return err
}

func newRootCmd() (*cobra.Command, *session) {
	s := &session{}

	root := &cobra.Command{
		Use:           "televault",
		Short:         "Store files in a Telegram channel",
		Long:          "televault uploads files to a Telegram channel, indexes them by content hash\nand streams them back on demand.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), s.opts)
			if err != nil {
				return err
			}
			s.app = a
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&s.opts.configPath, "config", config.DefaultPath(), "config file")
	f.StringVar(&s.opts.envFile, "env-file", ".env", "dotenv file merged into the environment")
	f.StringVar(&s.opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	f.StringVar(&s.opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	root.AddCommand(
		newUploadCmd(s),
		newGetCmd(s),
		newLsCmd(s),
		newAlbumCmd(s),
		newStatsCmd(s),
		newRebuildCmd(s),
		newCleanupCmd(s),
		newProfilesCmd(s),
	)
	return root, s
}
