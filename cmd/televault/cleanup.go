package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/and161185/televault/internal/errs"
)

func newCleanupCmd(s *session) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete local files that are already stored in the channel",
		Long: "cleanup removes every local source file recorded at upload time whose\n" +
			"content still matches the stored asset. Changed files are kept.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("%w: cleanup deletes local files, pass --yes to confirm", errs.ErrInvalidInput)
			}
			rep, err := s.app.catalog.CleanupLocal(cmd.Context())
			if err != nil {
				return err
			}
			printOK(cmd.OutOrStdout(), "removed %d file(s), freed %s", rep.Removed, humanize.IBytes(uint64(rep.FreedBytes)))
			if rep.Changed > 0 {
				printWarn(cmd.OutOrStdout(), "%d file(s) changed since upload, kept", rep.Changed)
			}
			if rep.Missing > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), styleMuted.Render(fmt.Sprintf("%d already gone", rep.Missing)))
			}
			for _, f := range rep.Failures {
				printWarn(cmd.ErrOrStderr(), "%s: %v", f.Path, f.Err)
			}
			if n := len(rep.Failures); n > 0 {
				return fmt.Errorf("%d file(s) could not be cleaned up", n)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion of local copies")
	return cmd
}
