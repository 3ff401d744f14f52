package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/and161185/televault/internal/model"
	"github.com/and161185/televault/internal/service"
)

func newUploadCmd(s *session) *cobra.Command {
	var (
		opts service.UploadOptions
		name string
	)
	cmd := &cobra.Command{
		Use:   "upload <path>...",
		Short: "Upload files or directories (use - to read stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			failed := 0

			for _, p := range args {
				if p == "-" {
					if name == "" {
						return fmt.Errorf("--name is required when reading stdin")
					}
					res, err := s.app.upload.UploadStream(ctx, cmd.InOrStdin(), name, opts)
					if err != nil {
						return err
					}
					printResult(cmd, res)
					continue
				}

				fi, err := os.Stat(p)
				if err != nil {
					return err
				}
				if fi.IsDir() {
					rep := s.app.upload.UploadDirectory(ctx, p, opts)
					printReport(cmd, p, rep)
					failed += rep.Failed
					continue
				}
				res, err := s.app.upload.UploadFile(ctx, p, opts)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				printResult(cmd, res)
			}
			if failed > 0 {
				return fmt.Errorf("%d file(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Album, "album", "", "add uploaded assets to this album")
	cmd.Flags().StringVar(&opts.Caption, "caption", "", "caption stored with the message")
	cmd.Flags().StringVar(&name, "name", "", "object name when reading stdin")
	cmd.Flags().StringToStringVar(&opts.Metadata, "meta", nil, "metadata stored with new assets (key=value, repeatable)")
	return cmd
}

func printResult(cmd *cobra.Command, res *model.UploadResult) {
	a := res.Asset
	if res.Duplicate {
		printOK(cmd.OutOrStdout(), "#%d %s already stored", a.ID, a.OriginalName)
		return
	}
	printOK(cmd.OutOrStdout(), "#%d %s (%s, %s via %s)", a.ID, a.OriginalName,
		humanize.IBytes(uint64(a.SizeBytes)), a.MIMEType, a.TransportUsed)
}

func printReport(cmd *cobra.Command, root string, rep model.BatchReport) {
	out := cmd.OutOrStdout()
	printOK(out, "%s: %d uploaded, %d already stored, %d failed", root, rep.Uploaded, rep.Skipped, rep.Failed)
	for _, f := range rep.Failures {
		printWarn(cmd.ErrOrStderr(), "%s: %v", f.Path, f.Err)
	}
}
