package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/and161185/televault/internal/model"
)

func newLsCmd(s *session) *cobra.Command {
	var f model.ListFilter
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List indexed assets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			assets, err := s.app.catalog.ListAssets(cmd.Context(), f)
			if err != nil {
				return err
			}
			writeAssets(cmd.OutOrStdout(), assets)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Album, "album", "", "only assets in this album")
	cmd.Flags().StringVar(&f.MIMECategory, "type", "", "image, video, audio, text, application or a full mime prefix")
	cmd.Flags().StringVarP(&f.Query, "query", "q", "", "substring of the original name")
	cmd.Flags().IntVar(&f.Limit, "limit", model.DefaultListLimit, "maximum rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	return cmd
}

func writeAssets(out io.Writer, assets []model.Asset) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSIZE\tTYPE\tVIA\tCREATED\tNAME")
	for _, a := range assets {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			a.ID,
			humanize.IBytes(uint64(a.SizeBytes)),
			a.MIMEType,
			a.TransportUsed,
			a.CreatedAt.Local().Format("2006-01-02 15:04"),
			a.OriginalName,
		)
	}
	_ = w.Flush()
}
