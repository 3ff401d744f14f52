package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAlbumCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "album",
		Short: "Manage albums",
	}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an album (no-op if it exists)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			al, err := s.app.catalog.CreateAlbum(cmd.Context(), args[0], description)
			if err != nil {
				return err
			}
			printOK(cmd.OutOrStdout(), "album %q (#%d)", al.Name, al.ID)
			return nil
		},
	}
	create.Flags().StringVar(&description, "description", "", "album description")

	add := &cobra.Command{
		Use:   "add <album> <asset-id>...",
		Short: "Add assets to an album",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range args[1:] {
				id, err := parseID(raw)
				if err != nil {
					return err
				}
				if err := s.app.catalog.AddToAlbum(cmd.Context(), args[0], id); err != nil {
					return err
				}
			}
			printOK(cmd.OutOrStdout(), "%d asset(s) in %q", len(args)-1, args[0])
			return nil
		},
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List albums with asset counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			albums, err := s.app.catalog.ListAlbums(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tASSETS\tDESCRIPTION")
			for _, al := range albums {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", al.ID, al.Name, al.AssetCount, al.Description)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(create, add, ls)
	return cmd
}
