package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/televault/internal/errs"
	"github.com/and161185/televault/internal/model"
)

func newGetCmd(s *session) *cobra.Command {
	var (
		out string
		rng string
	)
	cmd := &cobra.Command{
		Use:   "get <asset-id>",
		Short: "Download an asset into a directory or to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if out != "-" && rng == "" {
				p, err := s.app.download.FetchToFile(cmd.Context(), id, out)
				if err != nil {
					return err
				}
				printOK(cmd.ErrOrStderr(), "saved %s", p)
				return nil
			}

			var r *model.ByteRange
			if rng != "" {
				if r, err = parseRange(rng); err != nil {
					return err
				}
			}
			st, err := s.app.download.FetchAsset(cmd.Context(), id, r)
			if err != nil {
				return err
			}
			defer st.Close()
			_, err = io.Copy(cmd.OutOrStdout(), st)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "target directory, or - for stdout")
	cmd.Flags().StringVar(&rng, "range", "", "byte range START-END (inclusive) or START-; written to stdout")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: asset id %q", errs.ErrInvalidInput, s)
	}
	return id, nil
}

// parseRange accepts "START-END" with an inclusive END, "START-" and the
// same forms prefixed with "bytes=".
func parseRange(s string) (*model.ByteRange, error) {
	bad := fmt.Errorf("%w: range %q: want START-END or START-", errs.ErrInvalidInput, s)
	startS, endS, ok := strings.Cut(strings.TrimPrefix(strings.TrimSpace(s), "bytes="), "-")
	if !ok {
		return nil, bad
	}
	start, err := strconv.ParseInt(startS, 10, 64)
	if err != nil || start < 0 {
		return nil, bad
	}
	if endS == "" {
		r := model.OpenRange(start)
		return &r, nil
	}
	end, err := strconv.ParseInt(endS, 10, 64)
	if err != nil || end < start {
		return nil, bad
	}
	r := model.ClosedRange(start, end+1)
	return &r, nil
}
