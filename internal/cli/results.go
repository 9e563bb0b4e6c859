package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vzahanych/facetrace/internal/pipeline"
	"github.com/vzahanych/facetrace/internal/report"
	"github.com/vzahanych/facetrace/internal/storage"
)

func newResultsCommand(cc *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "results <video>",
		Short: "Show the recorded detections of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStoreOnly(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer a.close()

			detections, err := a.store.ListByVideo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, detections)
			}
			if len(detections) == 0 {
				fmt.Fprintf(out, "No detections for %s\n", args[0])
				return nil
			}
			fmt.Fprintln(out, report.DetectionsTable(detections))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newVideosCommand(cc *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "videos",
		Short: "List videos and streams with recorded detections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStoreOnly(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer a.close()

			videos, err := a.store.ListVideos(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, videos)
			}
			if len(videos) == 0 {
				fmt.Fprintln(out, "No detections recorded")
				return nil
			}
			fmt.Fprintln(out, report.VideosTable(videos))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newReportCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "report <video>",
		Short: "Write the CSV report of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStoreOnly(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer a.close()

			path, err := a.reports.GenerateCSV(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if path == "" {
				return fmt.Errorf("no detections for %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newClearCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <video>",
		Short: "Delete the detections and match crops of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStoreOnly(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer a.close()

			files, err := storage.NewService(storage.Config{
				UploadsDir: a.cfg.Storage.UploadsDir,
				MatchesDir: a.cfg.Storage.MatchesDir,
				ReportsDir: a.cfg.Storage.ReportsDir,
			}, a.log)
			if err != nil {
				return err
			}

			removed, crops, err := pipeline.ClearVideo(cmd.Context(), a.store, files, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d detections and %d crops for %s\n", removed, crops, args[0])
			return nil
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
