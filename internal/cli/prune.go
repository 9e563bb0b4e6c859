package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vzahanych/facetrace/internal/storage"
)

func newPruneCommand(cc *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete uploaded videos and references past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			log, err := cc.ensureLogger()
			if err != nil {
				return err
			}

			retention := cfg.Storage.UploadRetention
			if olderThan > 0 {
				retention = olderThan
			}
			if retention <= 0 {
				return fmt.Errorf("no retention configured; set storage.upload_retention or pass --older-than")
			}

			files, err := storage.NewService(storage.Config{
				UploadsDir:      cfg.Storage.UploadsDir,
				MatchesDir:      cfg.Storage.MatchesDir,
				ReportsDir:      cfg.Storage.ReportsDir,
				UploadRetention: retention,
			}, log)
			if err != nil {
				return err
			}

			removed, err := files.EnforceRetention(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d uploads older than %s\n", removed, retention)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override storage.upload_retention")
	return cmd
}
