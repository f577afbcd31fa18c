package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/canonical/lxdops/pkg/lxdops/bulk"
)

func newSnapshotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshots",
		Aliases: []string{"snapshot"},
		Short:   "Act on instance snapshots",
	}

	cmd.AddCommand(newSnapshotsDeleteCommand())

	return cmd
}

func newSnapshotsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [instance] [snapshot...]",
		Short: "Delete snapshots of an instance",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			var results []bulk.Result
			err = withListener(cmd.Context(), client, func(ctx context.Context) error {
				var err error
				results, err = client.DeleteSnapshots(ctx, args[0], args[1:])
				return err
			})
			if err != nil {
				return err
			}

			if err := printBulk(cmd.OutOrStdout(), globals.output, bulkReport{Results: results}); err != nil {
				return err
			}
			return bulkError(results, nil)
		},
	}
}
