package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

func newOperationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "operations",
		Aliases: []string{"operation"},
		Short:   "Inspect and cancel operations",
	}

	cmd.AddCommand(newOperationsShowCommand())
	cmd.AddCommand(newOperationsCancelCommand())

	return cmd
}

func newOperationsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show [operation]",
		Short: "Show the current state of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			op, err := client.Operations.Get(cmd.Context(), operationID(args[0]))
			if err != nil {
				return err
			}
			return printOperation(cmd.OutOrStdout(), globals.output, op)
		},
	}
}

func newOperationsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [operation]",
		Short: "Cancel a running operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			id := operationID(args[0])
			if err := client.Operations.Cancel(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to cancel operation %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled operation %s\n", id)
			return nil
		},
	}
}

// operationID accepts either a bare id or a status URL
func operationID(arg string) core.OperationID {
	return core.OperationID(strings.TrimPrefix(arg, "/1.0/operations/"))
}
