package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

func newWatchCommand() *cobra.Command {
	var timeout int

	cmd := &cobra.Command{
		Use:   "watch [operation]",
		Short: "Wait for an operation to finish",
		Long: `Wait for an operation, given by id or by its /1.0/operations/<id> URL, to
finish. When it is still running after the timeout the command reports so
and exits non-zero while the operation keeps going on the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()
			if timeout > 0 {
				client.Config.Operations.WaitTimeout = time.Duration(timeout) * time.Second
			}

			path := operationURL(args[0])
			var op *core.Operation
			err = withListener(cmd.Context(), client, func(ctx context.Context) error {
				resp, err := client.Transport.Get(ctx, path, nil)
				if err != nil {
					return err
				}
				resp.Operation = path
				op, err = client.Wait(ctx, resp)
				return err
			})
			if err != nil {
				if core.IsWaitTimeout(err) {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
				return err
			}
			return printOperation(cmd.OutOrStdout(), globals.output, op)
		},
	}

	cmd.Flags().IntVar(&timeout, "timeout", 0, "seconds to wait, 0 uses the configured wait timeout")

	return cmd
}

func operationURL(arg string) string {
	if strings.HasPrefix(arg, "/1.0/operations/") {
		return arg
	}
	return "/1.0/operations/" + arg
}
