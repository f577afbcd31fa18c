package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/canonical/lxdops/pkg/lxdops"
	"github.com/canonical/lxdops/pkg/lxdops/actions"
	"github.com/canonical/lxdops/pkg/lxdops/api"
	"github.com/canonical/lxdops/pkg/lxdops/bulk"
	"github.com/canonical/lxdops/pkg/lxdops/core"
	"github.com/canonical/lxdops/pkg/lxdops/notify"
)

func newInstancesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"instance"},
		Short:   "Act on instances",
	}

	cmd.AddCommand(newInstancesListCommand())
	cmd.AddCommand(newInstancesActionCommand())
	cmd.AddCommand(newInstancesDeleteCommand())
	cmd.AddCommand(newInstancesConsoleLogCommand())
	cmd.AddCommand(newInstancesRestoreCommand())

	return cmd
}

// instanceView is a listed instance with the actions that apply to it
type instanceView struct {
	api.Instance `yaml:",inline"`
	Actions      []actions.Action `json:"actions" yaml:"actions"`
}

func newInstancesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instances and the actions available for them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			list, err := client.Instances.List(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

			views := make([]instanceView, len(list))
			for i, inst := range list {
				views[i] = instanceView{
					Instance: inst,
					Actions:  actions.Available([]actions.Instance{toActionInstance(inst)}),
				}
			}

			return render(cmd.OutOrStdout(), globals.output, views, func(w io.Writer) error {
				for _, v := range views {
					names := make([]string, len(v.Actions))
					for i, a := range v.Actions {
						names[i] = string(a)
					}
					fmt.Fprintf(w, "%-24s %-10s %s\n", v.Name, v.Status, strings.Join(names, ","))
				}
				return nil
			})
		},
	}
}

func newInstancesActionCommand() *cobra.Command {
	var (
		force      bool
		all        bool
		background bool
	)

	cmd := &cobra.Command{
		Use:   "action [start|stop|restart|freeze] [instance...]",
		Short: "Apply a state action to several instances",
		Long: `Apply a state action to the named instances, or to all of them with --all.
Instances whose status makes the action meaningless are skipped. The command
waits for every started operation and exits non-zero when any failed.

With --background the command only submits the actions. Their outcomes are
logged as the event stream reports them, for as long as the wait timeout
allows; operations still running then carry on without the command.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired := actions.Action(args[0])
			if !actions.IsDesired(desired) {
				return fmt.Errorf("unknown action %q, want one of %v", args[0], actions.Desired)
			}
			if !all && len(args) < 2 {
				return fmt.Errorf("name at least one instance or pass --all")
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			selection, err := selectInstances(cmd.Context(), client, args[1:], all)
			if err != nil {
				return err
			}

			var (
				results []bulk.Result
				skipped []actions.Instance
			)
			err = withListener(cmd.Context(), client, func(ctx context.Context) error {
				var err error
				if !background {
					results, skipped, err = client.InstanceAction(ctx, desired, selection, force)
					return err
				}

				results, skipped, err = client.SubmitInstanceAction(ctx, desired, selection, force)
				if err != nil {
					return err
				}
				settleCtx, cancel := context.WithTimeout(ctx, client.Config.Operations.WaitTimeout)
				defer cancel()
				if err := client.Settled(settleCtx, accepted(results)...); err != nil {
					client.Logger().Info().
						Interface("instances", client.Processing.Names()).
						Msg("operations continue in the background")
				}
				return nil
			})
			if err != nil {
				return err
			}

			report := bulkReport{Results: results}
			for _, inst := range skipped {
				report.Skipped = append(report.Skipped, inst.Name)
			}
			if err := printBulk(cmd.OutOrStdout(), globals.output, report); err != nil {
				return err
			}
			return bulkError(results, nil)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "force stop and restart")
	cmd.Flags().BoolVar(&all, "all", false, "act on every instance of the project")
	cmd.Flags().BoolVar(&background, "background", false, "submit only and report outcomes from the event stream")

	return cmd
}

func newInstancesDeleteCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete [instance...]",
		Short: "Delete instances, stopping running ones first",
		Long: `Delete the named instances. An instance that is still running or frozen is
stopped first and only deleted once the stop succeeded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			selection, err := selectInstances(cmd.Context(), client, args, false)
			if err != nil {
				return err
			}

			var results []bulk.Result
			err = withListener(cmd.Context(), client, func(ctx context.Context) error {
				var err error
				results, err = client.DeleteInstances(ctx, selection, force)
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

	cmd.Flags().BoolVar(&force, "force", false, "force the stop of running instances")

	return cmd
}

// accepted names the instances whose request the server took
func accepted(results []bulk.Result) []string {
	names := make([]string, 0, len(results))
	for _, r := range results {
		if r.Success {
			names = append(names, r.Name)
		}
	}
	return names
}

// selectInstances looks up the named instances, or every instance with all
func selectInstances(ctx context.Context, client *lxdops.Client, names []string, all bool) ([]actions.Instance, error) {
	list, err := client.Instances.List(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]api.Instance, len(list))
	for _, inst := range list {
		byName[inst.Name] = inst
	}

	if all {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		out := make([]actions.Instance, len(list))
		for i, inst := range list {
			out[i] = toActionInstance(inst)
		}
		return out, nil
	}

	out := make([]actions.Instance, 0, len(names))
	for _, name := range names {
		inst, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("instance %q not found", name)
		}
		out = append(out, toActionInstance(inst))
	}
	return out, nil
}

func toActionInstance(inst api.Instance) actions.Instance {
	return actions.Instance{Name: inst.Name, Project: inst.Project, Status: actions.Status(inst.Status)}
}

func newInstancesConsoleLogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "console-log [instance]",
		Short: "Print the console buffer of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			log, err := client.Instances.ConsoleLog(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), log)
			return err
		},
	}
}

func newInstancesRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [instance] [backup-file]",
		Short: "Create an instance from a backup tarball",
		Long: `Upload a backup tarball and wait for the instance it describes to be
created. Interrupting the command aborts the upload.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open backup %s: %w", path, err)
			}
			defer f.Close()

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			var op *core.Operation
			err = withListener(cmd.Context(), client, func(ctx context.Context) error {
				resp, err := client.Instances.CreateFromBackup(ctx, name, f)
				if err != nil {
					return err
				}
				op, err = client.Wait(ctx, resp)
				return err
			})
			client.Notifier.Report(notify.Messages{
				Success:      fmt.Sprintf("Instance %s restored", name),
				FailureTitle: fmt.Sprintf("Failed to restore %s", name),
				Resource:     name,
				Invalidate:   []string{"instances"},
			}, err)
			if err != nil {
				return err
			}
			return printOperation(cmd.OutOrStdout(), globals.output, op)
		},
	}
}
