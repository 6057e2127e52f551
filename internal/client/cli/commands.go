package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/client/notifier"
	"github.com/dmitrijs2005/petsync/internal/client/scheduler"
	"github.com/spf13/cobra"
)

// Engine is the part of the sync engine the commands use.
type Engine interface {
	EnqueueMutation(ctx context.Context, kind, id string, patch map[string]any) (string, error)
	Read(kind, id string) (*models.VersionedRecord, bool)
	Keys() []models.EntityKey
	FlushNow(ctx context.Context) error
	State() (scheduler.State, error)
	Pending() []*models.Mutation
	Failed() []*models.Mutation
	Retry(ctx context.Context, ids ...string) error
	OnAny(fn func(notifier.Change)) *notifier.Subscription
	OnOutcome(fn func(notifier.OutcomeEvent)) *notifier.Subscription
	DeviceID() string
}

func newSetCommand(opts *RootOptions) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "set <kind/id> <field=value>...",
		Short: "Edit fields of an entity",
		Long: `Record an edit locally and push it to the server.

Values are parsed as JSON when possible (numbers, booleans, null, arrays,
objects, quoted strings); anything else is taken as a plain string.

Example:
  petsync set pet/rex name=Rex hunger=3 tags='["good","boy"]'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id, err := parseEntity(args[0])
			if err != nil {
				return err
			}
			patch, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}

			return withSession(cmd, opts, !offline, func(ctx context.Context, s Session) error {
				eng := s.Engine()
				mid, err := eng.EnqueueMutation(ctx, kind, id, patch)
				if err != nil {
					return err
				}
				if !offline {
					if err := eng.FlushNow(ctx); err != nil {
						return err
					}
				}

				out := newFormatter(cmd.OutOrStdout(), opts.Output)
				status := models.StatusConfirmed
				for _, m := range append(eng.Pending(), eng.Failed()...) {
					if m.ID == mid {
						status = m.Status
					}
				}
				return out.emit(map[string]string{"id": mid, "status": string(status)}, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", mid, status)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "only record the edit; push on a later sync")
	return cmd
}

func newGetCommand(opts *RootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "get [kind/id]",
		Short: "Show the local view of an entity, or of every entity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var keys []models.EntityKey
			if len(args) == 1 {
				kind, id, err := parseEntity(args[0])
				if err != nil {
					return err
				}
				keys = append(keys, models.EntityKey{Kind: kind, ID: id})
			}

			return withSession(cmd, opts, refresh, func(ctx context.Context, s Session) error {
				eng := s.Engine()
				if refresh {
					if err := eng.FlushNow(ctx); err != nil {
						return err
					}
				}
				if keys == nil {
					keys = eng.Keys()
				}

				out := newFormatter(cmd.OutOrStdout(), opts.Output)
				for _, k := range keys {
					rec, ok := eng.Read(k.Kind, k.ID)
					if !ok {
						return fmt.Errorf("%s: not found", k)
					}
					v := newRecordView(k, rec, nil)
					if err := out.emit(v, v.text); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "sync with the server before reading")
	return cmd
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending edits and pull remote changes now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, true, func(ctx context.Context, s Session) error {
				eng := s.Engine()
				if err := eng.FlushNow(ctx); err != nil {
					return err
				}

				st, lastErr := eng.State()
				res := map[string]any{
					"state":   string(st),
					"pending": len(eng.Pending()),
					"failed":  len(eng.Failed()),
				}
				if lastErr != nil {
					res["error"] = lastErr.Error()
				}

				return newFormatter(cmd.OutOrStdout(), opts.Output).emit(res, func(w io.Writer) {
					fmt.Fprintf(w, "state: %s, pending: %d, failed: %d\n", st, res["pending"], res["failed"])
					if lastErr != nil {
						fmt.Fprintf(w, "last error: %v\n", lastErr)
					}
				})
			})
		},
	}
}

func newWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously and print every change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withSession(cmd, opts, true, func(ctx context.Context, s Session) error {
				out := newFormatter(cmd.OutOrStdout(), opts.Output)
				events := make(chan func(), 64)

				changes := s.Engine().OnAny(func(c notifier.Change) {
					v := newRecordView(c.Entity, c.Record, c.ChangedPaths)
					send(ctx, events, func() { _ = out.emit(v, v.text) })
				})
				defer changes.Unsubscribe()

				outcomes := s.Engine().OnOutcome(func(ev notifier.OutcomeEvent) {
					if ev.Status == models.PushAccepted {
						return
					}
					v := map[string]string{"mutation": ev.MutationID, "entity": ev.Entity.String(), "status": string(ev.Status), "reason": ev.Reason}
					send(ctx, events, func() {
						_ = out.emit(v, func(w io.Writer) {
							fmt.Fprintf(w, "! %s %s %s %s\n", ev.Entity, ev.MutationID, ev.Status, ev.Reason)
						})
					})
				})
				defer outcomes.Unsubscribe()

				for {
					select {
					case show := <-events:
						show()
					case <-ctx.Done():
						return nil
					}
				}
			})
		},
	}
}

// send hands an event to the printing loop unless the command is done.
func send(ctx context.Context, ch chan<- func(), f func()) {
	select {
	case ch <- f:
	case <-ctx.Done():
	}
}

func newPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List mutations not yet confirmed by the server, and rejected ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, false, func(ctx context.Context, s Session) error {
				eng := s.Engine()
				out := newFormatter(cmd.OutOrStdout(), opts.Output)
				for _, m := range append(eng.Pending(), eng.Failed()...) {
					v := newMutationView(m)
					if err := out.emit(v, v.text); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [mutation-id...]",
		Short: "Queue rejected mutations again (all of them when no id is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, false, func(ctx context.Context, s Session) error {
				eng := s.Engine()
				ids := args
				if len(ids) == 0 {
					for _, m := range eng.Failed() {
						ids = append(ids, m.ID)
					}
				}
				if len(ids) == 0 {
					return nil
				}
				if err := eng.Retry(ctx, ids...); err != nil {
					return err
				}
				return newFormatter(cmd.OutOrStdout(), opts.Output).emit(map[string]any{"requeued": ids}, func(w io.Writer) {
					fmt.Fprintf(w, "requeued %d mutation(s)\n", len(ids))
				})
			})
		},
	}
}

func newDeviceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Print the id of this installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, false, func(ctx context.Context, s Session) error {
				id := s.Engine().DeviceID()
				return newFormatter(cmd.OutOrStdout(), opts.Output).emit(map[string]string{"device_id": id}, func(w io.Writer) {
					fmt.Fprintln(w, id)
				})
			})
		},
	}
}
