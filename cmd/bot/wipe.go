package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/groupbot/internal/apperror"
)

func newWipeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wipe [session]",
		Short: "Delete a session's credentials so it pairs from scratch",
		Long: `Delete the stored WhatsApp credentials of a session. Settings, counters,
presets and templates are kept unless --data is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runWipe,
	}
	cmd.Flags().Bool("data", false, "also delete the session's settings, counters, presets and templates")
	return cmd
}

func runWipe(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.close()

	name, err := a.strictSessionName(args)
	if err != nil {
		return err
	}
	withData, _ := cmd.Flags().GetBool("data")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.manager.Wipe(ctx, name); err != nil {
		if apperror.Is(err, apperror.KindIncomplete) {
			return fmt.Errorf("%w; remove the session directory manually before logging in again", err)
		}
		return err
	}
	a.notifier.Forget(name)

	if withData {
		if err := a.store.ForSession(name).Purge(ctx); err != nil {
			return fmt.Errorf("credentials wiped but data purge failed: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Session %s wiped\n", name)
	return nil
}
