package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/groupbot/internal/session"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with stored credentials",
		Args:  cobra.NoArgs,
		RunE:  runSessions,
	}
}

func runSessions(cmd *cobra.Command, _ []string) error {
	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.close()

	names, err := listSessionDirs(sessionsDir(a.cfg))
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tENABLED\tGROUPS\tSELECTED")
	for _, name := range names {
		ss := a.store.ForSession(name)
		settings, err := ss.Settings(ctx)
		if err != nil {
			return err
		}
		counters, err := ss.Counters(ctx)
		if err != nil {
			return err
		}
		selected := fmt.Sprint(len(settings.SelectedGroups))
		if settings.SendToAll {
			selected = "all"
		}
		fmt.Fprintf(w, "%s\t%t\t%d\t%s\n", name, settings.Enabled, len(counters), selected)
	}
	return w.Flush()
}

// listSessionDirs returns the valid session names found under root.
func listSessionDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() || !session.ValidSession(e.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "whatsapp.db")); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
