package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/user/groupbot/internal/apperror"
	"github.com/user/groupbot/internal/provider"
	"github.com/user/groupbot/internal/storage"
)

// withSessionStore opens the app and runs fn against the store of the
// session named by --session.
func withSessionStore(cmd *cobra.Command, fn func(ctx context.Context, ss *storage.SessionStore) error) error {
	a, err := newApp(configPath(cmd))
	if err != nil {
		return err
	}
	defer a.close()

	var args []string
	if name, _ := cmd.Flags().GetString("session"); name != "" {
		args = []string{name}
	}
	name, err := a.strictSessionName(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, a.store.ForSession(name))
}

func addSessionFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("session", "s", "", "session to edit (default from config)")
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// changedString copies a flag into dst only when the user set it.
func changedString(flags *pflag.FlagSet, name string, dst **string) {
	if flags.Changed(name) {
		v, _ := flags.GetString(name)
		*dst = &v
	}
}

func changedBool(flags *pflag.FlagSet, name string, dst **bool) {
	if flags.Changed(name) {
		v, _ := flags.GetBool(name)
		*dst = &v
	}
}

func changedInt(flags *pflag.FlagSet, name string, dst **int) {
	if flags.Changed(name) {
		v, _ := flags.GetInt(name)
		*dst = &v
	}
}

func changedInt64(flags *pflag.FlagSet, name string, dst **int64) {
	if flags.Changed(name) {
		v, _ := flags.GetInt64(name)
		*dst = &v
	}
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change a session's auto-message settings",
	}
	addSessionFlag(cmd)

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the session's settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessionStore(cmd, func(ctx context.Context, ss *storage.SessionStore) error {
				settings, err := ss.Settings(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, settings)
			})
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Change the session's settings; omitted flags keep their value",
		Args:  cobra.NoArgs,
		RunE:  runSettingsSet,
	}
	f := set.Flags()
	f.Bool("enabled", false, "send when a group reaches its threshold")
	f.Int("threshold", storage.DefaultThreshold, "messages counted before a send")
	f.String("text", "", "message text")
	f.Bool("send-to-all", false, "target every group instead of the selection")
	f.StringSlice("groups", nil, "selected group ids (empty clears the selection)")
	f.String("image", "", "image file path (empty clears it)")
	f.String("audio", "", "audio file path (empty clears it)")
	f.String("video", "", "video file path (empty clears it)")
	f.Bool("random", false, "pick a random template per send")
	f.Int64("template", 0, "global template id")
	f.Bool("clear-template", false, "drop the global template")

	cmd.AddCommand(show, set)
	return cmd
}

// settingsPatchFromFlags builds a partial update from the flags the user
// set.
func settingsPatchFromFlags(flags *pflag.FlagSet) *settingsPatch {
	var p settingsPatch
	changedBool(flags, "enabled", &p.Enabled)
	changedInt(flags, "threshold", &p.Threshold)
	changedString(flags, "text", &p.TextMessage)
	changedBool(flags, "send-to-all", &p.SendToAll)
	if flags.Changed("groups") {
		groups, _ := flags.GetStringSlice("groups")
		p.SelectedGroups = &groups
	}
	changedString(flags, "image", &p.ImagePath)
	changedString(flags, "audio", &p.AudioPath)
	changedString(flags, "video", &p.VideoPath)
	changedBool(flags, "random", &p.RandomMode)
	changedInt64(flags, "template", &p.GlobalTemplateID)
	p.ClearTemplate, _ = flags.GetBool("clear-template")
	return &p
}

func runSettingsSet(cmd *cobra.Command, _ []string) error {
	patch := settingsPatchFromFlags(cmd.Flags())
	return withSessionStore(cmd, func(ctx context.Context, ss *storage.SessionStore) error {
		settings, err := ss.UpdateSettings(ctx, patch.apply)
		if err != nil {
			return err
		}
		return printJSON(cmd, settings)
	})
}

func newTemplateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"templates"},
		Short:   "Manage a session's message templates",
	}
	addSessionFlag(cmd)

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessionStore(cmd, func(ctx context.Context, ss *storage.SessionStore) error {
				templates, err := ss.Templates(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tMEDIA\tTEXT")
				for _, t := range templates {
					fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", t.ID, t.Name, t.Media().HasAny(), preview(t.Text))
				}
				return w.Flush()
			})
		},
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Create a template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			patch := templatePatchFromFlags(cmd.Flags())
			return withSessionStore(cmd, func(ctx context.Context, ss *storage.SessionStore) error {
				tpl, err := ss.CreateTemplate(ctx, patch.input())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Template %d created\n", tpl.ID)
				return nil
			})
		},
	}
	addTemplateFlags(add.Flags())

	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a template; omitted flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTemplateID(args[0])
			if err != nil {
				return err
			}
			patch := templatePatchFromFlags(cmd.Flags())
			return withSessionStore(cmd, func(ctx context.Context, ss *storage.SessionStore) error {
				if _, err := ss.UpdateTemplate(ctx, id, patch.update()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Template %d updated\n", id)
				return nil
			})
		},
	}
	addTemplateFlags(edit.Flags())

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a template and clear every reference to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTemplateID(args[0])
			if err != nil {
				return err
			}
			return withSessionStore(cmd, func(ctx context.Context, ss *storage.SessionStore) error {
				if err := ss.DeleteTemplate(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Template %d deleted\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(ls, add, edit, rm)
	return cmd
}

func addTemplateFlags(f *pflag.FlagSet) {
	f.String("name", "", "template name")
	f.String("text", "", "template text")
	f.String("image", "", "image file path")
	f.String("audio", "", "audio file path")
	f.String("video", "", "video file path")
}

func templatePatchFromFlags(flags *pflag.FlagSet) *templatePatch {
	var p templatePatch
	changedString(flags, "name", &p.Name)
	changedString(flags, "text", &p.Text)
	changedString(flags, "image", &p.ImagePath)
	changedString(flags, "audio", &p.AudioPath)
	changedString(flags, "video", &p.VideoPath)
	return &p
}

func parseTemplateID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, apperror.NewValidation(fmt.Sprintf("invalid template id %q", arg))
	}
	return id, nil
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 40 {
		return string(r[:40]) + "..."
	}
	return text
}

func newPresetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "preset",
		Aliases: []string{"presets"},
		Short:   "Manage per-group overrides",
	}
	addSessionFlag(cmd)

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List group presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSessionStore(cmd, func(ctx context.Context, ss *storage.SessionStore) error {
				presets, err := ss.Presets(ctx)
				if err != nil {
					return err
				}
				if presets == nil {
					presets = []storage.Preset{}
				}
				return printJSON(cmd, presets)
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <group-id>",
		Short: "Create or change a group preset; omitted flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE:  runPresetSet,
	}
	f := set.Flags()
	f.Bool("enabled", false, "override the session's enabled flag")
	f.Int("threshold", 0, "override the session's threshold")
	f.Int("cooldown", 0, "seconds between sends to this group")
	f.Int64("template", 0, "template sent to this group")
	f.Int("rotate-index", 0, "next inline message to send")
	f.StringArray("message", nil, "inline rotation message text (repeatable)")
	f.Bool("clear-messages", false, "drop the inline rotation list")
	f.StringSlice("inherit", nil, "fields to reset to the session value: enabled, threshold, cooldown_sec, template_id")

	cmd.AddCommand(ls, set)
	return cmd
}

func presetPatchFromFlags(flags *pflag.FlagSet) (*presetPatch, error) {
	var p presetPatch
	changedBool(flags, "enabled", &p.Enabled)
	changedInt(flags, "threshold", &p.Threshold)
	changedInt(flags, "cooldown", &p.CooldownSec)
	changedInt64(flags, "template", &p.TemplateID)
	changedInt(flags, "rotate-index", &p.RotateIndex)
	p.Inherit, _ = flags.GetStringSlice("inherit")

	clearMessages, _ := flags.GetBool("clear-messages")
	if flags.Changed("message") {
		if clearMessages {
			return nil, apperror.NewValidation("--message and --clear-messages are exclusive")
		}
		texts, _ := flags.GetStringArray("message")
		msgs := make([]storage.SnapshotMessage, 0, len(texts))
		for _, text := range texts {
			msgs = append(msgs, storage.SnapshotMessage{Text: text})
		}
		p.Messages = &msgs
	} else if clearMessages {
		msgs := []storage.SnapshotMessage{}
		p.Messages = &msgs
	}
	return &p, nil
}

func runPresetSet(cmd *cobra.Command, args []string) error {
	group := args[0]
	if !provider.IsGroupID(group) {
		return apperror.NewValidation(fmt.Sprintf("%s is not a group", group))
	}
	patch, err := presetPatchFromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	update, err := patch.update()
	if err != nil {
		return err
	}
	return withSessionStore(cmd, func(ctx context.Context, ss *storage.SessionStore) error {
		preset, err := ss.SetPreset(ctx, group, update)
		if err != nil {
			return err
		}
		return printJSON(cmd, preset)
	})
}
