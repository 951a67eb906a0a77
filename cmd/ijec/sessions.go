package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var sessionsClearApp string

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and remove persisted session records",
		Long: `Every encrypt job persists its progress in the session cache so an
interrupted job can resume. These subcommands show and remove those records.`,
		Example: `  ijec sessions list
  ijec sessions clear --app myapp`,
	}

	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsClearCmd(),
	)

	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted session records",
		Args:  cobra.NoArgs,
		RunE:  sessionsListRun,
	}
}

func sessionsListRun(cmd *cobra.Command, args []string) error {
	cache, err := openCache()
	if err != nil {
		return err
	}

	entries, err := cache.List()
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No session records.")
		return nil
	}

	fmt.Printf("Session cache: %s\n\n", cache.Root())
	fmt.Printf("%-16s %-14s %20s %-14s %s\n", "App", "Step", "Uploaded", "Updated", "Entry")
	fmt.Println(strings.Repeat("-", 90))

	for _, e := range entries {
		if e.Record == nil {
			fmt.Printf("%-16s %-14s %20s %-14s %s\n", "?", "CORRUPT", "-", "-", e.Key)
			continue
		}
		rec := e.Record
		uploaded := fmt.Sprintf("%s/%s",
			humanize.Bytes(uint64(rec.UploadCursor)), humanize.Bytes(uint64(rec.ArchiveSize)))
		updated := "-"
		if !rec.UpdatedAt.IsZero() {
			updated = humanize.Time(rec.UpdatedAt)
		}
		fmt.Printf("%-16s %-14s %20s %-14s %s\n", rec.AppID, rec.Step, uploaded, updated, rec.EntryDir)
	}

	fmt.Println("")
	return nil
}

func newSessionsClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove persisted session records",
		Long: `Remove session records so the next encrypt run starts a new session.
Tokens held by removed records are not released; use stopall for that.`,
		Args: cobra.NoArgs,
		RunE: sessionsClearRun,
	}

	cmd.Flags().StringVar(&sessionsClearApp, "app", "", "only remove records of this app id")

	return cmd
}

func sessionsClearRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	cache, err := openCache()
	if err != nil {
		return err
	}

	removed, err := cache.Clear(sessionsClearApp)
	if err != nil {
		return err
	}

	log.Info("session records removed", "count", removed, "app_id", sessionsClearApp)
	fmt.Printf("Removed %d session record(s).\n", removed)
	return nil
}
