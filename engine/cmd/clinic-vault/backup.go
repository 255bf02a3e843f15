package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"clinic-vault/engine/internal/backuperr"
	"clinic-vault/engine/internal/registry"
	"clinic-vault/engine/internal/service"
	"clinic-vault/engine/internal/snapshot"
)

var (
	createAssets   bool
	createTarget   string
	createConflict string
	pruneKeep      int
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create and verify a new backup",
	Long: `Create a backup of the clinic database.

Without --assets the backup is a single SQLite file. With --assets the
database and the dental image tree are packed into a .tar.zst archive.

Examples:
  clinic-vault create
  clinic-vault create --assets --target /mnt/usb/clinic --on-conflict rename`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recorded backups, newest first",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a backup and its catalog entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest backups",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	createCmd.Flags().BoolVarP(&createAssets, "assets", "a", false, "Include the dental image tree")
	createCmd.Flags().StringVarP(&createTarget, "target", "t", "", "Backup file path (default: timestamped name in the backup dir)")
	createCmd.Flags().StringVar(&createConflict, "on-conflict", "fail", "When the target exists: fail, overwrite or rename")

	pruneCmd.Flags().IntVarP(&pruneKeep, "keep", "k", 0, "Backups to keep (default: keep_count from config)")
}

func runCreate(cmd *cobra.Command, args []string) error {
	policy, err := snapshot.ParseConflict(createConflict)
	if err != nil {
		return err
	}
	ctx, cancel := getContext()
	defer cancel()

	start := time.Now()
	res, err := svc.CreateBackup(ctx, service.CreateOptions{
		TargetPath:    createTarget,
		IncludeAssets: createAssets,
		OnConflict:    policy,
	})
	if err != nil {
		switch {
		case errors.Is(err, backuperr.ErrTargetExists):
			fmt.Println(FormatError("Target already exists"))
			fmt.Println(FormatInfo("Use --on-conflict overwrite or rename"))
		case errors.Is(err, backuperr.ErrSourceUnavailable):
			fmt.Println(FormatError("Clinic database is unavailable"))
		default:
			fmt.Println(FormatError("Backup failed"))
		}
		return err
	}
	printWarnings(res.Warnings)
	fmt.Println(FormatSuccess("Backup created: " + res.Record.Name))
	fmt.Println(FormatInfo(fmt.Sprintf("%s, %d records, %s",
		humanize.Bytes(uint64(res.Record.Size)), res.Report.TotalRecords, time.Since(start).Round(time.Millisecond))))
	if res.Migrated > 0 {
		fmt.Println(FormatInfo(fmt.Sprintf("%d legacy images moved to the canonical layout", res.Migrated)))
	}
	fmt.Println(StyleMuted.Render(res.Record.Path))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	recs, err := svc.ListBackups(ctx)
	if err != nil {
		fmt.Println(FormatError("Failed to read the backup catalog"))
		return err
	}
	if len(recs) == 0 {
		fmt.Println(FormatWarning("No backups found"))
		return nil
	}
	fmt.Print(renderRecords(recs, time.Now()))
	return nil
}

func renderRecords(recs []registry.BackupRecord, now time.Time) string {
	width := len("NAME")
	for _, r := range recs {
		width = max(width, len(r.Name))
	}
	var b strings.Builder
	row := func(name, size, format, age string) string {
		return fmt.Sprintf("%-*s  %9s  %-8s  %s", width, name, size, format, age)
	}
	b.WriteString(StyleHeader.Render(row("NAME", "SIZE", "FORMAT", "CREATED")) + "\n")
	for _, r := range recs {
		line := row(r.Name, humanize.Bytes(uint64(r.Size)), string(r.Format), humanize.RelTime(r.CreatedAt, now, "ago", "from now"))
		b.WriteString(line + "\n")
	}
	b.WriteString(StyleMuted.Render(fmt.Sprintf("%d backups", len(recs))) + "\n")
	return b.String()
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	if err := svc.DeleteBackup(ctx, args[0]); err != nil {
		if errors.Is(err, backuperr.ErrNotFound) {
			fmt.Println(FormatError("No backup named " + args[0]))
		}
		return err
	}
	fmt.Println(FormatSuccess("Deleted " + args[0]))
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	removed, err := svc.PruneBackups(ctx, pruneKeep)
	for _, r := range removed {
		fmt.Println(FormatInfo("Removed " + r.Name))
	}
	if err != nil {
		fmt.Println(FormatError("Prune stopped early"))
		return err
	}
	if len(removed) == 0 {
		fmt.Println(FormatSuccess("Nothing to prune"))
		return nil
	}
	fmt.Println(FormatSuccess(fmt.Sprintf("Pruned %d backups", len(removed))))
	return nil
}
