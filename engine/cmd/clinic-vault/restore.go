package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"clinic-vault/engine/internal/backuperr"
	"clinic-vault/engine/internal/service"
	"clinic-vault/engine/internal/verify"
)

var (
	restoreYes     bool
	reconcileWatch bool
	reconcileQuiet time.Duration
)

var verifyCmd = &cobra.Command{
	Use:   "verify [name|path]",
	Short: "Check a backup without touching the live database",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVerify,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [name|path]",
	Short: "Replace the live database with a backup",
	Long: `Restore a backup over the live clinic database.

The backup is verified before anything is replaced. If the restored
database fails its checks the previous database is put back. Without
an argument the backup is picked from the catalog.

Examples:
  clinic-vault restore backup_20240301T120000Z.tar.zst
  clinic-vault restore /mnt/usb/clinic.db --yes`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRestore,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Move legacy images into the canonical layout and relink records",
	Long: `Move legacy images into the canonical layout and relink records.

With --watch the pass runs again whenever the image directory changes,
until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "Do not ask for confirmation")
	reconcileCmd.Flags().BoolVarP(&reconcileWatch, "watch", "w", false, "Keep running and reconcile after every image change")
	reconcileCmd.Flags().DurationVar(&reconcileQuiet, "quiet", 2*time.Second, "How long the image tree must be still before a pass")
}

func runVerify(cmd *cobra.Command, args []string) error {
	ref, err := pickBackup(args, "Verify which backup?")
	if errors.Is(err, errNoSelection) {
		return nil
	} else if err != nil {
		return err
	}
	ctx, cancel := getContext()
	defer cancel()

	rep, err := svc.VerifyBackup(ctx, ref)
	printReport(rep)
	if err != nil {
		fmt.Println(FormatError("Backup is not usable"))
		return err
	}
	fmt.Println(FormatSuccess("Backup is valid"))
	return nil
}

func printReport(rep verify.Report) {
	if rep.Format != "" {
		fmt.Println(FormatInfo(fmt.Sprintf("format %s, integrity %s", rep.Format, rep.Integrity)))
	}
	for _, name := range appCfg.ExpectedTables {
		if n, ok := rep.Tables[name]; ok {
			fmt.Println(StyleMuted.Render(fmt.Sprintf("  %-24s %s", name, humanize.Comma(n))))
		}
	}
	for _, name := range rep.MissingTables {
		fmt.Println(FormatWarning("missing table " + name))
	}
	if rep.AssetFiles > 0 {
		fmt.Println(FormatInfo(fmt.Sprintf("%d image files", rep.AssetFiles)))
	}
	printWarnings(rep.Warnings)
}

func confirm(prompt string) bool {
	fmt.Print(StyleWarning.Render(prompt + " [y/N]: "))
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func runRestore(cmd *cobra.Command, args []string) error {
	ref, err := pickBackup(args, "Restore which backup?")
	if errors.Is(err, errNoSelection) {
		return nil
	} else if err != nil {
		return err
	}
	if !restoreYes && !confirm("Replace the live database with "+ref+"?") {
		fmt.Println(FormatInfo("Restore cancelled"))
		return nil
	}
	ctx, cancel := getContext()
	defer cancel()

	res, err := svc.RestoreBackup(ctx, ref)
	if err != nil {
		var rerr *backuperr.RestoreError
		switch {
		case errors.Is(err, backuperr.ErrRestoreInProgress):
			fmt.Println(FormatError("Another restore is running"))
		case errors.As(err, &rerr) && rerr.RollbackErr != nil:
			fmt.Println(FormatError("Restore failed and the previous database could not be put back"))
			fmt.Println(FormatInfo("Copy of the previous database: " + res.Transaction.ScratchPath))
		case errors.Is(err, backuperr.ErrPartialRestore):
			fmt.Println(FormatError("Restore failed, previous database restored"))
		case errors.Is(err, backuperr.ErrCorruptArtifact), errors.Is(err, backuperr.ErrIncompleteSchema):
			printReport(res.Report)
			fmt.Println(FormatError("Backup rejected, nothing was changed"))
		case errors.Is(err, backuperr.ErrNotFound):
			fmt.Println(FormatError("No backup named " + ref))
		default:
			fmt.Println(FormatError("Restore failed"))
		}
		return err
	}
	printWarnings(res.Warnings)
	fmt.Println(FormatSuccess(fmt.Sprintf("Restored %s records", humanize.Comma(res.Report.TotalRecords))))
	if res.AssetsCopied > 0 {
		fmt.Println(FormatInfo(fmt.Sprintf("%d image files restored, %d records relinked", res.AssetsCopied, res.Relink.Total())))
	}
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, cancel := getContext()
	defer cancel()

	if reconcileWatch {
		fmt.Println(FormatInfo("Watching " + appCfg.AssetDir + ", Ctrl-C to stop"))
		return svc.WatchAssets(ctx, reconcileQuiet, func(res service.ReconcileResult, err error) {
			if err != nil {
				fmt.Println(FormatError("Reconcile failed: " + err.Error()))
				return
			}
			printReconcile(res)
		})
	}
	res, err := svc.ReconcileAssets(ctx)
	if err != nil {
		fmt.Println(FormatError("Reconcile failed"))
		return err
	}
	printReconcile(res)
	return nil
}

func printReconcile(res service.ReconcileResult) {
	fmt.Println(FormatSuccess(fmt.Sprintf("%d images migrated, %d relinked, %d registered",
		res.Migrated, res.Relink.Relinked, res.Relink.Registered)))
	for _, u := range res.Unresolved {
		fmt.Println(FormatWarning(fmt.Sprintf("image %s: %s", u.ImageID, u.Reason)))
	}
	for _, o := range res.Relink.Flagged {
		fmt.Println(FormatWarning(fmt.Sprintf("%s: %s", o.Path, o.Reason)))
	}
}
