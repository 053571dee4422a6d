package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/output"
)

var (
	pruneKeep int
)

var siteSnapshotsCmd = &cobra.Command{
	Use:   "snapshots <domain>",
	Short: "List the config snapshots of a site",
	Long: `List the retained config snapshots of a site. The snapshot marked HEAD
is the one currently applied.

Examples:
  sitectl site snapshots example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runSiteSnapshots,
}

var siteRollbackCmd = &cobra.Command{
	Use:   "rollback <domain> <version>",
	Short: "Restore a config snapshot",
	Long: `Restore the vhost and pool files of a site to a snapshot version, then
validate and reload. If the restored config fails, the current one is put
back.

Examples:
  sitectl site rollback example.com 3`,
	Args: cobra.ExactArgs(2),
	RunE: runSiteRollback,
}

var sitePruneCmd = &cobra.Command{
	Use:   "prune <domain>",
	Short: "Drop old config snapshots",
	Long: `Delete config snapshots beyond the newest --keep (default from config).

Examples:
  sitectl site prune example.com --keep 5`,
	Args: cobra.ExactArgs(1),
	RunE: runSitePrune,
}

var siteRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Mark sites interrupted by a crash as failed",
	Long: `Mark every site left in creating, updating or deleting by a process
that did not finish as failed. Run at boot, before other commands.

Examples:
  sitectl site recover`,
	Args: cobra.NoArgs,
	RunE: runSiteRecover,
}

func init() {
	sitePruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "Number of snapshots to keep")

	siteCmd.AddCommand(siteSnapshotsCmd)
	siteCmd.AddCommand(siteRollbackCmd)
	siteCmd.AddCommand(sitePruneCmd)
	siteCmd.AddCommand(siteRecoverCmd)
}

func runSiteSnapshots(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(false)
	if err != nil {
		return err
	}
	s, err := o.Get(args[0])
	if err != nil {
		return err
	}
	snaps, err := o.Snapshots(s.Domain)
	if err != nil {
		return err
	}

	items := make([]snapshotView, 0, len(snaps))
	for _, sn := range snaps {
		items = append(items, newSnapshotView(sn, s.ConfigVersion))
	}
	if jsonOutput {
		return output.JSON(items)
	}
	if len(items) == 0 {
		output.Info("No snapshots for %s", s.Domain)
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		version := strconv.Itoa(it.Version)
		if it.Head {
			version += " (HEAD)"
		}
		rows = append(rows, []string{
			version,
			strconv.Itoa(it.Parent),
			it.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strings.Join(it.Paths, ", "),
		})
	}
	output.Table([]string{"VERSION", "PARENT", "CREATED", "FILES"}, rows)
	return nil
}

func runSiteRollback(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(strings.TrimPrefix(args[1], "v"))
	if err != nil || version < 0 {
		return errors.Validationf("invalid snapshot version %q", args[1])
	}
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	s, err := o.RollbackConfig(commandContext(cmd), args[0], version)
	if err != nil {
		return err
	}
	return outputResult(newSiteView(s), "Site %s restored to config %d as v%d", s.Domain, version, s.ConfigVersion)
}

func runSitePrune(cmd *cobra.Command, args []string) error {
	if pruneKeep < 0 {
		return errors.Validation("--keep must not be negative")
	}
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	removed, err := o.PruneSnapshots(args[0], pruneKeep)
	if err != nil {
		return err
	}
	result := newSuccessResult(args[0], "pruned")
	result.Message = fmt.Sprintf("%d snapshots removed", removed)
	return outputResult(result, "Pruned %d snapshots of %s", removed, args[0])
}

func runSiteRecover(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	rec, err := o.Recover(commandContext(cmd))
	if err != nil {
		return err
	}
	if jsonOutput {
		return output.JSON(map[string]interface{}{
			"success":    true,
			"recovered":  append([]string{}, rec.Failed...),
			"reconciled": append([]string{}, rec.Reconciled...),
		})
	}
	if len(rec.Failed) == 0 && len(rec.Reconciled) == 0 {
		output.Success("No interrupted sites")
		return nil
	}
	for _, d := range rec.Reconciled {
		output.Warn("%s: interrupted config write undone", d)
	}
	for _, d := range rec.Failed {
		output.Warn("%s marked failed; delete or re-create it", d)
	}
	return nil
}
