package cli

import (
	"github.com/spf13/cobra"

	"github.com/ksyq12/sitectl/internal/input"
	"github.com/ksyq12/sitectl/internal/output"
	"github.com/ksyq12/sitectl/internal/site"
)

var (
	forceDelete bool
)

var siteDeleteCmd = &cobra.Command{
	Use:     "delete <domain>",
	Aliases: []string{"rm", "remove"},
	Short:   "Delete a site",
	Long: `Take a site offline and remove its configuration, certificate, releases
and history. This cannot be undone.

Examples:
  sitectl site delete example.com
  sitectl site rm example.com --force`,
	Args: cobra.ExactArgs(1),
	RunE: runSiteDelete,
}

var siteRenameCmd = &cobra.Command{
	Use:   "rename <domain> <new-domain>",
	Short: "Move a site to a new domain",
	Long: `Move a site, its releases and config history to a new domain in one
validated transaction. The certificate of the old domain is removed; issue
a new one for the new domain afterwards.

Examples:
  sitectl site rename old.example.com new.example.com`,
	Args: cobra.ExactArgs(2),
	RunE: runSiteRename,
}

func init() {
	siteDeleteCmd.Flags().BoolVarP(&forceDelete, "force", "f", false, "Delete without confirmation")

	siteCmd.AddCommand(siteDeleteCmd)
	siteCmd.AddCommand(siteRenameCmd)
}

func runSiteDelete(cmd *cobra.Command, args []string) error {
	domain := args[0]

	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	if _, err := o.Get(domain); err != nil {
		return err
	}

	if !forceDelete {
		ok, err := input.Confirm(deps.StdinReader, output.Writer(), "Delete site '"+domain+"' and all its files?")
		if err != nil {
			return err
		}
		if !ok {
			progress("Deletion cancelled")
			return nil
		}
	}

	progress("Deleting %s...", domain)
	if err := o.Delete(commandContext(cmd), domain); err != nil {
		return err
	}
	return outputResult(newSuccessResult(domain, "deleted"), "Site %s deleted", domain)
}

func runSiteRename(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	prev, err := o.Get(args[0])
	if err != nil {
		return err
	}
	s, err := o.Rename(commandContext(cmd), args[0], args[1])
	if err != nil {
		return err
	}
	if !jsonOutput && prev.SSLState != site.SSLNone {
		output.Warn("Issue a certificate for %s with: sitectl ssl issue %s", s.Domain, s.Domain)
	}
	return outputResult(newSiteView(s), "Site %s renamed to %s", args[0], s.Domain)
}
