package cli

import (
	"github.com/spf13/cobra"
)

var siteEnableCmd = &cobra.Command{
	Use:   "enable <domain>",
	Short: "Put a disabled site back online",
	Long: `Link the vhost of a disabled site back into sites-enabled, then
validate and reload nginx in one transaction.

Examples:
  sitectl site enable example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runSiteEnable,
}

var siteDisableCmd = &cobra.Command{
	Use:   "disable <domain>",
	Short: "Take a site offline without deleting it",
	Long: `Remove the sites-enabled link of a site. Its vhost, pool, releases and
certificate stay in place, so enable brings it back as it was.

Examples:
  sitectl site disable example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runSiteDisable,
}

func init() {
	siteCmd.AddCommand(siteEnableCmd)
	siteCmd.AddCommand(siteDisableCmd)
}

func runSiteEnable(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	progress("Enabling %s...", args[0])
	s, err := o.Enable(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	return outputResult(newSiteView(s), "Site %s enabled", s.Domain)
}

func runSiteDisable(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	progress("Disabling %s...", args[0])
	s, err := o.Disable(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	return outputResult(newSiteView(s), "Site %s disabled", s.Domain)
}
