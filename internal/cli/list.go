package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ksyq12/sitectl/internal/output"
	"github.com/ksyq12/sitectl/internal/site"
)

var siteListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all sites",
	Long: `List all sites with their status.

Examples:
  sitectl site list
  sitectl site ls --json`,
	Args: cobra.NoArgs,
	RunE: runSiteList,
}

var siteShowCmd = &cobra.Command{
	Use:   "show <domain>",
	Short: "Show the details of a site",
	Long: `Show the details of a site, including its certificate and last
deployment.

Examples:
  sitectl site show example.com
  sitectl site show example.com --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSiteShow,
}

func init() {
	siteCmd.AddCommand(siteListCmd)
	siteCmd.AddCommand(siteShowCmd)
}

func runSiteList(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(false)
	if err != nil {
		return err
	}
	sites, err := o.List()
	if err != nil {
		return err
	}

	items := make([]siteView, 0, len(sites))
	for _, s := range sites {
		items = append(items, newSiteView(s))
	}
	if jsonOutput {
		return output.JSON(items)
	}
	if len(items) == 0 {
		output.Info("No sites configured")
		return nil
	}

	headers := []string{"DOMAIN", "STATUS", "PHP", "FRAMEWORK", "SSL", "DEPLOYED"}
	rows := make([][]string, 0, len(items))
	for _, s := range sites {
		deployed := "-"
		if d := s.LastDeployment; d != nil {
			deployed = fmt.Sprintf("%s (%s)", d.Outcome, d.At.Local().Format("2006-01-02 15:04"))
		}
		rows = append(rows, []string{
			s.Domain,
			statusOf(s),
			orDash(s.PHPVersion),
			serves(s),
			string(s.SSLState),
			deployed,
		})
	}
	output.Table(headers, rows)
	return nil
}

func statusOf(s *site.Site) string {
	if s.Disabled {
		return string(s.Status) + " (disabled)"
	}
	return string(s.Status)
}

// serves describes what the site serves: a framework or a proxy.
func serves(s *site.Site) string {
	if s.ProxyPass != "" {
		return "proxy"
	}
	return orDash(string(s.Framework))
}

func runSiteShow(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(false)
	if err != nil {
		return err
	}
	s, err := o.Get(args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return output.JSON(newSiteView(s))
	}

	source := string(s.Source.Kind)
	switch s.Source.Kind {
	case site.SourceGitHub:
		source = s.Source.RepoURL
		if ref := firstNonEmpty(s.Source.Ref, s.Source.Branch); ref != "" {
			source += "@" + ref
		}
	case site.SourceManual:
		source = s.Source.ArchivePath
	}

	fields := []output.Field{
		{Label: "Domain", Value: s.Domain},
		{Label: "Status", Value: statusOf(s)},
		{Label: "Last error", Value: s.LastError},
		{Label: "Document root", Value: s.DocumentRoot},
		{Label: "Serves", Value: s.ServeRoot()},
		{Label: "Proxy", Value: s.ProxyPass},
		{Label: "PHP", Value: s.PHPVersion},
		{Label: "Framework", Value: string(s.Framework)},
		{Label: "Source", Value: source},
		{Label: "SSL", Value: strings.TrimSpace(string(s.SSLState) + " " + s.SSLMethod)},
		{Label: "SSL error", Value: s.SSLError},
		{Label: "Config version", Value: fmt.Sprintf("v%d", s.ConfigVersion)},
		{Label: "Created", Value: s.CreatedAt.Local().Format(time.RFC3339)},
		{Label: "Updated", Value: s.UpdatedAt.Local().Format(time.RFC3339)},
	}
	if d := s.LastDeployment; d != nil {
		fields = append(fields,
			output.Field{Label: "Deployment", Value: fmt.Sprintf("%s %s at %s", d.ID, d.Outcome, d.At.Local().Format(time.RFC3339))},
			output.Field{Label: "Deployment error", Value: d.Error},
		)
	}
	output.Details(fields)
	return nil
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
