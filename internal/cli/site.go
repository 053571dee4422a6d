package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/orchestrator"
	"github.com/ksyq12/sitectl/internal/output"
	"github.com/ksyq12/sitectl/internal/site"
)

var (
	sitePHP        string
	siteSSL        string
	siteRepo       string
	siteBranch     string
	siteRef        string
	siteCredential string
	siteArchive    string
	siteNoSource   bool
	siteFramework  string
	siteProxy      string
	siteDeploy     bool
)

var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Create and manage sites",
}

var siteCreateCmd = &cobra.Command{
	Use:   "create <domain>",
	Short: "Create a site",
	Long: `Create a site: render its nginx vhost and PHP-FPM pool, validate and
reload both, then optionally issue a certificate and deploy its code.

Examples:
  sitectl site create example.com
  sitectl site create example.com --php 8.3 --ssl acme
  sitectl site create shop.example.com --repo https://github.com/acme/shop --branch main --deploy
  sitectl site create app.example.com --php none --proxy http://127.0.0.1:3000`,
	Args: cobra.ExactArgs(1),
	RunE: runSiteCreate,
}

var siteUpdateCmd = &cobra.Command{
	Use:   "update <domain>",
	Short: "Change the settings of a site",
	Long: `Change the PHP version, certificate, source, framework or proxy target
of an active site. Only the flags given are changed.

Examples:
  sitectl site update example.com --php 8.3
  sitectl site update example.com --ssl none
  sitectl site update example.com --framework laravel --deploy`,
	Args: cobra.ExactArgs(1),
	RunE: runSiteUpdate,
}

func addSiteFlags(fs *pflag.FlagSet) {
	fs.StringVar(&sitePHP, "php", "", `PHP version ("none" for a static site)`)
	fs.StringVar(&siteSSL, "ssl", "", "Certificate method: acme, certbot, self_signed")
	fs.StringVar(&siteRepo, "repo", "", "GitHub repository URL")
	fs.StringVar(&siteBranch, "branch", "", "Branch to deploy")
	fs.StringVar(&siteRef, "ref", "", "Commit or tag to deploy")
	fs.StringVar(&siteCredential, "credential", "", "Name of the access token in the credential store")
	fs.StringVar(&siteArchive, "archive", "", "Absolute path of a .zip or .tar.gz to deploy")
	fs.StringVar(&siteFramework, "framework", "", "Framework (detected when empty)")
	fs.StringVar(&siteProxy, "proxy", "", "Proxy requests to this upstream URL")
	fs.BoolVar(&siteDeploy, "deploy", false, "Deploy the source afterwards")
}

func init() {
	addSiteFlags(siteCreateCmd.Flags())
	addSiteFlags(siteUpdateCmd.Flags())
	siteUpdateCmd.Flags().BoolVar(&siteNoSource, "no-source", false, "Remove the deployment source")

	siteCmd.AddCommand(siteCreateCmd)
	siteCmd.AddCommand(siteUpdateCmd)
	rootCmd.AddCommand(siteCmd)
}

// sourceFromFlags returns the source described by the flags, nil if none
// was given.
func sourceFromFlags() *site.Source {
	switch {
	case siteArchive != "":
		return &site.Source{Kind: site.SourceManual, ArchivePath: siteArchive}
	case siteRepo != "":
		return &site.Source{
			Kind:          site.SourceGitHub,
			RepoURL:       siteRepo,
			Branch:        siteBranch,
			Ref:           siteRef,
			CredentialRef: siteCredential,
		}
	}
	return nil
}

func runSiteCreate(cmd *cobra.Command, args []string) error {
	if siteRepo != "" && siteArchive != "" {
		return errors.Validation("--repo and --archive are mutually exclusive")
	}
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}

	p := orchestrator.CreateParams{
		Domain:     args[0],
		PHPVersion: sitePHP,
		SSL:        siteSSL,
		Framework:  site.Framework(siteFramework),
		ProxyPass:  siteProxy,
		Deploy:     siteDeploy,
	}
	if src := sourceFromFlags(); src != nil {
		p.Source = *src
	}

	progress("Creating %s...", p.Domain)
	s, err := o.Create(commandContext(cmd), p)
	if err != nil {
		return err
	}
	warnSite(s, siteDeploy)
	return outputResult(newSiteView(s), "Site %s is live (config v%d)", s.Domain, s.ConfigVersion)
}

func runSiteUpdate(cmd *cobra.Command, args []string) error {
	changed := func(name string) bool { return cmd != nil && cmd.Flags().Changed(name) }
	if siteRepo != "" && siteArchive != "" {
		return errors.Validation("--repo and --archive are mutually exclusive")
	}

	var p orchestrator.UpdateParams
	if changed("php") {
		p.PHPVersion = &sitePHP
	}
	if changed("ssl") {
		p.SSL = &siteSSL
	}
	if changed("framework") {
		fw := site.Framework(siteFramework)
		p.Framework = &fw
	}
	if changed("proxy") {
		p.ProxyPass = &siteProxy
	}
	p.Source = sourceFromFlags()
	if siteNoSource {
		p.Source = &site.Source{Kind: site.SourceNone}
	}
	p.Deploy = siteDeploy

	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	s, err := o.Update(commandContext(cmd), args[0], p)
	if err != nil {
		return err
	}
	warnSite(s, siteDeploy)
	return outputResult(newSiteView(s), "Site %s updated (config v%d)", s.Domain, s.ConfigVersion)
}

// warnSite prints the non-fatal problems recorded on s.
func warnSite(s *site.Site, deployed bool) {
	if jsonOutput {
		return
	}
	if s.SSLError != "" {
		output.Warn("SSL: %s", s.SSLError)
	}
	if d := s.LastDeployment; deployed && d != nil && d.Outcome == "failed" {
		output.Warn("Deployment %s failed: %s", d.ID, d.Error)
	}
}
