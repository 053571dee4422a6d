package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ksyq12/sitectl/internal/output"
)

var (
	sslMethod string
)

var sslCmd = &cobra.Command{
	Use:   "ssl",
	Short: "TLS certificate management",
	Long:  `Issue, renew and inspect TLS certificates of sites.`,
}

var sslIssueCmd = &cobra.Command{
	Use:   "issue <domain>",
	Short: "Issue a certificate for a site",
	Long: `Issue a certificate for an active site and switch its vhost to HTTPS.
Without --method the configured default is used.

Examples:
  sitectl ssl issue example.com
  sitectl ssl issue example.com --method certbot
  sitectl ssl issue dev.example.com --method self_signed`,
	Args: cobra.ExactArgs(1),
	RunE: runSSLIssue,
}

var sslRenewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew certificates that are due",
	Long: `Renew every certificate inside the renewal window and reload nginx once
if any was replaced. Schedule it daily from cron or a systemd timer.

Examples:
  sitectl ssl renew`,
	Args: cobra.NoArgs,
	RunE: runSSLRenew,
}

var sslStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show certificate status",
	Long: `Show the state and expiry of every certificate.

Examples:
  sitectl ssl status
  sitectl ssl status --json`,
	Args: cobra.NoArgs,
	RunE: runSSLStatus,
}

func init() {
	sslIssueCmd.Flags().StringVarP(&sslMethod, "method", "m", "", "Issuance method: acme, certbot, self_signed")

	sslCmd.AddCommand(sslIssueCmd)
	sslCmd.AddCommand(sslRenewCmd)
	sslCmd.AddCommand(sslStatusCmd)
	rootCmd.AddCommand(sslCmd)
}

func runSSLIssue(cmd *cobra.Command, args []string) error {
	domain := args[0]
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}

	progress("Issuing certificate for %s...", domain)
	s, err := o.IssueCertificate(commandContext(cmd), domain, sslMethod)
	if err != nil {
		return err
	}
	if s.SSLError != "" && !jsonOutput {
		output.Warn("%s", s.SSLError)
	}
	return outputResult(newSiteView(s), "Certificate installed for %s (%s)", s.Domain, s.SSLMethod)
}

type renewItem struct {
	Domain  string `json:"domain"`
	Renewed bool   `json:"renewed"`
	Error   string `json:"error,omitempty"`
}

func runSSLRenew(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	results, err := o.RenewCertificates(commandContext(cmd))

	items := make([]renewItem, 0, len(results))
	failed := 0
	for _, r := range results {
		it := renewItem{Domain: r.Domain, Renewed: r.Renewed}
		if r.Err != nil {
			it.Error = r.Err.Error()
			failed++
		}
		items = append(items, it)
	}

	if jsonOutput {
		if jerr := output.JSON(items); jerr != nil {
			return jerr
		}
	} else {
		for _, it := range items {
			switch {
			case it.Error != "":
				output.Error("%s: %s", it.Domain, it.Error)
			case it.Renewed:
				output.Success("%s renewed", it.Domain)
			default:
				output.Print("  %s not due", it.Domain)
			}
		}
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d renewals failed", failed, len(items))
	}
	return nil
}

func runSSLStatus(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(false)
	if err != nil {
		return err
	}
	certs, err := o.Certificates()
	if err != nil {
		return err
	}

	now := time.Now()
	items := make([]certView, 0, len(certs))
	for _, c := range certs {
		items = append(items, newCertView(c, now))
	}
	if jsonOutput {
		return output.JSON(items)
	}
	if len(items) == 0 {
		output.Info("No certificates")
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		expires, days := "-", "-"
		if !it.NotAfter.IsZero() {
			expires = it.NotAfter.Local().Format("2006-01-02")
			days = strconv.Itoa(it.DaysLeft)
		}
		trusted := "yes"
		if !it.Trusted {
			trusted = "no"
		}
		rows = append(rows, []string{it.Domain, it.Method, it.State, expires, days, trusted})
	}
	output.Table([]string{"DOMAIN", "METHOD", "STATE", "EXPIRES", "DAYS", "TRUSTED"}, rows)
	return nil
}
