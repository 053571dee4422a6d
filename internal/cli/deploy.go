package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/orchestrator"
	"github.com/ksyq12/sitectl/internal/output"
	"github.com/ksyq12/sitectl/internal/site"
)

var (
	deployRepo       string
	deployBranch     string
	deployRef        string
	deployCredential string
	deployArchive    string
	deployFramework  string
	historyLimit     int
	historyLog       bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy application code",
}

var deployRunCmd = &cobra.Command{
	Use:   "run <domain>",
	Short: "Deploy a site",
	Long: `Fetch, build and switch to a new release of a site. The live release
is replaced only after every step succeeded. Without source flags the
site's recorded source is used.

Examples:
  sitectl deploy run example.com
  sitectl deploy run example.com --ref v1.4.2
  sitectl deploy run example.com --archive /tmp/site.tar.gz`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var deployRollbackCmd = &cobra.Command{
	Use:   "rollback <domain>",
	Short: "Switch back to the previous release",
	Long: `Switch a site back to the release that was live before the last
deployment. Running it again switches forward.

Examples:
  sitectl deploy rollback example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runDeployRollback,
}

var deployHistoryCmd = &cobra.Command{
	Use:   "history <domain>",
	Short: "Show deployment history",
	Long: `Show the recent deployment runs of a site, newest first.

Examples:
  sitectl deploy history example.com
  sitectl deploy history example.com --limit 1 --log`,
	Args: cobra.ExactArgs(1),
	RunE: runDeployHistory,
}

func init() {
	deployRunCmd.Flags().StringVar(&deployRepo, "repo", "", "GitHub repository URL")
	deployRunCmd.Flags().StringVar(&deployBranch, "branch", "", "Branch to deploy")
	deployRunCmd.Flags().StringVar(&deployRef, "ref", "", "Commit or tag to deploy")
	deployRunCmd.Flags().StringVar(&deployCredential, "credential", "", "Name of the access token in the credential store")
	deployRunCmd.Flags().StringVar(&deployArchive, "archive", "", "Absolute path of a .zip or .tar.gz to deploy")
	deployRunCmd.Flags().StringVar(&deployFramework, "framework", "", "Framework (detected when empty)")

	deployHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to show")
	deployHistoryCmd.Flags().BoolVar(&historyLog, "log", false, "Include build logs")

	deployCmd.AddCommand(deployRunCmd)
	deployCmd.AddCommand(deployRollbackCmd)
	deployCmd.AddCommand(deployHistoryCmd)
	rootCmd.AddCommand(deployCmd)
}

// deployParams builds the params from the flags. Branch, ref and
// credential flags alone override those of the recorded GitHub source.
func deployParams(cur *site.Site) (orchestrator.DeployParams, error) {
	var p orchestrator.DeployParams
	if deployFramework != "" {
		fw := site.Framework(deployFramework)
		p.Framework = &fw
	}
	switch {
	case deployRepo != "" && deployArchive != "":
		return p, errors.Validation("--repo and --archive are mutually exclusive")
	case deployArchive != "":
		p.Source = &site.Source{Kind: site.SourceManual, ArchivePath: deployArchive}
	case deployRepo != "":
		p.Source = &site.Source{
			Kind:          site.SourceGitHub,
			RepoURL:       deployRepo,
			Branch:        deployBranch,
			Ref:           deployRef,
			CredentialRef: deployCredential,
		}
	case deployBranch != "" || deployRef != "" || deployCredential != "":
		if cur.Source.Kind != site.SourceGitHub {
			return p, errors.Validationf("site %s has no GitHub source; pass --repo", cur.Domain)
		}
		src := cur.Source
		if deployBranch != "" {
			src.Branch = deployBranch
		}
		if deployRef != "" {
			src.Ref = deployRef
		}
		if deployCredential != "" {
			src.CredentialRef = deployCredential
		}
		p.Source = &src
	}
	return p, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	domain := args[0]
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	cur, err := o.Get(domain)
	if err != nil {
		return err
	}
	p, err := deployParams(cur)
	if err != nil {
		return err
	}

	progress("Deploying %s...", domain)
	run, err := o.Deploy(commandContext(cmd), domain, p)
	if err != nil {
		if run != nil && !jsonOutput {
			output.Error("Deployment %s failed at %s", run.ID, run.Stage)
			if run.Log != "" {
				output.Print("%s", run.Log)
			}
		}
		return err
	}
	return outputResult(newRunView(run, false), "Deployed %s (%s, %s) in %s",
		domain, run.ID, run.Framework, run.Duration().Round(time.Millisecond))
}

func runDeployRollback(cmd *cobra.Command, args []string) error {
	domain := args[0]
	_, o, err := loadEngine(true)
	if err != nil {
		return err
	}
	release, err := o.RollbackDeployment(commandContext(cmd), domain)
	if err != nil {
		return err
	}
	result := newSuccessResult(domain, "rolled_back")
	result.Message = release
	return outputResult(result, "%s now serves %s", domain, release)
}

func runDeployHistory(cmd *cobra.Command, args []string) error {
	_, o, err := loadEngine(false)
	if err != nil {
		return err
	}
	if _, err := o.Get(args[0]); err != nil {
		return err
	}
	runs, err := o.Deployments(args[0])
	if err != nil {
		return err
	}

	// newest first
	items := make([]runView, 0, len(runs))
	for i := len(runs) - 1; i >= 0 && (historyLimit <= 0 || len(items) < historyLimit); i-- {
		items = append(items, newRunView(runs[i], historyLog))
	}
	if jsonOutput {
		return output.JSON(items)
	}
	if len(items) == 0 {
		output.Info("No deployments for %s", args[0])
		return nil
	}

	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{
			it.ID,
			it.StartedAt.Local().Format("2006-01-02 15:04:05"),
			it.Outcome,
			orDash(it.Code),
			orDash(it.Framework),
			fmt.Sprintf("%.1fs", float64(it.DurationMS)/1000),
		})
	}
	output.Table([]string{"ID", "STARTED", "OUTCOME", "CODE", "FRAMEWORK", "DURATION"}, rows)
	if historyLog {
		for _, it := range items {
			output.Print("\n== %s ==\n%s", it.ID, it.Log)
		}
	}
	return nil
}
