package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fenhl/github-timeline/config"
	"github.com/fenhl/github-timeline/internal/api"
	"github.com/fenhl/github-timeline/internal/db"
	"github.com/fenhl/github-timeline/internal/labels"
	"github.com/fenhl/github-timeline/internal/logging"
	"github.com/fenhl/github-timeline/internal/models"
	"github.com/fenhl/github-timeline/internal/report"
	"github.com/fenhl/github-timeline/internal/sync"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "github-timeline",
		Short: "Open issue and pull request timelines for GitHub repositories",
		Long: `github-timeline replays the event history of every issue and pull request
of the configured repositories and writes, per repository, a JSON report with
the number of open issues and pull requests and their label counts over time.

Event histories are cached in the report itself, so later runs only fetch the
issues that changed.

Example:
  github-timeline init
  github-timeline add-repo fenhl/wheel
  github-timeline sync`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newInitCmd(), newAddRepoCmd(), newSyncCmd(), newStatusCmd())
	return rootCmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file if it doesn't exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := config.CreateDefaultConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to create default configuration: %w", err)
			}
			if created {
				pterm.Success.Printf("Created default configuration at %s\n", configPath)
			} else {
				pterm.Info.Printf("Configuration %s already exists\n", configPath)
			}
			return nil
		},
	}
}

func newAddRepoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-repo owner/name",
		Short: "Add a repository to the configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := models.ParseRepository(args[0])
			if err != nil {
				return err
			}
			added, err := config.AddRepository(configPath, repo)
			if err != nil {
				return err
			}
			if added {
				pterm.Success.Printf("Added repository %s to configuration\n", repo)
			} else {
				pterm.Info.Printf("Repository %s already exists in configuration\n", repo)
			}
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [owner/name...]",
		Short: "Rebuild the timeline reports of the given or all configured repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			repos, err := cfg.ParsedRepositories()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				repos = make([]models.Repository, 0, len(args))
				for _, arg := range args {
					repo, err := models.ParseRepository(arg)
					if err != nil {
						return err
					}
					repos = append(repos, repo)
				}
			}
			if len(repos) == 0 {
				return fmt.Errorf("no repositories to sync; add one with add-repo")
			}

			tables, err := labels.LoadTables(cfg.LabelTables)
			if err != nil {
				return err
			}

			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if cfg.GitHubToken == "" {
				logger.Warn("No GitHub token configured, unauthenticated requests are heavily rate limited",
					"env", config.EnvGithubToken)
			}
			fetcher := api.NewFetcher(
				api.NewHTTPClient(ctx, cfg.GitHubToken),
				api.WithLogger(logger.WithPrefix("api")),
			)
			client := api.NewGitHubClient(fetcher, cfg.APIURL)

			syncer := sync.New(database, client, report.NewStore(cfg.DataDir), logger.WithPrefix("sync"))
			syncer.SetWorkers(cfg.Workers)
			syncer.SetLabelTables(tables)

			startTime := time.Now()
			results := syncer.SyncAll(ctx, repos, cfg.ParallelRepos)
			printResults(results)
			logger.Info("Sync completed", "took", time.Since(startTime).Round(time.Millisecond))

			if failed := sync.Failed(results); failed > 0 {
				return fmt.Errorf("%d of %d repositories failed to sync", failed, len(results))
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last sync of every known repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			statuses, err := database.ListStatus()
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				pterm.Info.Println("No repositories synced yet")
				return nil
			}

			data := pterm.TableData{{"Repository", "Last success", "Last run", "Issues", "Data points", "Error"}}
			for _, status := range statuses {
				row := []string{status.Repository, formatTime(status.LastSyncTime), "-", "-", "-", ""}
				if run := status.LastRun; run != nil {
					row[2] = runState(run)
					row[3] = strconv.Itoa(run.Issues)
					row[4] = strconv.Itoa(run.DataPoints)
					row[5] = run.Error
				}
				data = append(data, row)
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}

// loadConfig loads and validates the configuration and builds the logger it selects
func loadConfig() (*config.Config, *log.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts := logging.DefaultOptions()
	opts.Level = cfg.LogLevel
	if verbose {
		opts.Level = "debug"
	}
	return cfg, logging.New(opts), nil
}

func openDatabase(cfg *config.Config) (*db.DB, error) {
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Initialize(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return database, nil
}

func printResults(results []sync.Result) {
	data := pterm.TableData{{"Repository", "Result", "Issues", "Data points", "Cache hits", "Cache misses"}}
	for _, r := range results {
		if r.Err != nil {
			data = append(data, []string{r.Repository.FullName(), pterm.Red("failed"), "-", "-", "-", "-"})
			continue
		}
		data = append(data, []string{
			r.Repository.FullName(),
			pterm.Green("ok"),
			strconv.Itoa(r.Run.Issues),
			strconv.Itoa(r.Run.DataPoints),
			strconv.Itoa(r.Run.CacheHits),
			strconv.Itoa(r.Run.CacheMisses),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		pterm.Error.Printf("Failed to render summary: %v\n", err)
	}

	for _, r := range results {
		if r.Err != nil {
			pterm.Error.Printf("%s: %v\n", r.Repository, r.Err)
		}
	}
}

func runState(run *models.SyncRun) string {
	state := pterm.Green("ok")
	if !run.Succeeded {
		state = pterm.Red("failed")
	}
	return fmt.Sprintf("%s %s", state, formatTime(run.FinishedAt))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
