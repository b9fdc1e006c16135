package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zpdzap/beesto/internal/config"
	"github.com/zpdzap/beesto/internal/tui"
)

var debug bool

func main() {
	root := &cobra.Command{
		Use:          "bst",
		Short:        "beesto: a dev sandbox you can chat with and hand goals to",
		SilenceUsage: true,
		RunE:         runTUI,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "write debug logs to "+filepath.Join(config.Dir, config.LogDir))

	root.AddCommand(initCmd(), agentCmd(), chatCmd(), runsCmd(), historyCmd(), snapshotCmd(), cleanCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize beesto in the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := os.Getwd()
			if err != nil {
				return err
			}

			if config.Exists(projectDir) {
				fmt.Println("beesto already initialized in this project.")
				return nil
			}

			detection := config.Detect(projectDir)
			projectName := filepath.Base(projectDir)

			cfg := &config.Config{
				Version:  "1",
				Project:  projectName,
				Language: detection.Language,
				Image: config.Image{
					Base:       "ubuntu:24.04",
					Dockerfile: filepath.Join(config.Dir, "Dockerfile"),
					Packages:   detection.Packages,
				},
				Defaults: config.Defaults{
					Ports: detection.Ports,
					Env:   map[string]string{},
				},
				Sandbox: config.Sandbox{
					Install: detection.Install,
					Dev:     detection.Dev,
				},
				LLM: config.LLM{
					Endpoint:    config.DefaultEndpoint,
					Model:       config.DefaultModel,
					Temperature: config.DefaultTemperature,
				},
			}

			if err := config.Save(projectDir, cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}

			if err := writeDockerfile(projectDir, cfg); err != nil {
				return fmt.Errorf("writing Dockerfile: %w", err)
			}

			if err := updateGitignore(projectDir); err != nil {
				return fmt.Errorf("updating .gitignore: %w", err)
			}

			wtDir := filepath.Join(projectDir, config.Dir, config.WorktreeDir)
			if err := os.MkdirAll(wtDir, 0o755); err != nil {
				return fmt.Errorf("creating worktrees dir: %w", err)
			}

			fmt.Printf("Initialized beesto for %s (%s project)\n", projectName, detection.Language)
			fmt.Printf("  Config: %s/%s\n", config.Dir, config.ConfigFile)
			fmt.Printf("  Dockerfile: %s/Dockerfile\n", config.Dir)
			if detection.Dev == "" {
				fmt.Printf("  No dev server detected; set sandbox.dev in %s/%s\n", config.Dir, config.ConfigFile)
			}
			fmt.Println("\nRun `bst` to launch the dashboard.")
			return nil
		},
	}
}

func writeDockerfile(projectDir string, cfg *config.Config) error {
	packages := strings.Join(cfg.Image.Packages, " ")

	content := fmt.Sprintf(`FROM %s

RUN apt-get update && apt-get install -y \
    %s \
    && rm -rf /var/lib/apt/lists/*

RUN mkdir -p /workspace
WORKDIR /workspace

CMD ["sleep", "infinity"]
`, cfg.Image.Base, packages)

	path := filepath.Join(projectDir, config.Dir, "Dockerfile")
	return os.WriteFile(path, []byte(content), 0o644)
}

func updateGitignore(projectDir string) error {
	gitignorePath := filepath.Join(projectDir, ".gitignore")

	entries := []string{
		config.Dir + "/" + config.WorktreeDir + "/",
		config.Dir + "/state.json",
		config.Dir + "/" + config.StoreFile,
		config.Dir + "/" + config.LogDir + "/",
	}

	existing, _ := os.ReadFile(gitignorePath)
	content := string(existing)

	var toAdd []string
	for _, entry := range entries {
		if !strings.Contains(content, entry) {
			toAdd = append(toAdd, entry)
		}
	}

	if len(toAdd) == 0 {
		return nil
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	content += "\n# beesto\n"
	for _, entry := range toAdd {
		content += entry + "\n"
	}

	return os.WriteFile(gitignorePath, []byte(content), 0o644)
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := openApp(debug)
	if err != nil {
		return err
	}
	defer a.Close()

	return tui.Run(cmd.Context(), tui.Deps{
		Sandbox: a.sandbox,
		Chat:    a.chat,
		Agent:   a.executor,
		Config:  a.cfg,
	})
}
