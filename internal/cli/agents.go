package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/pkg/registry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var publishAs string

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and publish agent templates",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List static and published agents",
	Args:  cobra.NoArgs,
	RunE:  runAgentsList,
}

var agentsResolveCmd = &cobra.Command{
	Use:   "resolve <agent>",
	Short: "Resolve an agent identifier and print its definition",
	Long: `Resolve an identifier the way a run_request would and print the
definition. Accepts "name", "publisher/name" and "publisher/name@version".`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentsResolve,
}

var agentsPublishCmd = &cobra.Command{
	Use:   "publish <file>",
	Short: "Publish agent definitions from a JSON or YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentsPublish,
}

func init() {
	agentsPublishCmd.Flags().StringVar(&publishAs, "publisher", "", "publisher for definitions that name none (default is registry.default_publisher)")

	agentsCmd.AddCommand(agentsListCmd, agentsResolveCmd, agentsPublishCmd)
	rootCmd.AddCommand(agentsCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, dir, err := buildRegistry(cfg, zerolog.Nop())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	static := reg.Static()
	sort.Slice(static, func(i, j int) bool { return static[i].ID < static[j].ID })
	for _, def := range static {
		fmt.Fprintf(out, "%-32s static     %s\n", def.ID, strings.Join(def.ToolNames, ","))
	}

	published, err := dir.Agents()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(published))
	for name := range published {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%-32s published  %s\n", name, strings.Join(sortedVersions(published[name]), ","))
	}
	return nil
}

func runAgentsResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, _, err := buildRegistry(cfg, zerolog.Nop())
	if err != nil {
		return err
	}

	def, err := reg.Resolve(cmd.Context(), args[0], nil)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runAgentsPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	defs, err := registry.LoadDefinitions(args[0])
	if err != nil {
		return err
	}
	dir, err := registry.NewDirSource(cfg.Registry.AgentsDir, zerolog.Nop())
	if err != nil {
		return err
	}

	if cfg.Logging.AuditFile != "" {
		auditor, err := observability.OpenAuditFile(cfg.Logging.AuditFile)
		if err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		observability.SetAuditor(auditor)
		defer func() {
			observability.SetAuditor(nil)
			auditor.Close()
		}()
	}

	publisher := publishAs
	if publisher == "" {
		publisher = cfg.Registry.DefaultPublisher
	}

	for _, def := range defs {
		if def.Publisher == "" {
			def.Publisher = publisher
		}
		if err := dir.Publish(*def); err != nil {
			return err
		}
		observability.RecordPublishAudit(cmd.Context(), def.Publisher+"/"+def.ID, def.Version)
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s\n", def.FullID())
	}
	return nil
}

// sortedVersions orders versions by semver, newest first. Unparseable versions sort last.
func sortedVersions(infos []registry.VersionInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Version
	}
	sort.SliceStable(out, func(i, j int) bool {
		vi, erri := semver.NewVersion(out[i])
		vj, errj := semver.NewVersion(out[j])
		switch {
		case erri != nil && errj != nil:
			return out[i] < out[j]
		case erri != nil:
			return false
		case errj != nil:
			return true
		}
		return vi.GreaterThan(vj)
	})
	return out
}
