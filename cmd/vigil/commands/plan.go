package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/vigil/internal/manifest"
	"github.com/marcus/vigil/internal/resolver"
)

var planCmd = &cobra.Command{
	Use:   "plan [task...]",
	Short: "Show the execution plan without running anything",
	Long: `Show how tasks would be grouped for execution.

Tasks in one group have no dependency on each other and may run in
parallel; groups run in order. A dependency cycle is reported with the
tasks it affects and exits with status 2.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		m, err := loadManifest(cfg)
		if err != nil {
			return err
		}
		return showPlan(cmd.OutOrStdout(), m, args)
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func showPlan(w io.Writer, m *manifest.Manifest, names []string) error {
	ids := names
	if len(ids) == 0 {
		for _, t := range m.Tasks() {
			ids = append(ids, t.Name)
		}
	}
	for _, id := range ids {
		if _, ok := m.Task(id); !ok {
			return configError(fmt.Errorf("%w: %s", manifest.ErrUnknownTask, id))
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(w, "No tasks in manifest.")
		return nil
	}

	styles := newOutputStyles()
	groups, err := m.Graph().ParallelGroups(ids)
	for i, group := range groups {
		fmt.Fprintf(w, "%s %s\n", styles.Section.Render(fmt.Sprintf("Group %d:", i+1)), strings.Join(group, ", "))
	}

	var cerr *resolver.CycleError
	if errors.As(err, &cerr) {
		fmt.Fprintf(w, "%s %s\n", styles.Error.Render("Cycle:"), strings.Join(cerr.Cycle, " -> "))
		fmt.Fprintf(w, "%s %s\n", styles.Error.Render("Unresolved:"), strings.Join(cerr.Unresolved, ", "))
		return configError(cerr)
	}
	if err != nil {
		return configError(err)
	}
	return nil
}
