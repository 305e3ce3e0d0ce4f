package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/camwatch/internal/detection"
	"github.com/anstrom/camwatch/internal/watcher"
)

// rulesCmd groups the detection rule commands.
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect detection rules",
	Long: `Detection rules decide which page titles identify a camera. A rules file
is a JSON or YAML list of objects; every pattern of a rule's "intitle"
list must occur in the title for the rule to match:

  [{"intitle": ["network", "camera"]}, {"intitle": ["webcamxp"]}]`,
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a rules file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := detection.LoadFile(args[0])
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			return fmt.Errorf("%s contains no rules", args[0])
		}
		printRules(cmd.OutOrStdout(), rules)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules OK\n", args[0], len(rules))
		return nil
	},
}

var rulesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the rules the scanner would use",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w, err := watcher.New(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = w.Shutdown(cmd.Context()) }()

		policy := "case-sensitive"
		if w.Rules().Policy() == detection.CaseInsensitive {
			policy = "case-insensitive"
		}
		printRules(cmd.OutOrStdout(), w.Rules().Rules())
		fmt.Fprintf(cmd.OutOrStdout(), "%d rules, %s matching\n", w.Rules().Len(), policy)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesShowCmd)
}

func printRules(w io.Writer, rules []detection.Rule) {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Filter", "Patterns")
	for i, doc := range detection.Document(rules) {
		if len(doc) == 0 {
			_ = table.Append([]string{strconv.Itoa(i + 1), "-", "(empty rule, never matches)"})
			continue
		}
		for kind, patterns := range doc {
			_ = table.Append([]string{strconv.Itoa(i + 1), kind, strings.Join(patterns, ", ")})
		}
	}
	_ = table.Render()
}
