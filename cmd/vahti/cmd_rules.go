package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	ruleconfig "github.com/yairfalse/vahti/config"
)

// rulesCmd groups the rule file subcommands
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a rule file",
	Long: `Check a rule file's structure and report rules whose config can never
match. Structural errors fail the command; config problems are warnings,
since such rules load but stay inert.`,
	Example: `  vahti rules validate              # groups.rules_file from config
  vahti rules validate rules.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRulesValidate,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Groups.RulesFile
	}
	if path == "" {
		return fmt.Errorf("no rule file given and groups.rules_file is not set")
	}

	set, err := ruleconfig.ParseRuleSet(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	groups := make([]string, 0, len(set.Groups))
	for g := range set.Groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		_, _ = fmt.Fprintf(out, "%s: %d rules (auto-ban %v)\n", g, len(set.Groups[g].Rules), set.Groups[g].EnableAutoBan)
	}

	problems := set.ConfigProblems()
	sort.Strings(problems)
	for _, p := range problems {
		_, _ = fmt.Fprintf(out, "warning: %s\n", p)
	}
	_, _ = fmt.Fprintf(out, "%s is valid\n", path)
	return nil
}
