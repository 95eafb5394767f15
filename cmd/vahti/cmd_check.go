package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/daemon"
	"github.com/yairfalse/vahti/types"
)

var (
	checkUser     string
	checkName     string
	checkBio      string
	checkStatus   string
	checkPronouns string
	checkTags     []string
	checkPreview  bool
	checkOutput   string
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check <group-id>",
	Short: "Check one candidate against a group's rules",
	Long: `Evaluate a single candidate profile as a live join would. Matched
rules are acted on unless --preview is set, in which case nothing is
executed or recorded.`,
	Example: `  vahti check grp_1 --user usr_9 --name "Free crypto"
  vahti check grp_1 --user usr_9 --bio "dm me" --tags system_trust_known --preview`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkUser, "user", "", "Candidate user id")
	checkCmd.Flags().StringVar(&checkName, "name", "", "Display name")
	checkCmd.Flags().StringVar(&checkBio, "bio", "", "Bio")
	checkCmd.Flags().StringVar(&checkStatus, "status", "", "Status description")
	checkCmd.Flags().StringVar(&checkPronouns, "pronouns", "", "Pronouns")
	checkCmd.Flags().StringSliceVar(&checkTags, "tags", nil, "Account tags")
	checkCmd.Flags().BoolVar(&checkPreview, "preview", false, "Evaluate without acting")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", "text", "Output format: text, json")
	_ = checkCmd.MarkFlagRequired("user")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := daemon.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	bio := checkBio
	tags := checkTags
	if tags == nil {
		tags = []string{}
	}
	candidate := types.CandidateProfile{
		ID:                checkUser,
		DisplayName:       checkName,
		Bio:               &bio,
		StatusDescription: checkStatus,
		Pronouns:          checkPronouns,
		Tags:              tags,
	}

	out := cmd.OutOrStdout()
	groupID := args[0]

	if checkPreview {
		result, err := c.Scanner.Preview(ctx, groupID, candidate)
		if err != nil {
			return err
		}
		if checkOutput == "json" {
			return json.NewEncoder(out).Encode(result)
		}
		if result.Action == types.ScanAllowed {
			_, _ = fmt.Fprintf(out, "%s: ALLOW\n", checkUser)
			return nil
		}
		_, _ = fmt.Fprintf(out, "%s: would be flagged by rule %q: %s\n", checkUser, result.RuleName, result.Reason)
		return nil
	}

	decision, err := c.Checker.Check(ctx, groupID, candidate)
	if err != nil {
		return err
	}
	if checkOutput == "json" {
		return json.NewEncoder(out).Encode(decision)
	}
	if decision.IsAllow() {
		_, _ = fmt.Fprintf(out, "%s: ALLOW\n", checkUser)
		return nil
	}
	_, _ = fmt.Fprintf(out, "%s: %s by rule %q: %s\n", checkUser, decision.Action, decision.MatchedRuleName(), decision.Reason)
	return nil
}
