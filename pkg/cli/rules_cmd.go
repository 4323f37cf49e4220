package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"doc-access/internal/acl"
	"doc-access/internal/fixture"
)

type ruleJSON struct {
	Origin      int64  `json:"origin"`
	Formula     string `json:"formula"`
	Permissions string `json:"permissions"`
	Memo        string `json:"memo,omitempty"`
}

type ruleSetJSON struct {
	TableID string     `json:"tableId"`
	ColIDs  []string   `json:"colIds"`
	Rules   []ruleJSON `json:"rules"`
}

type rulesReport struct {
	OK             bool                    `json:"ok"`
	RuleError      string                  `json:"ruleError,omitempty"`
	EntityError    string                  `json:"entityError,omitempty"`
	RuleSets       []ruleSetJSON           `json:"ruleSets"`
	UserAttributes []acl.UserAttributeRule `json:"userAttributes"`
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the access rules of a fixture",
	}
	cmd.AddCommand(newRulesCheckCmd())
	return cmd
}

func newRulesCheckCmd() *cobra.Command {
	var maxSteps uint64

	cmd := &cobra.Command{
		Use:   "check <fixture>",
		Short: "Compile the rules of a fixture and check the tables and columns they name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := fixture.Load(args[0])
			if err != nil {
				return err
			}
			report := checkRules(sc, maxSteps)
			if getOutputFormat(cmd) == "json" {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printRulesReport(cmd.OutOrStdout(), report)
			}
			if !report.OK {
				return fmt.Errorf("rules check failed")
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&maxSteps, "max-steps", acl.DefaultMaxSteps, "Execution step limit per rule evaluation")
	return cmd
}

func checkRules(sc *fixture.Scenario, maxSteps uint64) *rulesReport {
	doc := sc.Document()
	rules := acl.NewRuleCollection()
	rules.Update(doc, acl.NewStarlarkCompiler(maxSteps), slog.New(slog.NewTextHandler(io.Discard, nil)))

	report := &rulesReport{OK: true, UserAttributes: rules.UserAttributeRules()}
	if err := rules.RuleError(); err != nil {
		report.OK = false
		report.RuleError = err.Error()
		return report
	}
	if err := rules.CheckDocEntities(doc); err != nil {
		report.OK = false
		report.EntityError = err.Error()
	}

	for _, tableID := range rules.TablesWithRules() {
		for _, rs := range rules.ColumnRuleSets(tableID) {
			report.RuleSets = append(report.RuleSets, ruleSetToJSON(rs))
		}
		if rs := rules.TableDefault(tableID); rs != nil {
			report.RuleSets = append(report.RuleSets, ruleSetToJSON(rs))
		}
	}
	if rs := ruleSetToJSON(rules.DocDefault()); len(rs.Rules) > 0 {
		report.RuleSets = append(report.RuleSets, rs)
	}
	return report
}

// ruleSetToJSON keeps only rules that come from the document.
func ruleSetToJSON(rs *acl.RuleSet) ruleSetJSON {
	out := ruleSetJSON{TableID: rs.TableID, ColIDs: rs.ColIDs, Rules: []ruleJSON{}}
	for _, part := range rs.Body {
		if part.Origin == 0 {
			continue
		}
		out.Rules = append(out.Rules, ruleJSON{
			Origin:      part.Origin,
			Formula:     part.Formula,
			Permissions: part.PermissionsText,
			Memo:        part.Memo,
		})
	}
	return out
}

func printRulesReport(w io.Writer, report *rulesReport) {
	var rows [][]string
	for _, rs := range report.RuleSets {
		for _, r := range rs.Rules {
			formula := r.Formula
			if formula == "" {
				formula = "(everyone)"
			}
			rows = append(rows, []string{rs.TableID, strings.Join(rs.ColIDs, ","), strconv.FormatInt(r.Origin, 10), formula, r.Permissions, r.Memo})
		}
	}
	printTable(w, []string{"Table", "Columns", "Rule", "Formula", "Permissions", "Memo"}, rows)
	for _, a := range report.UserAttributes {
		_, _ = fmt.Fprintf(w, "user.%s = %s lookup %s by user.%s\n", a.Name, a.TableID, a.LookupColID, a.CharID)
	}
	switch {
	case report.RuleError != "":
		_, _ = fmt.Fprintf(w, "rule error: %s\n", report.RuleError)
	case report.EntityError != "":
		_, _ = fmt.Fprintf(w, "entity error: %s\n", report.EntityError)
	default:
		_, _ = fmt.Fprintln(w, "ok")
	}
}
