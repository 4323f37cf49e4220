package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"doc-access/internal/acl"
	"doc-access/internal/domain"
	"doc-access/internal/fixture"
	"doc-access/internal/service/document"
)

// sessionFlags pick the session a fixture command runs as: a session
// named in the fixture, or one built from an email and role.
type sessionFlags struct {
	session string
	email   string
	role    string
	userID  int64
	viewAs  string
}

func (f *sessionFlags) register(fs *pflag.FlagSet, defaultRole domain.Role) {
	fs.StringVar(&f.session, "session", "", "Run as a session defined in the fixture")
	fs.StringVar(&f.email, "email", "", "User email")
	fs.StringVar(&f.role, "role", string(defaultRole), "Document role: owners, editors or viewers")
	fs.Int64Var(&f.userID, "user-id", 0, "User id")
	fs.StringVar(&f.viewAs, "view-as", "", "Email of a user to view the document as")
}

func (f *sessionFlags) build(sc *fixture.Scenario) (*domain.Session, error) {
	if f.session != "" {
		sess, ok := sc.DomainSessions()[f.session]
		if !ok {
			return nil, fmt.Errorf("session %q is not defined in the fixture", f.session)
		}
		return sess, nil
	}
	if f.role != "" && !domain.IsValidRole(f.role) {
		return nil, fmt.Errorf("invalid role %q: use owners, editors or viewers", f.role)
	}
	sess := &domain.Session{
		ID:             "aclctl",
		Access:         domain.ParseRole(f.role),
		User:           domain.UserProfile{UserID: f.userID, Email: f.email},
		LinkParameters: map[string]string{},
	}
	if f.email == "" && f.userID == 0 {
		sess.User.Anonymous = true
		sess.AltSessionID = sess.ID
	}
	if f.viewAs != "" {
		sess.LinkParameters[domain.LinkAclAsUser] = f.viewAs
	}
	return sess, nil
}

func newAccessCmd() *cobra.Command {
	var flags sessionFlags

	cmd := &cobra.Command{
		Use:   "access <fixture>",
		Short: "Show what a user may do with each table and column of a fixture",
		Example: `  aclctl access docs.yaml --email ed@example.com --role editors
  aclctl access docs.yaml --session s-editor -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			doc, err := openScenario(ctx, args[0])
			if err != nil {
				return err
			}
			defer doc.close()

			sess, err := flags.build(doc.scenario)
			if err != nil {
				return err
			}
			report, err := doc.app.Document.Access(ctx, sess)
			if err != nil {
				return err
			}
			return renderAccessReport(cmd.OutOrStdout(), getOutputFormat(cmd), report)
		},
	}
	flags.register(cmd.Flags(), domain.RoleEditors)
	return cmd
}

func renderAccessReport(w io.Writer, format string, report *document.AccessReport) error {
	if format == "json" {
		return printJSON(w, report)
	}
	pairs := [][2]string{
		{"Access", string(report.NominalAccess)},
		{"Read everything", strconv.FormatBool(report.CanReadEverything)},
		{"Copy everything", strconv.FormatBool(report.CanCopyEverything)},
		{"View access rules", strconv.FormatBool(report.CanViewAccessRules)},
	}
	if report.Override != nil {
		user := "unknown user"
		if report.Override.User != nil {
			user = report.Override.User.Email
		}
		pairs = append(pairs, [2]string{"Viewing as", fmt.Sprintf("%s (%s)", user, report.Override.Access)})
	}
	printKeyValues(w, pairs)
	_, _ = fmt.Fprintln(w)

	headers := []string{"Table", "Column"}
	for _, p := range acl.AllPermissions {
		headers = append(headers, string(p))
	}
	var rows [][]string
	for _, t := range report.Tables {
		rows = append(rows, outcomeRow(t.TableID, "*", t.Table))
		colIDs := make([]string, 0, len(t.Columns))
		for colID := range t.Columns {
			colIDs = append(colIDs, colID)
		}
		sort.Strings(colIDs)
		for _, colID := range colIDs {
			rows = append(rows, outcomeRow(t.TableID, colID, t.Columns[colID]))
		}
	}
	printTable(w, headers, rows)
	return nil
}

func outcomeRow(tableID, colID string, outcomes map[acl.Permission]acl.Outcome) []string {
	row := []string{tableID, colID}
	for _, p := range acl.AllPermissions {
		row = append(row, string(outcomes[p]))
	}
	return row
}

func newViewAsCmd() *cobra.Command {
	var flags sessionFlags

	cmd := &cobra.Command{
		Use:   "view-as <fixture>",
		Short: "List the users an owner may view a fixture as",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			doc, err := openScenario(ctx, args[0])
			if err != nil {
				return err
			}
			defer doc.close()

			sess, err := flags.build(doc.scenario)
			if err != nil {
				return err
			}
			users, err := doc.app.Document.ViewAsCandidates(ctx, sess)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), users)
			}
			rows := make([][]string, len(users))
			for i, u := range users {
				id := ""
				if u.ID != 0 {
					id = strconv.FormatInt(u.ID, 10)
				}
				rows[i] = []string{u.Email, u.Name, string(u.Access), id}
			}
			printTable(cmd.OutOrStdout(), []string{"Email", "Name", "Access", "ID"}, rows)
			return nil
		},
	}
	flags.register(cmd.Flags(), domain.RoleOwners)
	return cmd
}
