// Package cli implements aclctl, a command-line tool for checking document
// access rules against fixtures and inspecting a running document server.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// rootOptions holds the global flags after config resolution.
type rootOptions struct {
	host    string
	output  string
	profile string
	email   string
	access  string
}

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			errObj := map[string]interface{}{
				"error": err.Error(),
			}
			var remoteErr *remoteError
			if asRemoteError(err, &remoteErr) {
				errObj["http_status"] = remoteErr.Status
				errObj["code"] = remoteErr.Code
			}
			_ = printJSON(os.Stdout, errObj)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "aclctl",
		Short:         "Document access rules CLI",
		Long:          "Check access rules against document fixtures and inspect a running document server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Config file is optional
			cfg, err := LoadUserConfig()
			if err != nil {
				cfg = emptyUserConfig()
			}
			p, err := cfg.ActiveProfile(opts.profile)
			if err != nil {
				return err
			}

			// Apply precedence: flag > env > profile > default
			resolve := func(flag, env, fromProfile string, target *string) {
				if cmd.Flags().Changed(flag) {
					return
				}
				if v := os.Getenv(env); v != "" {
					*target = v
				} else if fromProfile != "" {
					*target = fromProfile
				}
			}
			resolve("host", "ACLCTL_HOST", p.Host, &opts.host)
			resolve("email", "ACLCTL_EMAIL", p.Email, &opts.email)
			resolve("access", "ACLCTL_ACCESS", p.Access, &opts.access)
			resolve("output", "ACLCTL_OUTPUT", p.Output, &opts.output)
			if opts.output == "" {
				opts.output = defaultOutput(cmd.OutOrStdout())
			}
			if err := cmd.Root().PersistentFlags().Set("output", opts.output); err != nil {
				return err
			}
			return validateOutputFormat(opts.output)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.host, "host", "http://localhost:8080", "Document server URL")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVarP(&opts.profile, "profile", "p", "", "Config profile to use")
	rootCmd.PersistentFlags().StringVar(&opts.email, "email", "", "User email sent to the server")
	rootCmd.PersistentFlags().StringVar(&opts.access, "access", "", "Document role sent to the server (owners, editors, viewers)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd())

	// Fixture commands
	rootCmd.AddCommand(newRulesCmd())
	rootCmd.AddCommand(newAccessCmd())
	rootCmd.AddCommand(newSimulateCmd())
	rootCmd.AddCommand(newViewAsCmd())

	// Server commands
	rootCmd.AddCommand(newRemoteCmd(opts))

	// Shell completions
	rootCmd.AddCommand(newCompletionCmd())

	return rootCmd
}

func newCompletionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
	return cmd
}
