package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"doc-access/internal/access"
	"doc-access/internal/middleware"
	"doc-access/internal/service/document"
)

// remoteError is an error response from the document server.
type remoteError struct {
	Status  int    `json:"code"`
	Message string `json:"message"`
	Code    string `json:"errorCode,omitempty"`
}

func (e *remoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func asRemoteError(err error, target **remoteError) bool {
	return errors.As(err, target)
}

// remoteClient calls the document server as the configured user.
type remoteClient struct {
	host   string
	email  string
	access string
	http   *http.Client
}

func newRemoteClient(opts *rootOptions) (*remoteClient, error) {
	if err := validateHostURL(opts.host); err != nil {
		return nil, err
	}
	return &remoteClient{
		host:   strings.TrimRight(opts.host, "/"),
		email:  opts.email,
		access: opts.access,
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *remoteClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+path, nil)
	if err != nil {
		return err
	}
	if c.email != "" {
		req.Header.Set(middleware.HeaderUserEmail, c.email)
	}
	if c.access != "" {
		req.Header.Set(middleware.HeaderDocAccess, c.access)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		rerr := &remoteError{Status: resp.StatusCode}
		if json.Unmarshal(body, rerr) != nil || rerr.Message == "" {
			rerr.Message = strings.TrimSpace(string(body))
		}
		rerr.Status = resp.StatusCode
		return rerr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newRemoteCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Query a running document server",
		Long:  "Query a running document server as the user set by --email and --access or the active profile.",
	}
	cmd.AddCommand(newRemoteAccessCmd(opts))
	cmd.AddCommand(newRemoteViewAsCmd(opts))
	return cmd
}

func newRemoteAccessCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "access",
		Short: "Show the caller's access to each table and column",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newRemoteClient(opts)
			if err != nil {
				return err
			}
			var report document.AccessReport
			if err := client.get(cmd.Context(), "/v1/access", &report); err != nil {
				return err
			}
			return renderAccessReport(cmd.OutOrStdout(), getOutputFormat(cmd), &report)
		},
	}
}

func newRemoteViewAsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "view-as",
		Short: "List the users the caller may view the document as",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newRemoteClient(opts)
			if err != nil {
				return err
			}
			var body struct {
				Users []access.ViewAsUser `json:"users"`
			}
			if err := client.get(cmd.Context(), "/v1/view-as", &body); err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), body.Users)
			}
			rows := make([][]string, len(body.Users))
			for i, u := range body.Users {
				rows[i] = []string{u.Email, u.Name, string(u.Access)}
			}
			printTable(cmd.OutOrStdout(), []string{"Email", "Name", "Access"}, rows)
			return nil
		},
	}
}

// validateHostURL accepts a bare http or https server URL.
func validateHostURL(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("invalid host %q: host URL cannot be empty", host)
	}

	u, err := url.Parse(host)
	if err != nil {
		return fmt.Errorf("invalid host %q: %w", host, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid host %q: scheme must be http or https", host)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid host %q: missing host", host)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("invalid host %q: host must not include a path such as /v1", host)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid host %q: host must not include query or fragment", host)
	}
	return nil
}
