package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "medgatectl",
	Short: "medgate CLI",
	Long:  "A CLI for signing in to medgate and administering principals, roles and sessions.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd(), logoutCmd(), meCmd(), registerCmd(), changeSecretCmd())
	rootCmd.AddCommand(adminCmd())
}

// prompt reads one line from stdin when value is empty.
func prompt(value, label string) string {
	if value != "" {
		return value
	}
	fmt.Fprint(os.Stderr, label+": ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

// --- authentication ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <login-or-email>",
		Short: "Sign in and save the credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			client := newClient()
			result, err := client.post("/auth/login", map[string]any{
				"login":  args[0],
				"secret": prompt(secret, "Secret"),
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if tok, ok := result["token"].(string); ok {
				exp, _ := time.Parse(time.RFC3339, fmt.Sprint(result["expires_at"]))
				if err := rememberToken(tok, args[0], exp); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: token not saved: %v\n", err)
				} else {
					fmt.Fprintf(os.Stderr, "Token saved to %s.\n", configPath())
				}
			}
			delete(result, "token")
			if result["secret_change_required"] == true {
				fmt.Fprintln(os.Stderr, "A secret change is required: run medgatectl change-secret.")
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "Secret (prompted when omitted)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the saved credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if _, err := client.post("/auth/logout", nil); err != nil {
				printError(err.Error())
				return nil
			}
			forgetToken()
			printSuccess("Success! Logged out.")
			return nil
		},
	}
}

func meCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the signed-in principal and its effective permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/auth/me")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <login> <email>",
		Short: "Submit a registration request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			display, _ := cmd.Flags().GetString("display-name")
			result, err := newClient().post("/auth/register", map[string]any{
				"login":        args[0],
				"email":        args[1],
				"secret":       prompt(secret, "Secret"),
				"display_name": display,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "Secret (prompted when omitted)")
	cmd.Flags().String("display-name", "", "Display name")
	return cmd
}

func changeSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "change-secret",
		Short: "Replace the secret of the signed-in principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			old, _ := cmd.Flags().GetString("old")
			next, _ := cmd.Flags().GetString("new")
			_, err := newClient().post("/auth/change-secret", map[string]any{
				"old": prompt(old, "Current secret"),
				"new": prompt(next, "New secret"),
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			forgetToken()
			printSuccess("Success! Secret changed. All sessions were revoked; log in again.")
			return nil
		},
	}
	cmd.Flags().String("old", "", "Current secret (prompted when omitted)")
	cmd.Flags().String("new", "", "New secret (prompted when omitted)")
	return cmd
}

// --- administration ---

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Administrative commands"}
	cmd.AddCommand(registrationsCmd(), rolesCmd(), principalsCmd(), auditCmd(), sessionsCmd())
	return cmd
}

func registrationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "registrations", Short: "Registration requests"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registration requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")
			result, err := newClient().get("/admin/registrations?state=" + url.QueryEscape(state))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printRows(result, "id", "login", "email", "state", "submitted_at")
			return nil
		},
	}
	listCmd.Flags().String("state", "pending", "pending, approved, rejected or all")

	approveCmd := &cobra.Command{
		Use:   "approve <id> <role>",
		Short: "Approve a request and create the principal with role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/admin/registrations/"+args[0]+"/approve", map[string]any{"role": args[1]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	rejectCmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			result, err := newClient().post("/admin/registrations/"+args[0]+"/reject", map[string]any{"reason": reason})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	rejectCmd.Flags().String("reason", "", "Reason recorded with the rejection")

	cmd.AddCommand(listCmd, approveCmd, rejectCmd)
	return cmd
}

func rolesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "roles", Short: "Role management"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/admin/roles")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printRows(result, "name", "category", "security_level", "parent", "permissions")
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			display, _ := cmd.Flags().GetString("display-name")
			category, _ := cmd.Flags().GetString("category")
			level, _ := cmd.Flags().GetInt("level")
			parent, _ := cmd.Flags().GetString("parent")
			perms, _ := cmd.Flags().GetStringSlice("permission")
			approval, _ := cmd.Flags().GetBool("requires-approval")
			result, err := newClient().post("/admin/roles", map[string]any{
				"name":              args[0],
				"display_name":      display,
				"category":          category,
				"security_level":    level,
				"parent":            parent,
				"permissions":       perms,
				"requires_approval": approval,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("display-name", "", "Display name")
	createCmd.Flags().String("category", "custom", "Role category")
	createCmd.Flags().Int("level", 1, "Security level (1-5)")
	createCmd.Flags().String("parent", "", "Parent role name")
	createCmd.Flags().StringSlice("permission", nil, "Permission codenames")
	createCmd.Flags().Bool("requires-approval", false, "Assignments need a second approval")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().delete("/admin/roles/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Deleted role: " + args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, createCmd, deleteCmd)
	return cmd
}

func principalsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "principals", Short: "Principal management"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if text, _ := cmd.Flags().GetString("query"); text != "" {
				q.Set("q", text)
			}
			if role, _ := cmd.Flags().GetString("role"); role != "" {
				q.Set("role", role)
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			result, err := newClient().get("/admin/principals?" + q.Encode())
			if err != nil {
				printError(err.Error())
				return nil
			}
			printRows(result, "id", "login", "email", "active", "approved", "suspended", "roles")
			return nil
		},
	}
	listCmd.Flags().String("query", "", "Free-text filter on login, email and name")
	listCmd.Flags().String("role", "", "Only principals holding this role")
	listCmd.Flags().Int("limit", 0, "Page size")

	createCmd := &cobra.Command{
		Use:   "create <login> <email>",
		Short: "Create an approved, active principal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			roles, _ := cmd.Flags().GetStringSlice("role")
			force, _ := cmd.Flags().GetBool("force-secret-change")
			result, err := newClient().post("/admin/principals", map[string]any{
				"login":               args[0],
				"email":               args[1],
				"secret":              prompt(secret, "Initial secret"),
				"roles":               roles,
				"force_secret_change": force,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("secret", "", "Initial secret (prompted when omitted)")
	createCmd.Flags().StringSlice("role", nil, "Roles to assign")
	createCmd.Flags().Bool("force-secret-change", true, "Require a secret change at first login")

	bulkCmd := &cobra.Command{
		Use:   "bulk <operation> <id>...",
		Short: "Apply activate, deactivate, suspend, approve, force_secret_change or revoke_sessions to many principals",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/admin/principals/bulk", map[string]any{
				"operation": args[0],
				"ids":       args[1:],
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printRows(result, "principal_id", "ok", "error", "detail")
			return nil
		},
	}

	unlockCmd := &cobra.Command{
		Use:   "unlock <id>",
		Short: "Clear a lockout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/admin/principals/"+args[0]+"/unlock", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(listCmd, createCmd, bulkCmd, unlockCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, f := range []string{"actor", "kind", "severity", "since", "until", "q"} {
				if v, _ := cmd.Flags().GetString(f); v != "" {
					q.Set(f, v)
				}
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			result, err := newClient().get("/admin/audit?" + q.Encode())
			if err != nil {
				printError(err.Error())
				return nil
			}
			printRows(result, "timestamp", "kind", "severity", "action", "actor_id", "subject_id", "success", "error_kind")
			return nil
		},
	}
	cmd.Flags().String("actor", "", "Actor principal id")
	cmd.Flags().String("kind", "", "Event kind")
	cmd.Flags().String("severity", "", "Severity")
	cmd.Flags().String("since", "", "RFC 3339 lower bound")
	cmd.Flags().String("until", "", "RFC 3339 upper bound")
	cmd.Flags().String("q", "", "Free-text search")
	cmd.Flags().Int("limit", 50, "Page size")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions and locked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, _ := cmd.Flags().GetString("principal")
			result, err := newClient().get("/admin/sessions?principal=" + url.QueryEscape(principal))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("principal", "", "Only sessions of this principal")

	revokeCmd := &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "Revoke one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().delete("/admin/sessions/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Session revoked.")
			return nil
		},
	}
	cmd.AddCommand(revokeCmd)
	return cmd
}
