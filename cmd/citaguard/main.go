package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/org/citaguard/internal/config"
	"github.com/org/citaguard/internal/crypto"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "citaguard",
	Short:         "citaguard CLI",
	Long:          "A CLI for the citaguard security service: CSRF tokens, emergency phones and the security event log.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(csrfTokenCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(phonesCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(adminCmd())
}

var phoneColumns = []string{"id", "user_id", "country_code", "phone_number", "label", "is_primary", "is_verified"}

// --- keygen ---

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an encryption key and a CSRF secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateEncodedKey()
			if err != nil {
				return err
			}
			secret, err := generateSecret()
			if err != nil {
				return err
			}
			printResult(map[string]any{
				"encryption_key": key,
				"csrf_secret":    secret,
			})
			return nil
		},
	}
}

// generateSecret draws random secrets until one passes the server's strength rule.
func generateSecret() (string, error) {
	for i := 0; i < 100; i++ {
		s, err := crypto.GenerateEncodedKey()
		if err != nil {
			return "", err
		}
		if config.ValidateSecret(s) == nil {
			return s, nil
		}
	}
	return "", fmt.Errorf("could not generate a strong secret")
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage CLI configuration"}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Update and save CLI settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("address"); v != "" {
				cfg.Address = v
			}
			if v, _ := cmd.Flags().GetString("token"); v != "" {
				cfg.Token = v
			}
			if v, _ := cmd.Flags().GetString("ca-cert"); v != "" {
				cfg.TLSCACert = v
			}
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("saved " + configPath())
			return nil
		},
	}
	setCmd.Flags().String("address", "", "Server address")
	setCmd.Flags().String("token", "", "Bearer token")
	setCmd.Flags().String("ca-cert", "", "CA certificate for TLS")

	cmd.AddCommand(setCmd)
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and security settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			health, err := client.get("/health")
			if err != nil {
				return err
			}
			info, err := client.get("/security-info")
			if err != nil {
				return err
			}
			info["status"] = health["status"]
			printResult(info)
			return nil
		},
	}
}

// --- csrf-token ---

func csrfTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "csrf-token",
		Short: "Fetch a CSRF token from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/csrf-token")
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <uid>",
		Short: "Obtain a development token (servers in development mode only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			admin, _ := cmd.Flags().GetBool("admin")
			save, _ := cmd.Flags().GetBool("save")

			client := newClient()
			result, err := client.post("/api/v1/debug/login", map[string]any{
				"uid":   args[0],
				"email": email,
				"admin": admin,
			})
			if err != nil {
				return err
			}
			if save {
				cfg.Token, _ = result["token"].(string)
				if err := saveConfig(); err != nil {
					return err
				}
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("email", "", "Email for the principal")
	cmd.Flags().Bool("admin", false, "Grant admin")
	cmd.Flags().Bool("save", false, "Store the token in the CLI config")
	return cmd
}

// --- phones ---

func phonesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "phones", Short: "Manage emergency phones"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List emergency phones",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/emergency/phones"
			if user, _ := cmd.Flags().GetString("user"); user != "" {
				path += "?user_id=" + url.QueryEscape(user)
			}
			result, err := newClient().get(path)
			if err != nil {
				return err
			}
			printResult(result, phoneColumns...)
			return nil
		},
	}
	listCmd.Flags().String("user", "", "List another user's phones (admin)")

	addCmd := &cobra.Command{
		Use:   "add <number>",
		Short: "Add an emergency phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"phone_number": args[0]}
			for _, f := range []string{"country_code", "label", "notes"} {
				if v, _ := cmd.Flags().GetString(f); v != "" {
					body[f] = v
				}
			}
			body["is_primary"], _ = cmd.Flags().GetBool("primary")

			path := "/api/emergency/phones"
			if user, _ := cmd.Flags().GetString("user"); user != "" {
				path += "?user_id=" + url.QueryEscape(user)
			}
			result, err := newClient().post(path, body)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	addCmd.Flags().String("country_code", "", "Country code, e.g. +34")
	addCmd.Flags().String("label", "", "Label")
	addCmd.Flags().String("notes", "", "Notes")
	addCmd.Flags().Bool("primary", false, "Mark as primary")
	addCmd.Flags().String("user", "", "Create for another user (admin)")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/emergency/phones/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			for _, f := range []string{"phone_number", "country_code", "label", "notes"} {
				if cmd.Flags().Changed(f) {
					body[f], _ = cmd.Flags().GetString(f)
				}
			}
			if cmd.Flags().Changed("primary") {
				body["is_primary"], _ = cmd.Flags().GetBool("primary")
			}
			result, err := newClient().put("/api/emergency/phones/"+url.PathEscape(args[0]), body)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	updateCmd.Flags().String("phone_number", "", "Phone number")
	updateCmd.Flags().String("country_code", "", "Country code")
	updateCmd.Flags().String("label", "", "Label")
	updateCmd.Flags().String("notes", "", "Notes")
	updateCmd.Flags().Bool("primary", false, "Primary flag")

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().delete("/api/emergency/phones/" + url.PathEscape(args[0])); err != nil {
				return err
			}
			printSuccess("deleted " + args[0])
			return nil
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "Mark a phone as verified (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/api/admin/emergency/phones/"+url.PathEscape(args[0])+"/verify", nil)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(listCmd, addCmd, getCmd, updateCmd, rmCmd, verifyCmd)
	return cmd
}

// --- events ---

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the security event log (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for flag, param := range map[string]string{
				"since":    "since",
				"until":    "until",
				"user":     "user_id",
				"type":     "event_type",
				"severity": "severity",
			} {
				if v, _ := cmd.Flags().GetString(flag); v != "" {
					q.Set(param, v)
				}
			}
			if n, _ := cmd.Flags().GetInt("limit"); n > 0 {
				q.Set("limit", strconv.Itoa(n))
			}
			if n, _ := cmd.Flags().GetInt("offset"); n > 0 {
				q.Set("offset", strconv.Itoa(n))
			}
			path := "/api/admin/security-events"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().get(path)
			if err != nil {
				return err
			}
			printResult(result, "timestamp", "severity", "event_type", "user_id", "ip_address", "success")
			return nil
		},
	}
	cmd.Flags().String("since", "", "RFC 3339 lower bound")
	cmd.Flags().String("until", "", "RFC 3339 upper bound")
	cmd.Flags().String("user", "", "Actor user id")
	cmd.Flags().String("type", "", "Event type")
	cmd.Flags().String("severity", "", "low, medium, high or critical")
	cmd.Flags().Int("limit", 0, "Maximum events (server default 100)")
	cmd.Flags().Int("offset", 0, "Events to skip")
	return cmd
}

// --- admin ---

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Administrative commands"}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-client request statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/api/admin/client-stats")
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete-account <uid>",
		Short: "Delete a user's data and revoke their tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().delete("/api/admin/accounts/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(statsCmd, deleteCmd)
	return cmd
}
