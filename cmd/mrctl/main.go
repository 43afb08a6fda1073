package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mrctl",
	Short: "Core backend CLI",
	Long:  "A CLI for operating the multi-tenant core backend.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
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

	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(healthCmd())
}

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage authorization policy"}

	convertCmd := &cobra.Command{
		Use:   "convert <roles.csv>",
		Short: "Convert a roles permission matrix into policy tuples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := convertRolesCSV(args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printRules(rules)
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <roles.csv>",
		Short: "Convert a roles matrix and upload the resulting rule set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := convertRolesCSV(args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			client := newClient()
			result, err := client.post("/v1/sys/policy/import", map[string]any{"rules": rules})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(convertCmd, importCmd)
	return cmd
}

// --- ticket ---

func ticketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ticket", Short: "Work with tickets"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			page, _ := cmd.Flags().GetInt("page")
			pageSize, _ := cmd.Flags().GetInt("page-size")
			customer, _ := cmd.Flags().GetInt64("customer")
			status, _ := cmd.Flags().GetString("status")

			params := []string{
				"page=" + strconv.Itoa(page),
				"pageSize=" + strconv.Itoa(pageSize),
			}
			if customer > 0 {
				params = append(params, "customerId="+strconv.FormatInt(customer, 10))
			}
			if status != "" {
				params = append(params, "status="+status)
			}
			client := newClient()
			result, err := client.get("/v1/tickets?" + strings.Join(params, "&"))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().Int("page", 1, "Page to fetch")
	listCmd.Flags().Int("page-size", 30, "Rows per page")
	listCmd.Flags().Int64("customer", 0, "Restrict to one customer")
	listCmd.Flags().String("status", "", "Restrict to a status")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Read one ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/tickets/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <subject>",
		Short: "Open a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := cmd.Flags().GetString("body")
			customer, _ := cmd.Flags().GetInt64("customer")
			payload := map[string]any{"subject": args[0], "body": body}
			if customer > 0 {
				payload["customer_id"] = customer
			}
			client := newClient()
			result, err := client.post("/v1/tickets", payload)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("body", "", "Ticket body")
	createCmd.Flags().Int64("customer", 0, "Customer the ticket belongs to")

	closeCmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.patch("/v1/tickets/"+args[0], map[string]any{"status": "closed"})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, createCmd, closeCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query the audit trail"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			route, _ := cmd.Flags().GetString("route")
			since, _ := cmd.Flags().GetString("since")
			limit, _ := cmd.Flags().GetInt("limit")

			params := []string{"limit=" + strconv.Itoa(limit)}
			if route != "" {
				params = append(params, "route="+route)
			}
			if since != "" {
				params = append(params, "since="+since)
			}
			client := newClient()
			result, err := client.get("/v1/sys/audit-log?" + strings.Join(params, "&"))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().String("route", "", `Restrict to one route, e.g. "POST /v1/tickets"`)
	listCmd.Flags().String("since", "", "RFC3339 lower bound")
	listCmd.Flags().Int("limit", 100, "Maximum rows")

	cmd.AddCommand(listCmd)
	return cmd
}

// --- health ---

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/sys/health")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func printRules(rules []policyRule) {
	for _, r := range rules {
		fmt.Printf("%s,%s,%s,%s,%s,%s\n", r.Subject, r.Domain, r.Object, r.Action, r.Condition, r.Effect)
	}
}
