package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ddctl",
	Short: "ddctl controls a running Data Distributor over its HTTP control API",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:8500", "Data Distributor control API address")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(auditCmd)
}

// client is a thin HTTP/JSON caller for the control API. No retry/backoff:
// ddctl is an operator tool, not a long-running dependent.
type client struct {
	addr string
	http *http.Client
}

func newClient(cmd *cobra.Command) *client {
	addr, _ := cmd.Flags().GetString("addr")
	return &client{addr: addr, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *client) post(path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	resp, err := c.http.Post(fmt.Sprintf("http://%s%s", c.addr, path), "application/json", reader)
	if err != nil {
		return fmt.Errorf("failed to reach distributor: %w", err)
	}
	defer resp.Body.Close()

	return decodeOrError(resp, out)
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.http.Get(fmt.Sprintf("http://%s%s", c.addr, path))
	if err != nil {
		return fmt.Errorf("failed to reach distributor: %w", err)
	}
	defer resp.Body.Close()

	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("distributor: %s", errBody.Error)
		}
		return fmt.Errorf("distributor: unexpected status %d", resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Server commands: halt, status, exclusion check.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the Data Distributor process",
}

var serverHaltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Disable the Data Distributor (stop issuing moves and audits)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		if err := c.post("/control/halt", nil, nil); err != nil {
			return err
		}
		fmt.Println("✓ Data Distributor halted")
		return nil
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Data Distributor metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		var status map[string]interface{}
		if err := c.get("/control/metrics", &status); err != nil {
			return err
		}
		fmt.Printf("Shard count:     %v\n", status["shard_count"])
		fmt.Printf("Moves in flight: %v\n", status["moves_in_flight"])
		fmt.Printf("Tenant count:    %v\n", status["tenant_count"])
		fmt.Printf("Is leader:       %v\n", status["is_leader"])
		return nil
	},
}

var serverExclusionCheckCmd = &cobra.Command{
	Use:   "exclusion-check SERVER...",
	Short: "Check whether excluding the given storage servers is safe",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		var reply struct {
			Safe bool `json:"safe"`
		}
		req := map[string]interface{}{"servers": args}
		if err := c.post("/control/exclusion-check", req, &reply); err != nil {
			return err
		}
		if reply.Safe {
			fmt.Println("✓ safe to exclude")
		} else {
			fmt.Println("✗ not safe to exclude: fewer than two healthy teams would remain")
		}
		return nil
	},
}

func init() {
	serverCmd.AddCommand(serverHaltCmd)
	serverCmd.AddCommand(serverStatusCmd)
	serverCmd.AddCommand(serverExclusionCheckCmd)
}

// Tenant commands. The only one is list, which reports tenants over their
// storage quota; the control API has no tenant create, delete, rename or
// lock endpoints.

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants over their storage quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		var overQuota []string
		if err := c.get("/control/tenants-over-quota", &overQuota); err != nil {
			return err
		}
		if len(overQuota) == 0 {
			fmt.Println("No tenants over quota")
			return nil
		}
		for _, name := range overQuota {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	tenantCmd.AddCommand(tenantListCmd)
}

// Audit commands.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Trigger or cancel background consistency audits",
}

var auditTriggerCmd = &cobra.Command{
	Use:   "trigger TYPE",
	Short: "Trigger a consistency audit over the whole key space",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		req := map[string]interface{}{"type": args[0]}
		var reply struct {
			AuditID string `json:"audit_id"`
		}
		if err := c.post("/control/audit", req, &reply); err != nil {
			return err
		}
		fmt.Printf("✓ audit launched: %s\n", reply.AuditID)
		return nil
	},
}

var auditCancelCmd = &cobra.Command{
	Use:   "cancel TYPE ID",
	Short: "Cancel a running audit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		req := map[string]interface{}{"type": args[0], "id": args[1], "cancel": true}
		if err := c.post("/control/audit", req, nil); err != nil {
			return err
		}
		fmt.Println("✓ audit cancelled")
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditTriggerCmd)
	auditCmd.AddCommand(auditCancelCmd)
}
