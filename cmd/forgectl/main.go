// Package main implements the forgectl CLI for manual operations against the forged daemon.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the forged HTTP API
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "CLI for forged daemon operations",
	Long: `forgectl is a command-line interface for interacting with the forged daemon.
It provides commands for inspecting module health, the resolved load order,
and feature flags.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8420", "forged server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(loadorderCmd)
	rootCmd.AddCommand(flagsCmd)

	flagsCmd.AddCommand(evalCmd)
	evalCmd.Flags().StringVar(&evalUser, "user", "", "subject user ID")
	evalCmd.Flags().StringVar(&evalTenant, "tenant", "", "subject tenant ID")
}

// healthCmd reports per-module health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check forged module health",
	Long: `Check the aggregated module health of the forged daemon.

Exits non-zero when the overall verdict is unhealthy.

Examples:
  # Check health
  forgectl health

  # Check health on a different server
  forgectl health --server http://localhost:9000`,
	RunE: runHealth,
}

// modulesCmd lists registered modules
var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List registered modules",
	RunE:  runModules,
}

// loadorderCmd shows the resolved initialization order
var loadorderCmd = &cobra.Command{
	Use:   "loadorder",
	Short: "Show the dependency-resolved initialization order",
	RunE:  runLoadOrder,
}

// flagsCmd lists feature flag definitions
var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "List feature flag definitions",
	RunE:  runFlags,
}

var (
	evalUser   string
	evalTenant string
)

// evalCmd evaluates one flag for a subject
var evalCmd = &cobra.Command{
	Use:   "eval <flag>",
	Short: "Evaluate a feature flag for a subject",
	Long: `Evaluate a feature flag the way the daemon would for a given subject.

Examples:
  # Evaluate for a user
  forgectl flags eval deals-pipeline-v2 --user u-1042

  # Evaluate for a whole tenant
  forgectl flags eval deals-pipeline-v2 --tenant acme`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

// HealthReport matches internal/kernel Report
type HealthReport struct {
	Overall bool            `json:"overall"`
	Modules map[string]bool `json:"modules"`
}

// ModuleInfo matches internal/http ModuleInfo
type ModuleInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Owner        string   `json:"owner,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	OptionalDeps []string `json:"optional_deps,omitempty"`
	Optional     bool     `json:"optional,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// ModulesResponse matches internal/http ModulesResponse
type ModulesResponse struct {
	Modules []ModuleInfo `json:"modules"`
}

// LoadOrderResponse matches internal/http LoadOrderResponse
type LoadOrderResponse struct {
	LoadOrder []string `json:"load_order"`
}

// FlagDef matches internal/featureflag Flag
type FlagDef struct {
	Enabled bool     `json:"enabled"`
	Rollout int      `json:"rollout"`
	Tenants []string `json:"tenants,omitempty"`
	Users   []string `json:"users,omitempty"`
}

// FlagEvalResponse matches internal/http FlagEvalResponse
type FlagEvalResponse struct {
	Flag    string `json:"flag"`
	Enabled bool   `json:"enabled"`
	User    string `json:"user,omitempty"`
	Tenant  string `json:"tenant,omitempty"`
}

// apiClient is shared by all subcommands.
var apiClient = &http.Client{Timeout: 10 * time.Second}

// getJSON fetches path from the configured server and decodes the body into
// out. Statuses outside accept produce an error carrying the response body.
func getJSON(path string, out any, accept ...int) (int, error) {
	url := serverURL + path

	resp, err := apiClient.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	allowed := false
	for _, code := range accept {
		if resp.StatusCode == code {
			allowed = true
			break
		}
	}
	if !allowed {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return resp.StatusCode, fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return resp.StatusCode, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	// 503 still carries a full report; render it before failing.
	var report HealthReport
	_, err := getJSON("/health", &report, http.StatusOK, http.StatusServiceUnavailable)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(report.Modules))
	for name := range report.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		verdict := "healthy"
		if !report.Modules[name] {
			verdict = "unhealthy"
		}
		fmt.Printf("%-24s %s\n", name, verdict)
	}

	if !report.Overall {
		return fmt.Errorf("overall verdict: unhealthy")
	}
	fmt.Println("overall verdict: healthy")
	return nil
}

// runModules handles the modules command
func runModules(cmd *cobra.Command, args []string) error {
	var resp ModulesResponse
	if _, err := getJSON("/api/v1/modules", &resp, http.StatusOK); err != nil {
		return err
	}

	if len(resp.Modules) == 0 {
		fmt.Println("no modules registered")
		return nil
	}

	for _, m := range resp.Modules {
		line := fmt.Sprintf("%-24s %s", m.Name, m.Version)
		if len(m.Dependencies) > 0 {
			line += "  deps=" + strings.Join(m.Dependencies, ",")
		}
		if len(m.OptionalDeps) > 0 {
			line += "  optional-deps=" + strings.Join(m.OptionalDeps, ",")
		}
		if m.Optional {
			line += "  (optional)"
		}
		fmt.Println(line)
	}
	return nil
}

// runLoadOrder handles the loadorder command
func runLoadOrder(cmd *cobra.Command, args []string) error {
	var resp LoadOrderResponse
	if _, err := getJSON("/api/v1/loadorder", &resp, http.StatusOK); err != nil {
		return err
	}

	if len(resp.LoadOrder) == 0 {
		fmt.Println("load order not resolved yet")
		return nil
	}

	for i, name := range resp.LoadOrder {
		fmt.Printf("%2d. %s\n", i+1, name)
	}
	return nil
}

// runFlags handles the flags command
func runFlags(cmd *cobra.Command, args []string) error {
	var resp map[string]FlagDef
	if _, err := getJSON("/api/v1/flags", &resp, http.StatusOK); err != nil {
		return err
	}

	if len(resp) == 0 {
		fmt.Println("no flags defined")
		return nil
	}

	names := make([]string, 0, len(resp))
	for name := range resp {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := resp[name]
		line := fmt.Sprintf("%-32s enabled=%-5v rollout=%d%%", name, def.Enabled, def.Rollout)
		if len(def.Users) > 0 {
			line += "  users=" + strings.Join(def.Users, ",")
		}
		if len(def.Tenants) > 0 {
			line += "  tenants=" + strings.Join(def.Tenants, ",")
		}
		fmt.Println(line)
	}
	return nil
}

// runEval handles the flags eval command
func runEval(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if evalUser != "" {
		q.Set("user", evalUser)
	}
	if evalTenant != "" {
		q.Set("tenant", evalTenant)
	}

	path := "/api/v1/flags/" + url.PathEscape(args[0]) + "/eval"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var resp FlagEvalResponse
	if _, err := getJSON(path, &resp, http.StatusOK); err != nil {
		return err
	}

	fmt.Printf("%s: enabled=%v\n", resp.Flag, resp.Enabled)
	return nil
}
