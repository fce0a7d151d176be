// bridgectl is the operator CLI for the bridge's admin API.
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

var (
	adminAPI   string
	adminToken string
)

// Token env lookups, ordered by scope. The first set variable wins.
var tokenEnvVars = []string{
	"BRIDGE_READ_TOKEN",
	"BRIDGE_WRITE_TOKEN",
	"BRIDGE_DELETE_TOKEN",
	"BRIDGE_ADMIN_TOKEN",
	"BRIDGE_PROVISIONING_TOKEN",
}

const sampleConfig = `homeserver:
  address: https://matrix.example.com
  domain: example.com

appservice:
  hostname: 0.0.0.0
  port: 29330
  id: feishu
  bot_username: feishubot
  bot_displayname: Feishu Bridge
  as_token: your_as_token_here
  hs_token: your_hs_token_here
  database:
    type: sqlite
    uri: bridge.db

bridge:
  listen_address: ":29331"
  listen_secret: your_listen_secret_here
  app_id: your_app_id_here
  app_secret: your_app_secret_here
  encrypt_key: ""
  verification_token: ""

  api_base_url: https://open.feishu.cn
  api_max_retries: 3
  api_retry_base_ms: 250

  username_template: "feishu_{{.}}"
  displayname_template: "{{.}} (Feishu)"

  permissions:
    "@admin:example.com": admin

  max_media_size: 10485760
  enable_failure_degrade: true

  provisioning:
    read_token: your_read_token_here
    write_token: your_write_token_here
    delete_token: your_delete_token_here

logging:
  level: info
`

func main() {
	var generateConfig bool
	var configPath string

	root := &cobra.Command{
		Use:          "bridgectl",
		Short:        "Operate a running matrix-feishu bridge",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if generateConfig {
				return writeSampleConfig(configPath)
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&adminAPI, "admin-api", "http://localhost:29331", "bridge admin API base URL")
	root.PersistentFlags().StringVar(&adminToken, "token", defaultToken(), "bridge admin API bearer token")
	root.Flags().BoolVar(&generateConfig, "generate-config", false, "write a sample bridge configuration and exit")
	root.Flags().StringVar(&configPath, "config", "", "target path for --generate-config (stdout when empty)")

	root.AddCommand(statusCmd(), bridgesCmd(), mappingsCmd(), pendingCmd(), replayCmd(), cleanupCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// defaultToken walks the scope-ordered env variables
func defaultToken() string {
	for _, key := range tokenEnvVars {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func writeSampleConfig(path string) error {
	if path == "" {
		fmt.Print(sampleConfig)
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bridge status and counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/admin/status", nil)
		},
	}
}

func bridgesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridges",
		Short: "Manage room-chat links",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List bridged rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/admin/bridges", nil)
		},
	})

	create := &cobra.Command{
		Use:   "create <matrix_room_id> <feishu_chat_id>",
		Short: "Link a Matrix room to a Feishu chat",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/admin/bridges", map[string]string{
				"matrix_room_id": args[0],
				"feishu_chat_id": args[1],
			})
		},
	}
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <matrix_room_id>",
		Short: "Remove a room's link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/admin/bridges/"+args[0], nil)
		},
	})
	return cmd
}

func mappingsCmd() *cobra.Command {
	var limit, offset int64

	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "List user mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, fmt.Sprintf("/admin/mappings?limit=%d&offset=%d", limit, offset), nil)
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 100, "page size")
	cmd.Flags().Int64Var(&offset, "offset", 0, "page offset")
	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List pending bridge requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/admin/pending", nil)
		},
	}
}

func replayCmd() *cobra.Command {
	var (
		id     int64
		ids    []int64
		status string
		limit  int64
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay dead-lettered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id > 0 {
				return call(http.MethodPost, fmt.Sprintf("/admin/dead-letters/%d/replay", id), nil)
			}
			body := map[string]any{"limit": limit}
			if len(ids) > 0 {
				body["ids"] = ids
			}
			if status != "" {
				body["status"] = status
			}
			return call(http.MethodPost, "/admin/dead-letters/replay", body)
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "replay a single dead letter")
	cmd.Flags().Int64SliceVar(&ids, "ids", nil, "replay these dead letter ids")
	cmd.Flags().StringVar(&status, "status", "", "replay letters with this status")
	cmd.Flags().Int64Var(&limit, "limit", 50, "batch replay size")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var (
		dryRun         bool
		status         string
		olderThanHours int
		limit          int64
	)

	cmd := &cobra.Command{
		Use:   "dead-letter-cleanup",
		Short: "Delete old dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodPost, "/admin/dead-letters/cleanup", map[string]any{
				"status":           status,
				"older_than_hours": olderThanHours,
				"limit":            limit,
				"dry_run":          dryRun,
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count matching letters without deleting")
	cmd.Flags().StringVar(&status, "status", "", "only letters with this status")
	cmd.Flags().IntVar(&olderThanHours, "older-than-hours", 0, "only letters older than this many hours")
	cmd.Flags().Int64Var(&limit, "limit", 1000, "maximum letters to delete")
	return cmd
}

// call performs one admin API request and pretty-prints the response.
// A transport failure, an error status, or a success:false body all
// surface as errors so the exit code reflects them.
func call(method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, adminAPI+path, reqBody)
	if err != nil {
		return err
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Write(raw)
	}
	fmt.Println(pretty.String())

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}

	var envelope struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Success != nil && !*envelope.Success {
		return fmt.Errorf("%s %s: server reported failure", method, path)
	}
	return nil
}
