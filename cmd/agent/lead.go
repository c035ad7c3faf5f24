package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var (
	apiURL   string
	apiToken string
)

var leadCmd = &cobra.Command{
	Use:   "lead",
	Short: "Inspect and steer leads through a running agent",
}

type apiError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type apiLead struct {
	ID     int64  `json:"id"`
	Report string `json:"report"`
	Status string `json:"status"`
	Reply  string `json:"reply"`
}

func init() {
	leadCmd.PersistentFlags().StringVar(&apiURL, "url", envOr("OPERATOR_URL", "http://localhost:8080"), "agent HTTP address")
	leadCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("OPERATOR_TOKEN"), "operator API token")

	leadCmd.AddCommand(
		&cobra.Command{
			Use:   "status <id>",
			Short: "Show a lead's status report",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callLead(cmd, "GET", args[0], "", nil)
			},
		},
		&cobra.Command{
			Use:   "block <id>",
			Short: "Stop all contact with a lead",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callLead(cmd, "POST", args[0], "/block", nil)
			},
		},
		&cobra.Command{
			Use:   "unblock <id>",
			Short: "Allow contact with a blocked lead again",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callLead(cmd, "POST", args[0], "/unblock", nil)
			},
		},
		&cobra.Command{
			Use:   "command <id> <text>",
			Short: "Send an operator push to a lead",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				body := map[string]string{"text": strings.Join(args[1:], " ")}
				return callLead(cmd, "POST", args[0], "/command", body)
			},
		},
	)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func callLead(cmd *cobra.Command, method, rawID, suffix string, body any) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid lead id %q", rawID)
	}
	if apiToken == "" {
		return errors.New("operator token is required (--token or OPERATOR_TOKEN)")
	}

	var out apiLead
	var apiErr apiError
	req := resty.New().
		SetTimeout(2*time.Minute).
		R().
		SetContext(cmd.Context()).
		SetAuthToken(apiToken).
		SetResult(&out).
		SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	url := fmt.Sprintf("%s/leads/%d%s", strings.TrimRight(apiURL, "/"), id, suffix)
	resp, err := req.Execute(method, url)
	if err != nil {
		return fmt.Errorf("call agent: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error == "" {
			return fmt.Errorf("agent returned %s", resp.Status())
		}
		if apiErr.Reason != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Reason)
		}
		return errors.New(apiErr.Error)
	}

	w := cmd.OutOrStdout()
	switch {
	case out.Report != "":
		fmt.Fprintln(w, out.Report)
	case out.Reply != "":
		fmt.Fprintln(w, out.Reply)
	default:
		fmt.Fprintf(w, "Lead %d is now %s\n", out.ID, out.Status)
	}
	return nil
}
