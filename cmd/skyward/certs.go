package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/server"
	"github.com/spf13/cobra"
)

func newCertsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage certificates of a running instance",
	}
	cmd.AddCommand(newCertsRevalidateCmd(opts))
	return cmd
}

func newCertsRevalidateCmd(opts *rootOptions) *cobra.Command {
	var (
		serverURL string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "revalidate <domain>",
		Short: "Force the running instance to revalidate one domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				if cfg.APIPort == 0 {
					return fmt.Errorf("the API is disabled; pass --server")
				}
				serverURL = fmt.Sprintf("http://localhost:%d", cfg.APIPort)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cert, err := revalidate(ctx, serverURL, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
				styleOK.Render("valid"), cert.Domain,
				styleMuted.Render(fmt.Sprintf("id %s, expires %s", shortGeneration(cert.ID), cert.NotAfter.UTC().Format(time.RFC3339))))
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of the skyward API (default http://localhost:$SKYWARD_API_PORT)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "overall request timeout")
	return cmd
}

func revalidate(ctx context.Context, base, domain string) (*certs.Certificate, error) {
	endpoint := strings.TrimRight(base, "/") + "/v1/certificates/" + url.PathEscape(domain) + "/revalidate"

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("revalidate %s: %w", domain, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr server.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("revalidate %s: %s (%s)", domain, apiErr.Error, apiErr.Code)
		}
		return nil, fmt.Errorf("revalidate %s: unexpected status %d", domain, resp.StatusCode)
	}

	var cert certs.Certificate
	if err := json.Unmarshal(body, &cert); err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return &cert, nil
}
