package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the research command.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitRejected           = 2
	ExitGatewayUnavailable = 3
)

var (
	researchQuery      string
	researchBudget     float64
	researchGatewayURL string
	researchAPIKey     string
	researchTimeout    int
	researchJSON       bool
)

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Run a one-shot research query against the gateway",
	Long: `Send a query to a running Malipo gateway and print the report.
The budget is locked in escrow before the first step runs; every step is
authorized against it and the unspent remainder is refunded at settlement.

Examples:
  malipo research -q "current ETH gas price trend"
  malipo research -q "compare L2 sequencer uptime" --budget 2.50
  malipo research -q "..." --json | jq .settlement

Exit codes:
  0  success (including halted runs with a partial report)
  1  execution failure
  2  request rejected (bad budget, bad key, rate limited)
  3  gateway unavailable`,
	RunE: runResearch,
}

func init() {
	researchCmd.Flags().StringVarP(&researchQuery, "query", "q", "", "research query (required)")
	researchCmd.Flags().Float64Var(&researchBudget, "budget", 0, "budget to lock in USD (0 = server default)")
	researchCmd.Flags().StringVar(&researchGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL")
	researchCmd.Flags().StringVar(&researchAPIKey, "api-key", "", "API key for gateway authentication (or MALIPO_API_KEY env)")
	researchCmd.Flags().IntVar(&researchTimeout, "timeout", 300, "timeout in seconds")
	researchCmd.Flags().BoolVar(&researchJSON, "json", false, "print the raw report JSON")

	_ = researchCmd.MarkFlagRequired("query")
}

func runResearch(_ *cobra.Command, _ []string) error {
	if researchQuery == "" {
		return fmt.Errorf("query is required: use -q flag")
	}

	// Resolve API key and gateway URL from flag or env.
	apiKey := goutils.Env("MALIPO_API_KEY", researchAPIKey)
	gatewayURL := goutils.Env("MALIPO_GATEWAY_URL", researchGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(researchTimeout)*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]any{
		"query":          researchQuery,
		"max_budget_usd": researchBudget,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", gatewayURL+"/v1/research", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitGatewayUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		if researchJSON {
			fmt.Println(string(respBody))
		} else {
			printReport(respBody)
		}
		os.Exit(ExitSuccess)

	case http.StatusBadRequest:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &body)
		fmt.Fprintf(os.Stderr, "Error: request rejected: %s\n", body.Error)
		os.Exit(ExitRejected)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitRejected)

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitRejected)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitGatewayUnavailable)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}

	return nil
}

// printReport renders a human-readable summary: the answer on stdout,
// provenance and the money trail on stderr.
func printReport(raw []byte) {
	var report struct {
		Status    string `json:"status"`
		SessionID string `json:"session_id"`
		Results   *struct {
			Answer        string `json:"answer"`
			Confidence    string `json:"confidence"`
			StepsExecuted int    `json:"steps_executed"`
			StepsTotal    int    `json:"steps_total"`
		} `json:"results"`
		Sources    []string `json:"sources"`
		Notes      string   `json:"notes"`
		Settlement *struct {
			SpentUSD    float64 `json:"spent_usd"`
			RefundedUSD float64 `json:"refunded_usd"`
		} `json:"settlement"`
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		fmt.Println(string(raw))
		return
	}

	if report.Results != nil {
		fmt.Println(report.Results.Answer)
	}
	if report.Notes != "" {
		fmt.Fprintf(os.Stderr, "\nNotes: %s\n", report.Notes)
	}
	if len(report.Sources) > 0 {
		fmt.Fprintln(os.Stderr, "\nSources:")
		for _, s := range report.Sources {
			fmt.Fprintf(os.Stderr, "  - %s\n", s)
		}
	}

	fmt.Fprintf(os.Stderr, "\n[session=%s status=%s", report.SessionID, report.Status)
	if report.Results != nil {
		fmt.Fprintf(os.Stderr, " steps=%d/%d confidence=%s",
			report.Results.StepsExecuted, report.Results.StepsTotal, report.Results.Confidence)
	}
	if report.Settlement != nil {
		fmt.Fprintf(os.Stderr, " spent=$%.4f refunded=$%.4f",
			report.Settlement.SpentUSD, report.Settlement.RefundedUSD)
	}
	fmt.Fprintln(os.Stderr, "]")
}
