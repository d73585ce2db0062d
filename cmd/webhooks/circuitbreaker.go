package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/metabrainz/webhook-engine/internal/engine"
	"github.com/spf13/cobra"
)

var circuitBreakerCmd = &cobra.Command{
	Use:   "circuit-breaker <subscription_id>",
	Short: "Inspect or reset a subscription's circuit breaker",
	Long: `Circuit breaker state lives in the running server process, so this
command queries the server's HTTP API rather than the database. Resetting
requires ADMIN_TOKEN when the server has one configured.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")
		serverURL, _ := cmd.Flags().GetString("server")

		subscriptionID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid subscription id %q", args[0])
		}

		// Only the server address and admin token matter here; the full
		// config would demand DATABASE_URL/REDIS_URL this command never uses.
		if serverURL == "" {
			port := os.Getenv("PORT")
			if port == "" {
				port = "8080"
			}
			serverURL = "http://localhost:" + port
		}
		adminToken := os.Getenv("ADMIN_TOKEN")

		client := &http.Client{Timeout: 10 * time.Second}

		if reset {
			if err := resetBreaker(client, serverURL, subscriptionID, adminToken); err != nil {
				return err
			}
			fmt.Printf("Circuit breaker for subscription %d reset\n", subscriptionID)
		}

		info, err := fetchBreakerStats(client, serverURL, subscriptionID)
		if err != nil {
			return err
		}
		stats := info.CircuitBreaker

		fmt.Printf("Subscription:  %d (%s)\n", info.SubscriptionID, info.Name)
		fmt.Printf("State:         %s\n", stats.State)
		fmt.Printf("Failures:      %d\n", stats.FailureCount)
		if stats.LastFailureAt != nil {
			fmt.Printf("Last failure:  %s\n", *stats.LastFailureAt)
		}
		if stats.State == engine.StateOpen {
			fmt.Printf("Retry in:      %.0fs\n", stats.TimeUntilRetrySecs)
		}
		return nil
	},
}

func init() {
	circuitBreakerCmd.Flags().Bool("reset", false, "Reset the breaker to closed")
	circuitBreakerCmd.Flags().String("server", "", "Server base URL (default: http://localhost:$PORT)")
}

type breakerInfo struct {
	SubscriptionID int64               `json:"subscription_id"`
	Name           string              `json:"name"`
	CircuitBreaker engine.BreakerStats `json:"circuit_breaker"`
}

func fetchBreakerStats(client *http.Client, serverURL string, subscriptionID int64) (*breakerInfo, error) {
	url := fmt.Sprintf("%s/api/v1/webhooks/%d/circuit-breaker", serverURL, subscriptionID)
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}

	var info breakerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}
	return &info, nil
}

func resetBreaker(client *http.Client, serverURL string, subscriptionID int64, adminToken string) error {
	url := fmt.Sprintf("%s/api/v1/webhooks/%d/circuit-breaker/reset", serverURL, subscriptionID)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
