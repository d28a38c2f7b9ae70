package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"roomrelay/pkg/metrics"
)

const defaultInterval = 2 * time.Second

// FetchFunc loads the latest stats snapshot.
type FetchFunc func(ctx context.Context) (metrics.Snapshot, error)

// HTTPFetcher polls a running service's /stats endpoint.
func HTTPFetcher(url string, client *http.Client) FetchFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	return func(ctx context.Context) (metrics.Snapshot, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return metrics.Snapshot{}, fmt.Errorf("build stats request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return metrics.Snapshot{}, fmt.Errorf("fetch stats: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return metrics.Snapshot{}, fmt.Errorf("fetch stats: %s", resp.Status)
		}

		var snapshot metrics.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
			return metrics.Snapshot{}, fmt.Errorf("decode stats: %w", err)
		}
		return snapshot, nil
	}
}

// Run shows the dashboard until the user quits or ctx ends.
func Run(ctx context.Context, fetch FetchFunc, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultInterval
	}

	program := tea.NewProgram(newModel(ctx, fetch, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}
