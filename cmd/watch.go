package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"roomrelay/pkg/config"
	"roomrelay/pkg/ui/watch"

	"github.com/spf13/cobra"
)

var (
	watchURL      string
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open a live dashboard for a running relay",
	Long:  "Polls a running relay's /stats endpoint and renders per-room counters in the terminal.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		url := watchURL
		if url == "" {
			url = statsURL(loadGatewayConfig())
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := watch.Run(ctx, watch.HTTPFetcher(url, nil), watchInterval); err != nil {
			fmt.Printf("watch failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVarP(&watchURL, "url", "u", "", "stats endpoint (defaults to the configured gateway)")
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 2*time.Second, "poll interval")
}

func loadGatewayConfig() config.GatewayConfig {
	cfg, err := config.LoadConfig()
	if err != nil {
		return config.GatewayConfig{}
	}
	return cfg.Gateway
}

func statsURL(gw config.GatewayConfig) string {
	host := gw.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port := gw.Port
	if port <= 0 {
		port = 18790
	}

	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/stats"
}
