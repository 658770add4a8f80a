package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Query the health endpoint of the agentgate server named by the configuration.`,
	RunE:  runStatus,
}

var statusClient = &http.Client{Timeout: 5 * time.Second}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	UptimeSec   int64  `json:"uptime_sec"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Switchboard.Host, strconv.Itoa(cfg.Switchboard.Port))
	out := cmd.OutOrStdout()

	resp, err := statusClient.Get("http://" + addr + "/healthz")
	if err != nil {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}
	defer resp.Body.Close()

	var report healthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("invalid health response: %w", err)
	}

	fmt.Fprintf(out, "Status: %s\n", report.Status)
	fmt.Fprintf(out, "Address: %s\n", addr)
	fmt.Fprintf(out, "Connections: %d\n", report.Connections)
	fmt.Fprintf(out, "Sessions: %d\n", report.Sessions)
	fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Duration(report.UptimeSec)*time.Second))
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
