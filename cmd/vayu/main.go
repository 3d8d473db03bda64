// Command vayu is the CLI forwarder: it never loads storage or the
// sandbox directly, only talks to a running engine over the loopback
// control plane, per spec section 6's "cli run <file> forwards to a
// running engine over the HTTP control plane".
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vayu-dev/vayu-engine/metricscollector"
	"github.com/vayu-dev/vayu-engine/model"
)

// Exit codes per spec section 6.
const (
	exitSuccess           = 0
	exitUserError         = 1
	exitEngineUnreachable = 2
)

func main() {
	var engineURL string

	root := &cobra.Command{
		Use:   "vayu",
		Short: "CLI client for a running Vayu engine",
	}
	root.PersistentFlags().StringVar(&engineURL, "engine", "http://127.0.0.1:9876", "base URL of the running engine's control plane")

	root.AddCommand(newRunCommand(&engineURL))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vayu:", err)
		os.Exit(exitUserError)
	}
}

func newRunCommand(engineURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run <file>",
		Short: "Submit a run configuration file to a running engine and wait for its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := runCommand(*engineURL, args[0])
			if code != exitSuccess {
				os.Exit(code)
			}
			return nil
		},
	}
}

func runCommand(engineURL, path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vayu: read %s: %v\n", path, err)
		return exitUserError
	}

	var cfg model.RunConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "vayu: parse %s: %v\n", path, err)
		return exitUserError
	}

	client := &http.Client{Timeout: 10 * time.Second}

	startResp, err := client.Post(engineURL+"/run", "application/json", bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintf(os.Stderr, "vayu: engine unreachable: %v\n", err)
		return exitEngineUnreachable
	}
	defer startResp.Body.Close()
	if startResp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "vayu: engine rejected run: HTTP %d\n", startResp.StatusCode)
		return exitUserError
	}

	var started struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(startResp.Body).Decode(&started); err != nil {
		fmt.Fprintf(os.Stderr, "vayu: decode start response: %v\n", err)
		return exitUserError
	}
	fmt.Printf("run %s started\n", started.RunID)

	status, err := pollUntilTerminal(client, engineURL, started.RunID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vayu: %v\n", err)
		return exitEngineUnreachable
	}

	report, err := fetchReport(client, engineURL, started.RunID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vayu: fetch report: %v\n", err)
		return exitEngineUnreachable
	}

	printReport(started.RunID, status, report)
	if status == model.RunFailed {
		return exitUserError
	}
	return exitSuccess
}

func pollUntilTerminal(client *http.Client, engineURL, runID string) (model.RunStatus, error) {
	for {
		resp, err := client.Get(fmt.Sprintf("%s/run/%s", engineURL, runID))
		if err != nil {
			return "", fmt.Errorf("engine unreachable: %w", err)
		}
		var body struct {
			Status model.RunStatus `json:"status"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("decode status: %w", err)
		}

		switch body.Status {
		case model.RunCompleted, model.RunStopped, model.RunFailed:
			return body.Status, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

type reportView struct {
	Totals      metricscollector.Totals       `json:"totals"`
	Percentiles *metricscollector.Percentiles `json:"percentiles,omitempty"`
	Histogram   map[int]uint64                `json:"statusHistogram"`
}

func fetchReport(client *http.Client, engineURL, runID string) (*reportView, error) {
	resp, err := client.Get(fmt.Sprintf("%s/run/%s/report", engineURL, runID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var r reportView
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func printReport(runID string, status model.RunStatus, r *reportView) {
	fmt.Printf("\nrun %s: %s\n", runID, status)
	fmt.Printf("  requests: %d total, %d failed\n", r.Totals.TotalRequests, r.Totals.TotalErrors)
	if r.Percentiles != nil {
		fmt.Printf("  latency (ms): p50=%.1f p90=%.1f p99=%.1f max=%.1f\n",
			r.Percentiles.P50, r.Percentiles.P90, r.Percentiles.P99, r.Percentiles.Max)
	}
	for code, count := range r.Histogram {
		fmt.Printf("  HTTP %d: %d\n", code, count)
	}
}
