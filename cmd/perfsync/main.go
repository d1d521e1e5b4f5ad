package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/tasksync/internal/protocol"
	"github.com/ent0n29/tasksync/internal/tasks"
)

// perfsync measures how long a status change takes to reach a second session: one
// token writes over HTTP, the other watches the websocket.
type options struct {
	baseURL      string
	writerToken  string
	watcherToken string
	workspaceID  string
	taskID       string
	rounds       int
	interRound   time.Duration
	roundTimeout time.Duration
	verbose      bool
}

var cycle = []tasks.Status{tasks.StatusInProgress, tasks.StatusOnHold, tasks.StatusInProgress, tasks.StatusCompleted, tasks.StatusPending}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfsync: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfsync: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var interRoundMS, roundTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "tasksync base URL")
	fs.StringVar(&cfg.writerToken, "writer-token", os.Getenv("PERFSYNC_WRITER_TOKEN"), "token used for status changes")
	fs.StringVar(&cfg.watcherToken, "watcher-token", os.Getenv("PERFSYNC_WATCHER_TOKEN"), "token used for the watching session")
	fs.StringVar(&cfg.workspaceID, "workspace-id", "", "workspace to subscribe to")
	fs.StringVar(&cfg.taskID, "task-id", "", "task whose status is cycled")
	fs.IntVar(&cfg.rounds, "rounds", 20, "number of status changes")
	fs.IntVar(&interRoundMS, "inter-round-ms", 100, "delay between rounds in milliseconds")
	fs.IntVar(&roundTimeoutMS, "round-timeout-ms", 5000, "timeout waiting for each event in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print per-round latency")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.writerToken == "" || cfg.watcherToken == "" {
		return options{}, fmt.Errorf("writer-token and watcher-token are required")
	}
	if cfg.workspaceID == "" || cfg.taskID == "" {
		return options{}, fmt.Errorf("workspace-id and task-id are required")
	}
	if cfg.rounds <= 0 {
		return options{}, fmt.Errorf("rounds must be > 0")
	}
	if interRoundMS < 0 {
		interRoundMS = 0
	}
	if roundTimeoutMS < 100 {
		roundTimeoutMS = 100
	}
	cfg.interRound = time.Duration(interRoundMS) * time.Millisecond
	cfg.roundTimeout = time.Duration(roundTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.watcherToken)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	statusCh := make(chan tasks.TaskStatusChanged, 32)
	subscribedCh := make(chan struct{}, 1)
	readErrCh := make(chan error, 1)
	go readLoop(conn, cfg.taskID, statusCh, subscribedCh, readErrCh)

	if err := conn.WriteJSON(protocol.Subscribe{Type: protocol.TypeSubscribe, WorkspaceID: cfg.workspaceID}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	select {
	case <-subscribedCh:
	case err := <-readErrCh:
		return fmt.Errorf("ws read: %w", err)
	case <-time.After(cfg.roundTimeout):
		return errors.New("timed out waiting for subscription")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	latencies := make([]time.Duration, 0, cfg.rounds)
	for i := 0; i < cfg.rounds; i++ {
		want := cycle[i%len(cycle)]
		started := time.Now()
		if err := changeStatus(ctx, httpClient, cfg, want); err != nil {
			return fmt.Errorf("round %d: %w", i+1, err)
		}
		if err := awaitStatus(statusCh, readErrCh, want, cfg.roundTimeout); err != nil {
			return fmt.Errorf("round %d: %w", i+1, err)
		}
		d := time.Since(started)
		latencies = append(latencies, d)
		if cfg.verbose {
			fmt.Printf("round %3d  %-12s %s\n", i+1, want, d.Round(time.Microsecond))
		}
		if cfg.interRound > 0 {
			time.Sleep(cfg.interRound)
		}
	}

	s := summarize(latencies)
	fmt.Printf("perfsync: rounds=%d p50=%s p95=%s max=%s\n", s.count, s.p50, s.p95, s.max)
	return nil
}

func changeStatus(ctx context.Context, client *http.Client, cfg options, status tasks.Status) error {
	body, _ := json.Marshal(map[string]string{"status": string(status)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/tasks/"+url.PathEscape(cfg.taskID)+"/status", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.writerToken)
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("status change http %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, taskID string, statusCh chan<- tasks.TaskStatusChanged, subscribedCh chan<- struct{}, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErrCh <- err
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.Subscribed:
			select {
			case subscribedCh <- struct{}{}:
			default:
			}
		case protocol.ErrorEvent:
			readErrCh <- fmt.Errorf("server error %s: %s", m.Code, m.Detail)
			return
		case tasks.TaskStatusChanged:
			if m.TaskID == taskID {
				statusCh <- m
			}
		}
	}
}

func awaitStatus(statusCh <-chan tasks.TaskStatusChanged, readErrCh <-chan error, want tasks.Status, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-statusCh:
			if ev.Status == want {
				return nil
			}
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return fmt.Errorf("timed out waiting for %s", want)
		}
	}
}

type summary struct {
	count int
	p50   time.Duration
	p95   time.Duration
	max   time.Duration
}

func summarize(samples []time.Duration) summary {
	if len(samples) == 0 {
		return summary{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return summary{
		count: len(sorted),
		p50:   percentile(sorted, 50),
		p95:   percentile(sorted, 95),
		max:   sorted[len(sorted)-1],
	}
}

// percentile expects sorted input and uses nearest rank.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
