// Package cli is the ctt operator command line. Every command is a thin
// request against the service's HTTP API on the unix socket.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/g960059/cttmux/internal/api"
	"github.com/g960059/cttmux/internal/model"
)

const unixBaseURL = "http://unix"

type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
}

// requestError is a failure reported by (or reaching) the service, as
// opposed to a usage mistake.
type requestError struct {
	err error
}

func (e requestError) Error() string { return e.err.Error() }
func (e requestError) Unwrap() error { return e.err }

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewRunnerWithClient(unixBaseURL, &http.Client{Transport: transport}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
	}
}

// Run executes args and returns the process exit code: 0 on success, 1 when
// the service rejected or failed the request, 2 on usage errors.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.Command()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return 1
	}
	return 2
}

// Command builds the command tree bound to this runner.
func (r *Runner) Command() *cobra.Command {
	var socketPath string
	root := &cobra.Command{
		Use:           "ctt",
		Short:         "Operate the durable terminal service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if cmd.Flags().Changed("socket") && r.baseURL == unixBaseURL {
				*r = *NewRunner(socketPath, r.out, r.errOut)
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "UDS path of cttd")

	root.AddCommand(
		r.listCommand(),
		r.spawnCommand(),
		r.terminalActionCommand("close", "Close a terminal and kill its sessions"),
		r.terminalActionCommand("detach", "Detach a terminal without killing its sessions"),
		r.reattachCommand(),
		r.captureCommand(),
		r.mergeCommand(),
		r.reconcileCommand(),
		r.orphansCommand(),
		r.healthCommand(),
	)
	return root
}

func (r *Runner) listCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List terminals in display order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := r.request(cmd.Context(), http.MethodGet, "/v1/terminals", nil, nil)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeRaw(body)
			}
			var env api.TerminalsEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				return requestError{err}
			}
			r.printTerminals(env.Terminals)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) spawnCommand() *cobra.Command {
	var (
		req     api.SpawnRequest
		noWait  bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Create a new terminal session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(req.Profile) == "" && strings.TrimSpace(req.Command) == "" {
				return errors.New("spawn requires --profile or --command")
			}
			var query url.Values
			if noWait {
				query = url.Values{"wait": {"false"}}
			}
			body, err := r.request(cmd.Context(), http.MethodPost, "/v1/terminals", query, req)
			if err != nil {
				return err
			}
			return r.printTerminalBody(body, jsonOut)
		},
	}
	cmd.Flags().StringVar(&req.Profile, "profile", "", "profile name from the config file")
	cmd.Flags().StringVar(&req.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&req.WorkingDir, "cwd", "", "working directory")
	cmd.Flags().StringVar(&req.Command, "command", "", "command to run")
	cmd.Flags().StringVar(&req.SessionName, "session", "", "explicit session name")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return as soon as the spawn is accepted")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) terminalActionCommand(action, short string) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   action + " <terminal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := r.request(cmd.Context(), http.MethodPost, terminalPath(args[0], action), nil, nil)
			if err != nil {
				return err
			}
			if action == "close" {
				if jsonOut {
					return r.writeRaw(body)
				}
				_, _ = fmt.Fprintf(r.out, "closed %s\n", args[0])
				return nil
			}
			return r.printTerminalBody(body, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) reattachCommand() *cobra.Command {
	var (
		agentID string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "reattach <terminal-id>",
		Short: "Rebind a detached terminal (a pane reattaches its whole split)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := r.request(cmd.Context(), http.MethodPost, terminalPath(args[0], "reattach"), nil, api.ReattachRequest{AgentID: agentID})
			if err != nil {
				return err
			}
			return r.printTerminalBody(body, jsonOut)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent id to bind")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) captureCommand() *cobra.Command {
	var (
		lines   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "capture <terminal-id>",
		Short: "Print the visible contents of a terminal's pane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lines < 0 {
				return fmt.Errorf("--lines must be non-negative")
			}
			var query url.Values
			if lines > 0 {
				query = url.Values{"lines": []string{strconv.Itoa(lines)}}
			}
			body, err := r.request(cmd.Context(), http.MethodGet, terminalPath(args[0], "capture"), query, nil)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeRaw(body)
			}
			var resp api.CaptureResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decode capture: %w", err)
			}
			_, _ = io.WriteString(r.out, resp.Content)
			if resp.Content != "" && !strings.HasSuffix(resp.Content, "\n") {
				_, _ = io.WriteString(r.out, "\n")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 0, "also include this many lines of scrollback")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) mergeCommand() *cobra.Command {
	var (
		edge    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "merge <source-id> <target-id>",
		Short: "Drop a terminal onto another to form or extend a split",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := model.Edge(strings.ToLower(strings.TrimSpace(edge)))
			if !e.Valid() {
				return fmt.Errorf("invalid edge %q", edge)
			}
			req := api.MergeRequest{SourceID: args[0], TargetID: args[1], Edge: e}
			body, err := r.request(cmd.Context(), http.MethodPost, "/v1/merge", nil, req)
			if err != nil {
				return err
			}
			return r.printTerminalBody(body, jsonOut)
		},
	}
	cmd.Flags().StringVar(&edge, "edge", string(model.EdgeRight), "left, right, top, bottom or center")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) reconcileCommand() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if trigger != "poll" && trigger != "connect" {
				return fmt.Errorf("invalid trigger %q", trigger)
			}
			body, err := r.request(cmd.Context(), http.MethodPost, "/v1/reconcile", nil, api.ReconcileRequest{Trigger: trigger})
			if err != nil {
				return err
			}
			return r.writeRaw(body)
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "poll", "poll or connect")
	return cmd
}

func (r *Runner) orphansCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Inspect and clean up unregistered sessions in the namespace",
	}
	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List orphan sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := r.request(cmd.Context(), http.MethodGet, "/v1/orphans", nil, nil)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeRaw(body)
			}
			var env api.OrphansEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				return requestError{err}
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SESSION\tCREATED\tWINDOWS\tATTACHED")
			for _, o := range env.Orphans {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", o.SessionName, o.CreatedAt.Format("2006-01-02 15:04"), o.Windows, o.Attached)
			}
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.AddCommand(list, r.bulkCommand("kill", "Kill orphan sessions"), r.bulkCommand("reattach", "Adopt orphan sessions as terminals"))
	return cmd
}

func (r *Runner) bulkCommand(op, short string) *cobra.Command {
	var (
		all     bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   op + " [session-name...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if all {
				if len(args) > 0 {
					return errors.New("--all takes no session names")
				}
				orphans, err := r.listOrphanNames(cmd.Context())
				if err != nil {
					return err
				}
				if len(orphans) == 0 {
					_, _ = fmt.Fprintln(r.out, "no orphan sessions")
					return nil
				}
				names = orphans
			}
			if len(names) == 0 {
				return fmt.Errorf("orphans %s requires session names or --all", op)
			}
			body, err := r.request(cmd.Context(), http.MethodPost, "/v1/orphans/"+op, nil, api.BulkRequest{SessionNames: names})
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeRaw(body)
			}
			var resp api.BulkResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return requestError{err}
			}
			for _, res := range resp.Results {
				if res.OK {
					_, _ = fmt.Fprintf(r.out, "ok\t%s\t%s\n", res.SessionName, res.TerminalID)
					continue
				}
				_, _ = fmt.Fprintf(r.out, "failed\t%s\t%s: %s\n", res.SessionName, res.Code, res.Error)
			}
			if resp.Code != "" {
				return requestError{fmt.Errorf("%s: some sessions failed", resp.Code)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "apply to every current orphan")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) listOrphanNames(ctx context.Context) ([]string, error) {
	body, err := r.request(ctx, http.MethodGet, "/v1/orphans", nil, nil)
	if err != nil {
		return nil, err
	}
	var env api.OrphansEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, requestError{err}
	}
	names := make([]string, 0, len(env.Orphans))
	for _, o := range env.Orphans {
		names = append(names, o.SessionName)
	}
	return names, nil
}

func (r *Runner) healthCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show service and multiplexer host health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := r.request(cmd.Context(), http.MethodGet, "/v1/health", nil, nil)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeRaw(body)
			}
			var h api.HealthResponse
			if err := json.Unmarshal(body, &h); err != nil {
				return requestError{err}
			}
			_, _ = fmt.Fprintf(r.out, "status=%s host=%s terminals=%d pending=%d bindings=%d clients=%d\n",
				h.Status, h.Host, h.Terminals, h.Pending, h.Bindings, h.Clients)
			if h.LastError != "" {
				_, _ = fmt.Fprintf(r.out, "last_error=%s\n", h.LastError)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func terminalPath(id, action string) string {
	return "/v1/terminals/" + url.PathEscape(strings.TrimSpace(id)) + "/" + action
}

func (r *Runner) printTerminals(terminals []model.TerminalView) {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSESSION\tNAME")
	for _, t := range terminals {
		id := t.ID
		if t.PaneOf != "" {
			id = "  " + id
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, t.Kind, t.Status, t.SessionName, t.DisplayName)
	}
	_ = tw.Flush()
}

func (r *Runner) printTerminalBody(body []byte, jsonOut bool) error {
	if jsonOut {
		return r.writeRaw(body)
	}
	var env api.TerminalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return requestError{err}
	}
	r.printTerminals([]model.TerminalView{env.Terminal})
	return nil
}

func (r *Runner) writeRaw(body []byte) error {
	_, _ = r.out.Write(bytes.TrimRight(body, "\n"))
	_, _ = fmt.Fprintln(r.out)
	return nil
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, requestError{err}
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, requestError{err}
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, requestError{fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)}
		}
		return nil, requestError{fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))}
	}
	return payload, nil
}
