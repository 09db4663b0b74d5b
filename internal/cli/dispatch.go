package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"portal-bridge/internal/dispatch"
	"portal-bridge/internal/logging"
	"portal-bridge/internal/response"
	"portal-bridge/internal/utils"
)

type dispatchOptions struct {
	method  string
	headers []string
	data    string
	token   string
	verbose bool
	asJSON  bool
}

func newDispatchCmd(root *rootOptions) *cobra.Command {
	opts := &dispatchOptions{}

	cmd := &cobra.Command{
		Use:   "dispatch <path-or-url>",
		Short: "Send one request through the strategy fallback chain",
		Long: `Send one request through the configured strategies and report which
one answered. A relative path is resolved against backend.base_url.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger(opts.verbose)
			cfg, err := root.load(logger)
			if err != nil {
				return err
			}

			c, err := buildCore(cfg, logger, nil)
			if err != nil {
				return err
			}

			req, err := opts.request(cfg.Backend.BaseURL, args[0])
			if err != nil {
				return err
			}
			return runDispatch(cmd.Context(), cmd.OutOrStdout(), c.dispatcher, req, opts.asJSON, logger)
		},
	}

	cmd.Flags().StringVarP(&opts.method, "method", "X", "", "HTTP method (default GET, or POST with --data)")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, "Request header 'Name: value' (repeatable)")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "Request body; @file reads it from a file")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token for authenticated calls")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log every attempt")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the outcome as JSON")
	return cmd
}

// cliLogger logs to stderr so command output stays clean.
func cliLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(logging.NewHandler(os.Stderr, level))
}

func (o *dispatchOptions) request(baseURL, target string) (*dispatch.LogicalRequest, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(target, "/")
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if o.token != "" {
		header.Set("Authorization", "Bearer "+o.token)
	}

	var body []byte
	if o.data != "" {
		if path, ok := strings.CutPrefix(o.data, "@"); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read body file: %w", err)
			}
			body = data
		} else {
			body = []byte(o.data)
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	}

	method := strings.ToUpper(o.method)
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}

	return &dispatch.LogicalRequest{Method: method, TargetURL: target, Header: header, Body: body}, nil
}

type dispatchReport struct {
	Strategy   string              `json:"strategy,omitempty"`
	StatusCode int                 `json:"status_code,omitempty"`
	ElapsedMS  int64               `json:"elapsed_ms"`
	Truncated  bool                `json:"truncated,omitempty"`
	Attempts   dispatch.AttemptLog `json:"attempts"`
	Error      string              `json:"error,omitempty"`
	Body       json.RawMessage     `json:"body,omitempty"`
	Text       string              `json:"text,omitempty"`
}

func runDispatch(ctx context.Context, out io.Writer, d *dispatch.Dispatcher, req *dispatch.LogicalRequest, asJSON bool, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	resp, err := d.Dispatch(ctx, req)
	elapsed := time.Since(start)

	report := dispatchReport{ElapsedMS: elapsed.Milliseconds()}
	var body []byte
	if err != nil {
		npe, ok := dispatch.IsNoPath(err)
		if !ok {
			return err
		}
		report.Attempts = npe.Attempts
		report.Error = npe.Error()
	} else {
		body, err = response.NewProcessor(logger).Decode(ctx, resp.Header, resp.Body, resp.Strategy)
		if err != nil {
			return err
		}
		report.Strategy = resp.Strategy
		report.StatusCode = resp.StatusCode
		report.Truncated = resp.Truncated
		report.Attempts = resp.Attempts
		if json.Valid(body) {
			report.Body = body
		} else {
			report.Text = string(body)
		}
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, req, report, body, elapsed)
	}

	if report.Error != "" {
		return errors.New("no connection path reached the backend")
	}
	return nil
}

func printReport(out io.Writer, req *dispatch.LogicalRequest, r dispatchReport, body []byte, elapsed time.Duration) {
	for _, a := range r.Attempts {
		fmt.Fprintf(out, "❌ %-12s %-13s %s\n", a.Strategy, a.Kind, utils.FormatResponseTime(a.Elapsed))
	}
	if r.Error != "" {
		fmt.Fprintf(out, "\n%s\n", r.Error)
		return
	}

	fmt.Fprintf(out, "✅ %-12s %d in %s\n", r.Strategy, r.StatusCode, utils.FormatResponseTime(elapsed))
	fmt.Fprintf(out, "%s %s, %s body", req.Method, req.TargetURL, utils.FormatBytes(int64(len(body))))
	if r.Truncated {
		fmt.Fprint(out, " (truncated)")
	}
	fmt.Fprintln(out)
	if len(body) > 0 {
		fmt.Fprintf(out, "\n%s\n", body)
	}
}
