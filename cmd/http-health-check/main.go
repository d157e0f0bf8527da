// Command http-health-check is a minimal HTTP probe for container health checks.
//
//	http-health-check http://127.0.0.1:3000/health_check
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
)

type cli struct {
	URL     string        `arg:"" help:"Health check URL." placeholder:"HEALTH_URL"`
	Timeout time.Duration `help:"Request timeout." default:"5s"`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("http-health-check"),
		kong.Description("Exit 0 when URL answers with a 2xx status, 1 otherwise."),
		kong.Exit(exitUsage),
	)
	os.Exit(check(context.Background(), c.URL, c.Timeout, os.Stdout))
}

// exitUsage maps every failed parse to exit status 1.
func exitUsage(code int) {
	if code != 0 {
		code = 1
	}
	os.Exit(code)
}

// check probes url and returns the process exit code.
func check(ctx context.Context, url string, timeout time.Duration, out io.Writer) int {
	_, _ = fmt.Fprintln(out, "Health check ...")

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		_, _ = fmt.Fprintf(out, "ERROR: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		_, _ = fmt.Fprintf(out, "ERROR: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = fmt.Fprintln(out, "Non-success status received.")
		return 1
	}

	_, _ = fmt.Fprintf(out, "STATUS: %s\n", resp.Status)
	return 0
}
