// Command batch submits a list of URLs, waits for every task to finish, and
// prints the tasks and the final queue snapshot as JSON.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"taskcache/internal/cache"
	"taskcache/internal/config"
	"taskcache/internal/logging"
	"taskcache/internal/models"
	"taskcache/internal/queue"
	"taskcache/internal/store"
	"taskcache/internal/worker"
)

type options struct {
	file           string
	output         string
	kind           string
	width          int
	grayscale      bool
	includeResults bool
}

type report struct {
	Tasks    []models.Task          `json:"tasks"`
	Rejected []rejection            `json:"rejected,omitempty"`
	Snapshot models.MetricsSnapshot `json:"snapshot"`
}

type rejection struct {
	Input string `json:"input"`
	Error string `json:"error"`
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("batch", pflag.ContinueOnError)
	fs.StringVarP(&opts.file, "file", "f", "", "read URLs from this file, one per line ('-' for stdin)")
	fs.StringVarP(&opts.output, "output", "o", "", "write the JSON report here instead of stdout")
	fs.StringVar(&opts.kind, "kind", string(worker.KindFetch), "task kind: fetch or thumbnail")
	fs.IntVar(&opts.width, "width", 0, "thumbnail width in pixels (defaults to TASKCACHE_THUMBNAIL_WIDTH)")
	fs.BoolVar(&opts.grayscale, "grayscale", false, "convert thumbnails to grayscale")
	fs.BoolVar(&opts.includeResults, "include-results", false, "keep result bytes in the report")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel)

	failed, err := run(cfg, opts, fs.Args(), logger)
	if err != nil {
		logger.Error("batch failed", "error", err)
		os.Exit(1)
	}
	if failed {
		os.Exit(1)
	}
}

func run(cfg config.Config, opts options, args []string, logger *slog.Logger) (bool, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	urls, err := collectURLs(opts.file, args)
	if err != nil {
		return false, err
	}
	if len(urls) == 0 {
		return false, errors.New("no urls given")
	}

	backend, err := cache.NewBackend(ctx, cfg)
	if err != nil {
		return false, err
	}
	rc := cache.New(backend, logger)
	defer func() {
		if err := rc.Close(); err != nil {
			logger.Warn("close cache backend", "error", err)
		}
	}()

	qopts := queue.OptionsFromConfig(cfg)
	// Every task must still be readable when the report is written.
	qopts.HistoryLimit = 0
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return false, err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx, logger); err != nil {
			return false, err
		}
		qopts.Recorder = st
	}

	q, err := queue.New(qopts, rc, logger)
	if err != nil {
		return false, err
	}

	runCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		_ = q.Run(runCtx)
	}()

	builder := worker.NewBuilder(cfg)
	var ids []string
	var rejected []rejection
	for _, raw := range urls {
		key, work, err := builder.Build(worker.Request{
			Kind:      worker.Kind(opts.kind),
			URL:       raw,
			Width:     opts.width,
			Grayscale: opts.grayscale,
		})
		if err == nil {
			var task models.Task
			task, err = q.Submit(ctx, key, work)
			if err == nil {
				ids = append(ids, task.ID)
				continue
			}
		}
		rejected = append(rejected, rejection{Input: raw, Error: err.Error()})
	}
	q.Close()

	drainErr := q.Drain(ctx)
	stopWorkers()
	<-workersDone
	if drainErr != nil {
		logger.Warn("interrupted before all tasks finished", "error", drainErr)
	}

	rep := report{Rejected: rejected}
	failed := len(rejected) > 0
	for _, id := range ids {
		task, err := q.Get(id)
		if err != nil {
			continue
		}
		if task.State != models.StateCompleted {
			failed = true
		}
		if !opts.includeResults {
			task.Result = nil
		}
		rep.Tasks = append(rep.Tasks, task)
	}
	rep.Snapshot = q.Snapshot()

	if err := writeReport(opts.output, rep); err != nil {
		return failed, err
	}
	return failed, drainErr
}

func collectURLs(file string, args []string) ([]string, error) {
	urls := append([]string(nil), args...)
	if file == "" {
		return urls, nil
	}

	var r io.Reader
	if file == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}

func writeReport(path string, rep report) error {
	w := io.Writer(os.Stdout)
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
