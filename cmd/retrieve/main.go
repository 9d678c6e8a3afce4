// Command retrieve downloads a stored record's durable URL to DOWNLOAD_DIR.
// When the link has expired it can re-issue it for one credit, or print the
// original page URL for manual resubmission.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"stokbro/internal/app"
	"stokbro/internal/config"
	"stokbro/internal/database"
	"stokbro/internal/metrics"
	"stokbro/internal/models"
	"stokbro/internal/retriever"
)

type options struct {
	recordID string
	userID   string
	reissue  bool
	prefill  bool
}

type recordGetter interface {
	GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error)
}

type fetcher interface {
	Retrieve(ctx context.Context, req retriever.Request, onProgress retriever.ProgressFunc) (*retriever.Result, error)
}

type recoverer interface {
	Reissue(ctx context.Context, s models.Session, id string) (*models.DownloadRecord, error)
	Prefill(ctx context.Context, s models.Session, id string) (string, error)
}

func main() {
	configFile := flag.String("config", "", "Path to config file (overrides CONFIG_FILE env var)")
	var opts options
	flag.StringVar(&opts.recordID, "id", "", "Record id to download")
	flag.StringVar(&opts.userID, "user", "", "User the record belongs to")
	flag.BoolVar(&opts.reissue, "reissue", false, "Re-issue an expired link (costs one credit)")
	flag.BoolVar(&opts.prefill, "prefill", false, "Print the original page URL of an expired link")
	flag.Parse()

	if opts.recordID == "" || opts.userID == "" {
		flag.Usage()
		os.Exit(2)
	}
	if opts.reissue && opts.prefill {
		log.Fatal("-reissue and -prefill are mutually exclusive")
	}

	if _, err := app.LoadEnvFile(*configFile); err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("failed to init logger:", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	a, err := app.Build(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer a.Close()

	saver, err := retriever.NewFileSaver(cfg.DownloadDir)
	if err != nil {
		logger.Fatal("invalid DOWNLOAD_DIR", zap.Error(err))
	}
	r := retriever.New(&http.Client{}, a.DB, saver, logger, m)

	code := run(ctx, opts, a.DB, r, a.Recovery, os.Stdout, os.Stderr)
	if code != 0 {
		a.Close()
		logger.Sync()
		os.Exit(code)
	}
}

func run(ctx context.Context, opts options, records recordGetter, r fetcher, rec recoverer, stdout, stderr io.Writer) int {
	s := models.Session{UserID: opts.userID}

	record, err := records.GetRecord(ctx, opts.recordID)
	if err == nil && record.Owner != s.UserID {
		err = database.ErrNotFound
	}
	if err != nil {
		fmt.Fprintf(stderr, "record %s: %v\n", opts.recordID, err)
		return 1
	}

	progress := newProgressPrinter(stderr)
	res, err := r.Retrieve(ctx, retriever.Request{
		PermanentURL: record.PermanentURL,
		FileName:     record.FileName,
		RecordID:     record.ID,
	}, progress.update)

	if errors.Is(err, retriever.ErrExpiredLink) {
		switch {
		case opts.prefill:
			original, perr := rec.Prefill(ctx, s, record.ID)
			if perr != nil {
				fmt.Fprintf(stderr, "prefill: %v\n", perr)
				return 1
			}
			fmt.Fprintln(stdout, original)
			return 0

		case opts.reissue:
			fmt.Fprintln(stderr, "link expired, re-issuing (1 credit)")
			updated, rerr := rec.Reissue(ctx, s, record.ID)
			if rerr != nil {
				fmt.Fprintf(stderr, "reissue: %v\n", rerr)
				return 1
			}
			// The reissue already counted this access
			res, err = r.Retrieve(ctx, retriever.Request{
				PermanentURL: updated.PermanentURL,
				FileName:     updated.FileName,
			}, progress.update)

		default:
			fmt.Fprintln(stderr, "link expired; rerun with -reissue (1 credit) or -prefill")
			return 3
		}
	}

	if err != nil {
		fmt.Fprintf(stderr, "download failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, res.Path)
	return 0
}

type progressPrinter struct {
	w      io.Writer
	active bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) update(pr retriever.Progress) {
	if pr.Total == 0 {
		// Reset after a failure
		if p.active {
			fmt.Fprintln(p.w)
			p.active = false
		}
		return
	}
	p.active = true
	fmt.Fprintf(p.w, "\r%3d%%  %.2f / %.2f MB", pr.Percent, models.BytesToMB(pr.Loaded), models.BytesToMB(pr.Total))
	if pr.Percent >= 100 {
		fmt.Fprintln(p.w)
		p.active = false
	}
}
