package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tinytelemetry/accesstats/internal/model"
)

// InfluxConfig configures the InfluxDB 1.x HTTP sink.
type InfluxConfig struct {
	Host         string
	Port         int
	SSL          bool
	Username     string
	Password     string
	Database     string
	BatchSize    int
	DropDatabase bool
	Timeout      time.Duration
	Client       *http.Client
	Logger       *slog.Logger
}

// Influx writes points with the InfluxDB 1.x line protocol over HTTP.
type Influx struct {
	cfg     InfluxConfig
	baseURL *url.URL
	client  *http.Client
	logger  *slog.Logger
	closed  bool
}

// NewInflux validates cfg and returns the sink. No request is made until
// Prepare or Send.
func NewInflux(cfg InfluxConfig) (*Influx, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("sink: influx: host is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("sink: influx: database is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 8086
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = model.DefaultInfluxBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	scheme := "http"
	if cfg.SSL {
		scheme = "https"
	}
	return &Influx{
		cfg: cfg,
		baseURL: &url.URL{
			Scheme: scheme,
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		},
		client: client,
		logger: cfg.Logger,
	}, nil
}

func (s *Influx) Name() string { return NameInflux }

// Prepare optionally drops and then creates the target database.
func (s *Influx) Prepare(ctx context.Context) error {
	if s.cfg.DropDatabase {
		s.logger.Warn("sink: influx: dropping database", "database", s.cfg.Database)
		if err := s.query(ctx, fmt.Sprintf("DROP DATABASE %q", s.cfg.Database)); err != nil {
			return err
		}
	}
	return s.query(ctx, fmt.Sprintf("CREATE DATABASE %q", s.cfg.Database))
}

// Send writes points in batches of BatchSize. The first failing batch
// aborts the send.
func (s *Influx) Send(ctx context.Context, points []model.Point) error {
	if s.closed {
		return ErrClosed
	}
	var (
		buf     []byte
		lines   int
		skipped int
		total   int
	)
	for _, p := range points {
		var ok bool
		buf, ok = AppendLine(buf, p)
		if !ok {
			skipped++
			continue
		}
		lines++
		if lines == s.cfg.BatchSize {
			if err := s.write(ctx, buf); err != nil {
				return err
			}
			total += len(buf)
			buf, lines = nil, 0
		}
	}
	if lines > 0 {
		if err := s.write(ctx, buf); err != nil {
			return err
		}
		total += len(buf)
	}
	if skipped > 0 {
		s.logger.Warn("sink: influx: skipped non-finite values", "count", skipped)
	}
	s.logger.Debug("sink: influx: sent",
		"points", len(points)-skipped,
		"bytes", humanize.Bytes(uint64(total)),
	)
	return nil
}

func (s *Influx) Close() error {
	s.closed = true
	s.client.CloseIdleConnections()
	return nil
}

func (s *Influx) query(ctx context.Context, q string) error {
	form := url.Values{"q": {q}}
	u := s.baseURL.JoinPath("query")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewBufferString(form.Encode()))
	if err != nil {
		return fmt.Errorf("sink: influx: query: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req, "query")
}

func (s *Influx) write(ctx context.Context, body []byte) error {
	u := s.baseURL.JoinPath("write")
	u.RawQuery = url.Values{"db": {s.cfg.Database}, "precision": {"s"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: influx: write: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return s.do(req, "write")
}

func (s *Influx) do(req *http.Request, op string) error {
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: influx: %s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sink: influx: %s: status %d: %s", op, resp.StatusCode, bytes.TrimSpace(msg))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
