// Package ftppoll pulls descriptor files from the FTP drop directory the
// on-site agents upload to.
package ftppoll

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jlaffaye/ftp"

	"github.com/fiscalops/fleetwatch/internal/ingest"
	"github.com/fiscalops/fleetwatch/internal/repositories/fntask"
	"github.com/fiscalops/fleetwatch/pkg/metrics"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

const dialTimeout = 30 * time.Second

type Config struct {
	Host string
	User string
	Pass string
	// RecordDelay is the pause between descriptor files
	RecordDelay time.Duration
}

// Poller downloads every *.json descriptor from the drop on each run and
// feeds it through the pipeline. A fresh connection per run keeps half-dead
// control channels from wedging the loop.
type Poller struct {
	cfg      Config
	pipeline *ingest.Pipeline
	fntasks  *fntask.Repository
	logger   ectologger.Logger
}

func NewPoller(cfg Config, pipeline *ingest.Pipeline, fntasks *fntask.Repository, logger ectologger.Logger) *Poller {
	return &Poller{cfg: cfg, pipeline: pipeline, fntasks: fntasks, logger: logger}
}

func (p *Poller) connect(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(p.cfg.Host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(dialTimeout))
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s failed: %w", p.cfg.Host, err)
	}
	if err := conn.Login(p.cfg.User, p.cfg.Pass); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp login failed: %w", err)
	}
	return conn, nil
}

// Name implements the scheduler job interface.
func (p *Poller) Name() string { return "ftp-ingest" }

// Run executes one polling cycle and purges stale replacement flags after.
func (p *Poller) Run(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "FTPPoller.Run")
	defer span.End()

	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	names, err := conn.NameList("")
	if err != nil {
		return fmt.Errorf("ftp listing failed: %w", err)
	}

	processed := 0
	for _, name := range names {
		if !strings.HasSuffix(strings.ToLower(name), ".json") {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.ingestFile(ctx, conn, name); err != nil {
			p.logger.WithContext(ctx).WithError(err).Warnf("skipping descriptor file %s", name)
			metrics.FTPFilesProcessed.WithLabelValues("error").Inc()
			continue
		}
		metrics.FTPFilesProcessed.WithLabelValues("ok").Inc()
		processed++

		if p.cfg.RecordDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.RecordDelay):
			}
		}
	}

	p.logger.WithContext(ctx).Infof("ftp cycle processed %d descriptor files", processed)

	if _, err := p.fntasks.PurgeStale(ctx); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("post-cycle flag purge failed")
	}

	return nil
}

func (p *Poller) ingestFile(ctx context.Context, conn *ftp.ServerConn, name string) error {
	response, err := conn.Retr(name)
	if err != nil {
		return fmt.Errorf("ftp retrieve %s failed: %w", name, err)
	}

	raw, err := io.ReadAll(response)
	closeErr := response.Close()
	if err != nil {
		return fmt.Errorf("ftp read %s failed: %w", name, err)
	}
	if closeErr != nil {
		return fmt.Errorf("ftp close %s failed: %w", name, closeErr)
	}

	return p.pipeline.Ingest(ctx, name, raw)
}

// DeleteFile removes a device's descriptor from the drop so the next cycle
// does not resurrect an administratively deleted device.
func (p *Poller) DeleteFile(ctx context.Context, serial string) error {
	ctx, span := tracing.StartSpan(ctx, "FTPPoller.DeleteFile")
	defer span.End()

	conn, err := p.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	name := serial + ".json"
	if err := conn.Delete(name); err != nil {
		// Descriptors for push-only devices never existed on the drop.
		p.logger.WithContext(ctx).WithError(err).Warnf("could not delete %s from ftp drop", name)
		return nil
	}

	p.logger.WithContext(ctx).Infof("deleted %s from ftp drop", name)
	return nil
}
