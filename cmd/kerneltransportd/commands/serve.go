package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/kerneltransport/internal/config"
	"github.com/marmos91/kerneltransport/internal/logger"
	"github.com/marmos91/kerneltransport/internal/metrics"
	"github.com/marmos91/kerneltransport/pkg/buffer"
	"github.com/marmos91/kerneltransport/pkg/dispatcher"
	"github.com/marmos91/kerneltransport/pkg/locator"
	"github.com/marmos91/kerneltransport/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	listenFlag string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TCP RPC transport as an echo server",
	Long: `serve starts a listening kerneltransport server and answers every
request with its own payload, so the framing and correlation layers can
be exercised end to end with nothing more than a TCP client.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "override listen host:port (e.g. 127.0.0.1:9000)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	host, port := cfg.Listen.Host, cfg.Listen.Port
	if listenFlag != "" {
		h, p, err := net.SplitHostPort(listenFlag)
		if err != nil {
			return fmt.Errorf("--listen: %w", err)
		}
		host = h
		var pn int
		if _, err := fmt.Sscanf(p, "%d", &pn); err != nil {
			return fmt.Errorf("--listen: invalid port %q", p)
		}
		port = uint16(pn)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	var m *metrics.Transport
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		m = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logger.KeyReason, err)
			}
		}()
	}

	disp, err := dispatcher.New()
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	defer disp.Close()

	reg2 := transport.NewRegistry(disp, m)
	t, loc, err := reg2.Open(fmt.Sprintf("tcp:host=%s,port=%d", host, port))
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	if err := t.Listen(loc); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("server listening", logger.KeyLocator, t.GetServiceLocator())

	go runEchoLoop(ctx, t)

	runErr := t.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := t.Close(); err != nil {
		logger.Warn("transport close error", logger.KeyReason, err)
	}

	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

// runEchoLoop is the upper-layer application this daemon exists to
// exercise: it uses every request's bytes as the reply payload and sends
// it back, polling ServerRecv since the transport core never blocks.
func runEchoLoop(ctx context.Context, t transport.Transport) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			rpc, ok := t.ServerRecv()
			if !ok {
				break
			}
			rpc.ReplyPayload = buffer.NewFromBytes(rpc.RequestPayload.Bytes())
			rpc.SendReply()
		}
	}
}
