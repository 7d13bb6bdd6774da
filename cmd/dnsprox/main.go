package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dnsprox/dnsprox"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	verbosity       string
	configFile      string
	udp             string
	tcp             string
	dtls            string
	coap            string
	dtlsCredentials []string
	upstream        []string
	timeout         float64
	workers         int
	admin           string
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "dnsprox",
		Short: "Datagram-based DNS-over-X proxy",
		Long: `Datagram-based DNS-over-X proxy.

Listens for DNS queries over UDP, TCP, or DTLS and
forwards them to a single upstream resolver using
UDP, TCP, or UDP with fallback to TCP for truncated
responses. Failures to reach the upstream resolver
are answered with SERVFAIL.

Upstream and listeners can be given on the command
line, in a TOML or YAML config file, or both, in
which case the command line takes precedence.
`,
		Example: `  dnsprox -u ::1,5353 -U udp+tcp,9.9.9.9,53
  dnsprox -C config.toml -v debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&opt.verbosity, "verbosity", "v", "", "log level, name or number (default warning)")
	cmd.Flags().StringVarP(&opt.configFile, "config-file", "C", "", "config file, TOML or YAML")
	cmd.Flags().StringVarP(&opt.udp, "udp", "u", "", "start DNS-over-UDP proxy on host[,port]")
	cmd.Flags().StringVarP(&opt.tcp, "tcp", "t", "", "start DNS-over-TCP proxy on host[,port]")
	cmd.Flags().StringVarP(&opt.dtls, "dtls", "d", "", "start DNS-over-DTLS proxy on host[,port]")
	cmd.Flags().StringVarP(&opt.coap, "coap", "c", "", "start DNS-over-CoAP proxy on host[,port]")
	cmd.Flags().StringSliceVar(&opt.dtlsCredentials, "dtls-credentials", nil, "DTLS credentials as client_id,psk")
	cmd.Flags().StringSliceVarP(&opt.upstream, "upstream-dns", "U", nil, "upstream server as host[,port] or {udp,tcp,udp+tcp},host,port")
	cmd.Flags().Float64Var(&opt.timeout, "timeout", 0, "timeout for upstream queries in seconds")
	cmd.Flags().IntVar(&opt.workers, "workers", 0, "maximum number of queries forwarded concurrently, 0 for no limit")
	cmd.Flags().StringVar(&opt.admin, "admin", "", "serve metrics over HTTP on this address")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(opt options) error {
	var cfg config
	if opt.configFile != "" {
		var err error
		cfg, err = loadConfig(opt.configFile)
		if err != nil {
			return errors.Wrapf(err, "failed to load config file '%s'", opt.configFile)
		}
	}
	args, err := argsConfig(opt)
	if err != nil {
		return err
	}
	cfg.merge(args)
	if err := cfg.validate(); err != nil {
		return err
	}

	level, err := parseLevel(cfg.Verbosity)
	if err != nil {
		return err
	}
	dnsprox.Log.SetLevel(level)
	if cfg.Syslog != nil {
		hook, err := dnsprox.NewSyslogHook(dnsprox.SyslogOptions{
			Network: cfg.Syslog.Network,
			Address: cfg.Syslog.Address,
			Tag:     cfg.Syslog.Tag,
			Level:   level,
		})
		if err != nil {
			return errors.Wrap(err, "failed to connect to syslog")
		}
		defer hook.Close()
		dnsprox.Log.AddHook(hook)
	}

	forwarder, err := instantiateForwarder(cfg)
	if err != nil {
		return err
	}

	dopt := dnsprox.DispatcherOptions{
		Timeout: time.Duration(cfg.Timeout * float64(time.Second)),
	}
	if cfg.Workers > 0 {
		dopt.Scheduler = dnsprox.NewWorkerPool(cfg.Workers)
	}
	listeners, err := instantiateListeners(cfg, dopt, forwarder)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			if err := l.Start(); err != nil {
				return errors.Wrapf(err, "listener '%s' failed", l)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		for _, l := range listeners {
			if err := l.Stop(); err != nil {
				dnsprox.Log.WithField("id", l.String()).WithError(err).Warn("failed to stop listener")
			}
		}
		return nil
	})
	return g.Wait()
}

// parseLevel accepts a logrus level name or its number. Empty means warning.
func parseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.WarnLevel, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		if n > uint64(logrus.TraceLevel) {
			return 0, errors.Errorf("invalid log level \"%s\"", s)
		}
		return logrus.Level(n), nil
	}
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return 0, errors.Errorf("invalid log level \"%s\"", s)
	}
	return level, nil
}
