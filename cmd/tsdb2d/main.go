// Command tsdb2d runs the default HTTP/2 server: it wires the scheduler,
// the I/O reactor, and the standard handlers, then serves until the
// listener fails.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tsdb2/platform-sub002/health"
	"github.com/tsdb2/platform-sub002/http2"
	"github.com/tsdb2/platform-sub002/reactor"
	"github.com/tsdb2/platform-sub002/scheduler"
)

func main() {
	app := &cli.App{
		Name:  `tsdb2d`,
		Usage: `TSDB2 platform server`,
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  `num_io_workers`,
				Value: 10,
				Usage: `Number of I/O worker threads.`,
			},
			&cli.UintFlag{
				Name:  `num_background_workers`,
				Value: 10,
				Usage: `Number of worker threads in the default scheduler.`,
			},
			&cli.DurationFlag{
				Name:  `http2_io_timeout`,
				Value: http2.DefaultIOTimeout,
				Usage: `Timeout for HTTP/2 I/O operations. The timeout is reset every time some data is transferred.`,
			},
			&cli.DurationFlag{
				Name:  `ssl_handshake_timeout`,
				Value: reactor.DefaultHandshakeTimeout,
				Usage: `Timeout for SSL handshakes.`,
			},
			&cli.StringFlag{
				Name:  `local_address`,
				Usage: `The local network address this server will bind to.`,
			},
			&cli.UintFlag{
				Name:  `port`,
				Value: 443,
				Usage: `The local TCP/IP port this server will listen on.`,
			},
			&cli.BoolFlag{
				Name:  `use_ssl`,
				Value: true,
				Usage: `Whether to use SSL. If enabled, the server reads the certificate path from SSL_CERTIFICATE_PATH, the private key path from SSL_PRIVATE_KEY_PATH, and a passphrase from SSL_PASSPHRASE.`,
			},
			&cli.BoolFlag{
				Name:  `tcp_keep_alive`,
				Value: true,
				Usage: `Use TCP keep-alives.`,
			},
			&cli.DurationFlag{
				Name:  `tcp_keep_alive_idle`,
				Usage: `TCP keep-alive idle time.`,
			},
			&cli.DurationFlag{
				Name:  `tcp_keep_alive_interval`,
				Usage: `TCP keep-alive interval.`,
			},
			&cli.IntFlag{
				Name:  `tcp_keep_alive_count`,
				Usage: `Max. TCP keep-alive count.`,
			},
			&cli.StringFlag{
				Name:  `log_level`,
				Value: `info`,
				Usage: `Minimum log level (trace, debug, info, notice, warning, err).`,
			},
			&cli.StringFlag{
				Name:  `log_file`,
				Usage: `Write logs to this file (with rotation) instead of stderr.`,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := newLogger(c.String(`log_level`), c.String(`log_file`))

	sched := scheduler.New(scheduler.Options{
		Workers:  uint16(c.Uint(`num_background_workers`)),
		StartNow: true,
		Logger:   logger,
	})
	reactor.Configure(reactor.Options{
		IOWorkers:           uint16(c.Uint(`num_io_workers`)),
		Scheduler:           sched,
		SSLHandshakeTimeout: c.Duration(`ssl_handshake_timeout`),
		Logger:              logger,
	})

	options := http2.ServerOptions{
		Address:       c.String(`local_address`),
		Port:          uint16(c.Uint(`port`)),
		UseSSL:        c.Bool(`use_ssl`),
		SocketOptions: socketOptions(c),
		IOTimeout:     c.Duration(`http2_io_timeout`),
		Logger:        logger,
	}
	if options.UseSSL {
		config, err := reactor.TLSConfigFromEnv()
		if err != nil {
			return err
		}
		config.NextProtos = []string{`h2`}
		options.TLSConfig = config
	}

	handlers := http2.HandlerSet{}
	if err := health.Register(handlers, logger); err != nil {
		return err
	}

	server, err := http2.NewServer(reactor.Get(), options, handlers)
	if err != nil {
		return err
	}
	address, port := server.LocalBinding()
	logger.Info().Str(`address`, address).Uint64(`port`, uint64(port)).Log(`listening`)
	return server.WaitForTermination()
}

func socketOptions(c *cli.Context) reactor.SocketOptions {
	options := reactor.SocketOptions{KeepAlive: c.Bool(`tcp_keep_alive`)}
	if options.KeepAlive {
		if idle := c.Duration(`tcp_keep_alive_idle`); idle > 0 {
			options.KeepAliveParams.Idle = idle
		}
		if interval := c.Duration(`tcp_keep_alive_interval`); interval > 0 {
			options.KeepAliveParams.Interval = interval
		}
		if count := c.Int(`tcp_keep_alive_count`); count > 0 {
			options.KeepAliveParams.Count = count
		}
	}
	return options
}

func newLogger(level, file string) *logiface.Logger[logiface.Event] {
	var writer io.Writer = os.Stderr
	if file != `` {
		writer = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    512, // megabytes
			MaxBackups: 4,
		}
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(writer)),
		stumpy.L.WithLevel(parseLevel(level)),
	).Logger()
}

func parseLevel(level string) logiface.Level {
	switch level {
	case `trace`:
		return logiface.LevelTrace
	case `debug`:
		return logiface.LevelDebug
	case `notice`:
		return logiface.LevelNotice
	case `warning`:
		return logiface.LevelWarning
	case `err`, `error`:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
