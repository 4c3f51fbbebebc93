package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orbit-rpc/channel"
	"orbit-rpc/host"
	"orbit-rpc/metrics"
	"orbit-rpc/server"
	"orbit-rpc/store"
	"orbit-rpc/telemetry"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "orbitd",
		Short:         "manual smoke-test harness for the orbit-rpc server and channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newCallCmd())
	return root
}

// newLogger builds the process-wide zap.Logger, tagging every entry with a
// fresh instance ID so log lines from multiple orbitd processes sharing a
// terminal or log aggregator can be told apart.
func newLogger() (*zap.Logger, error) {
	base, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return base.With(zap.String("instance", uuid.NewString())), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	var (
		etcdEndpoints string
		address       string
		discoveryPath string
		leaseTTL      int64
		loadInterval  time.Duration
		traceEnable   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "register a server under a discovery path and accept RPCs",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			metrics.Register()

			shutdown, err := telemetry.Setup(traceEnable)
			if err != nil {
				return fmt.Errorf("telemetry setup: %w", err)
			}
			defer shutdown(context.Background())

			addr, port, err := splitHostPort(address)
			if err != nil {
				return err
			}

			st, err := store.NewEtcdStore(strings.Split(etcdEndpoints, ","),
				store.WithLeaseTTL(leaseTTL), store.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("connect to coordination store: %w", err)
			}

			identity := host.Host{Version: host.Version, Address: addr, Port: port}
			opts := []server.Option{server.WithLogger(logger)}
			if loadInterval > 0 {
				opts = append(opts, server.WithLoadUpdateInterval(loadInterval))
			}
			svr := server.New(identity, discoveryPath, st, opts...)

			ctx, cancel := signalContext()
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- svr.Start(ctx, "tcp", address) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("orbitd: shutting down")
			if err := svr.Shutdown(5 * time.Second); err != nil {
				logger.Warn("orbitd: shutdown reported errors", zap.Error(err))
			}
			return st.Close()
		},
	}
	cmd.Flags().StringVar(&etcdEndpoints, "etcd", "127.0.0.1:2379", "comma-separated etcd endpoints")
	cmd.Flags().StringVar(&address, "addr", "127.0.0.1:9001", "address to advertise and listen on (host:port)")
	cmd.Flags().StringVar(&discoveryPath, "discovery-path", "/orbit-rpc/arith", "discovery path this server registers under")
	cmd.Flags().Int64Var(&leaseTTL, "lease-ttl", 5, "etcd lease TTL in seconds for the ephemeral registration node")
	cmd.Flags().DurationVar(&loadInterval, "load-interval", 0, "debounce window for load publishing (0 uses the package default)")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing")
	return cmd
}

func newCallCmd() *cobra.Command {
	var (
		etcdEndpoints string
		discoveryPath string
		method        string
		argA, argB    int
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "issue one RPC against a registered server, picked by load",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			metrics.Register()

			st, err := store.NewEtcdStore(strings.Split(etcdEndpoints, ","), store.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("connect to coordination store: %w", err)
			}
			defer st.Close()

			ch, err := channel.Of(discoveryPath, st, channel.WithLogger(logger))
			if err != nil {
				return err
			}
			defer ch.Shutdown()

			// The mirror populates asynchronously; give it one tick to observe
			// the initial child set before the first pick.
			time.Sleep(200 * time.Millisecond)

			type callArgs struct{ A, B int }
			type callReply struct{ Result int }
			var reply callReply
			if err := ch.Call(method, callArgs{A: argA, B: argB}, &reply); err != nil {
				return err
			}
			fmt.Println(reply.Result)
			return nil
		},
	}
	cmd.Flags().StringVar(&etcdEndpoints, "etcd", "127.0.0.1:2379", "comma-separated etcd endpoints")
	cmd.Flags().StringVar(&discoveryPath, "discovery-path", "/orbit-rpc/arith", "discovery path to pick a server from")
	cmd.Flags().StringVar(&method, "method", "Arith.Add", "\"Service.Method\" to invoke")
	cmd.Flags().IntVar(&argA, "a", 0, "first integer argument")
	cmd.Flags().IntVar(&argB, "b", 0, "second integer argument")
	return cmd
}

func splitHostPort(addr string) (string, uint16, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("orbitd: invalid address %q, expected host:port", addr)
	}
	port, err := strconv.ParseUint(addr[idx+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("orbitd: invalid port in %q: %w", addr, err)
	}
	return addr[:idx], uint16(port), nil
}
