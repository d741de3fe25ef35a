// Command greeter is a demo provider. It serves a Greeter service and
// advertises itself in etcd until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"poolrpc/config"
	"poolrpc/log"
	"poolrpc/middleware"
	"poolrpc/registry"
	"poolrpc/server"
)

var (
	configFile string
	listenAddr string
	advertise  string
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file (defaults apply when empty)")
	flag.StringVar(&listenAddr, "listen", "", "Listen address (overrides Provider.Listen)")
	flag.StringVar(&advertise, "advertise", "", "Routable host:port registered in etcd (overrides Provider.Advertise)")
}

func greeter() *server.Service {
	return server.NewService("Greeter").
		Handle("sayHello", func(ctx context.Context, _ []string, args []any) (any, error) {
			if len(args) != 1 {
				return nil, errors.New("sayHello takes 1 argument")
			}
			return fmt.Sprintf("hello %v", args[0]), nil
		}).
		Handle("time", func(ctx context.Context, _ []string, _ []any) (any, error) {
			return time.Now().Format(time.RFC3339), nil
		})
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			log.WithError(err).Error("load config failed")
			os.Exit(1)
		}
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if listenAddr != "" {
		cfg.Provider.Listen = listenAddr
	}
	if advertise != "" {
		cfg.Provider.Advertise = advertise
	}
	if cfg.Provider.Listen == "" {
		cfg.Provider.Listen = ":9000"
	}
	if cfg.Provider.Advertise == "" {
		_, p, _ := net.SplitHostPort(cfg.Provider.Listen)
		cfg.Provider.Advertise = net.JoinHostPort("127.0.0.1", p)
	}

	host, portStr, err := net.SplitHostPort(cfg.Provider.Advertise)
	if err != nil {
		log.WithError(err).Error("-advertise must be host:port")
		os.Exit(2)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.WithError(err).Error("-advertise port is not a number")
		os.Exit(2)
	}

	reg, err := registry.NewEtcdRegistry(registry.EtcdOptions{
		Endpoints:   cfg.Registry.Endpoints,
		Prefix:      cfg.Registry.Prefix,
		DialTimeout: cfg.Registry.DialTimeout,
	})
	if err != nil {
		log.WithError(err).Error("connect etcd failed")
		os.Exit(1)
	}
	defer reg.Close()

	svr := server.NewServer(server.WithMaxPayload(cfg.MaxPayload))
	svr.Use(middleware.LoggingMiddleware())
	if err := svr.Register("Greeter", greeter()); err != nil {
		log.WithError(err).Error("register failed")
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.Provider.Listen)
	if err != nil {
		log.WithError(err).Error("listen failed")
		os.Exit(1)
	}
	go func() {
		if err := svr.ServeListener(ln); err != nil {
			log.WithError(err).Error("serve failed")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Registry.DialTimeout)
	err = svr.Advertise(ctx, reg, cfg.Group, host, port, cfg.Provider.TTL)
	cancel()
	if err != nil {
		log.WithError(err).Error("advertise failed")
		_ = svr.Shutdown(time.Second)
		os.Exit(1)
	}
	log.WithFields(log.Fields{"listen": cfg.Provider.Listen, "advertise": cfg.Provider.Advertise}).Info("greeter started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := svr.Shutdown(5 * time.Second); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	log.Info("greeter stopped")
}
