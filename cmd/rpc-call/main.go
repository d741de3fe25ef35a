// Command rpc-call invokes one method on a service found through etcd and
// prints the result as JSON.
//
//	rpc-call -config client.yaml -service Greeter -method sayHello -types string -args '["world"]'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"poolrpc/client"
	"poolrpc/config"
	"poolrpc/log"
)

var (
	configFile  string
	service     string
	method      string
	argTypes    string
	argsJSON    string
	timeout     time.Duration
	metricsAddr string
	repeat      int
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file (defaults apply when empty)")
	flag.StringVar(&service, "service", "", "Service name")
	flag.StringVar(&method, "method", "", "Method name")
	flag.StringVar(&argTypes, "types", "", "Comma-separated argument type descriptors")
	flag.StringVar(&argsJSON, "args", "[]", "Arguments as a JSON array")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "Deadline for each call")
	flag.StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address while running")
	flag.IntVar(&repeat, "repeat", 1, "Number of times to invoke")
}

func main() {
	flag.Parse()
	if service == "" || method == "" {
		flag.Usage()
		os.Exit(2)
	}

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

	var args []any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		log.WithError(err).Error("-args must be a JSON array")
		os.Exit(2)
	}
	var types []string
	if argTypes != "" {
		types = strings.Split(argTypes, ",")
	}

	metrics := client.NewMetrics()
	c, err := client.Dial(cfg, client.WithMetrics(metrics))
	if err != nil {
		log.WithError(err).Error("dial failed")
		os.Exit(1)
	}
	defer c.Close()

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics)
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	code := 0
	for i := 0; i < repeat; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		result, err := c.Invoke(ctx, service, method, types, args)
		cancel()
		if err != nil {
			log.WithError(err).WithField("kind", client.KindOf(err)).Error("invoke failed")
			code = 1
			continue
		}
		out, err := json.Marshal(result)
		if err != nil {
			log.WithError(err).Error("result is not JSON encodable")
			code = 1
			continue
		}
		fmt.Println(string(out))
	}

	if code != 0 {
		c.Close()
		os.Exit(code)
	}
}
