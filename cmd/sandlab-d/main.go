package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veriwork/sandlab/pkg/api"
	"github.com/veriwork/sandlab/pkg/fuzz"
	"github.com/veriwork/sandlab/pkg/replay"
	"github.com/veriwork/sandlab/pkg/runner"
	"github.com/veriwork/sandlab/pkg/store"
	redislease "github.com/veriwork/sandlab/pkg/store/redis"
)

func main() {
	fmt.Println(`{"level":"info","msg":"system_started","component":"sandlab-d"}`)

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Printf(`{"level":"fatal","msg":"invalid_config","error":"%v"}`+"\n", err)
		os.Exit(1)
	}

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		fmt.Printf(`{"level":"fatal","msg":"failed_to_init_store","error":"%v"}`+"\n", err)
		os.Exit(1)
	}
	fmt.Printf(`{"level":"info","msg":"store_initialized","path":"%s"}`+"\n", cfg.DBPath)

	// Partition leases live in Redis when configured, so multiple
	// daemons can share sandbox partitions. Standalone mode uses the
	// SQLite lease table.
	var leases store.LeaseStore = st
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Printf(`{"level":"fatal","msg":"invalid_redis_url","error":"%v"}`+"\n", err)
			os.Exit(1)
		}
		leases = redislease.NewLeaseStore(goredis.NewClient(opts))
		fmt.Println(`{"level":"info","msg":"lease_store_ready","backend":"redis"}`)
	}

	run := runner.New(st, nil)
	fz := fuzz.New(run, st)
	rp := replay.New(run, st)

	server := api.NewServer(st, run, fz, rp, leases, cfg.Tokens, cfg.Addr)
	server.SetLeaseTTL(cfg.LeaseTTL)
	if cfg.TLSCertFile != "" {
		server.SetTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}

	go func() {
		if err := server.Start(); err != nil {
			fmt.Printf(`{"level":"fatal","msg":"server_failed","error":"%v"}`+"\n", err)
			os.Exit(1)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigs
	fmt.Printf(`{"level":"info","msg":"shutdown_initiated","signal":"%s"}`+"\n", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_stop_server","error":"%v"}`+"\n", err)
	}

	if err := st.Close(); err != nil {
		fmt.Printf(`{"level":"error","msg":"failed_to_close_store","error":"%v"}`+"\n", err)
	} else {
		fmt.Println(`{"level":"info","msg":"store_closed"}`)
	}

	fmt.Println(`{"level":"info","msg":"shutdown_complete"}`)
}
