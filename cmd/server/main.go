package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"

	"respkv/internal/config"
	"respkv/internal/handler"
	"respkv/internal/logger"
	"respkv/internal/node"
	"respkv/internal/server"
	"respkv/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	log := logger.New(cfg.Role(), cfg.Port)
	store := storage.NewStore(clock.New())

	var state *node.State
	if cfg.ReplicaOf != nil {
		state = node.NewReplica(cfg.Port, cfg.ReplicaOf.Host, cfg.ReplicaOf.Port)
	} else {
		state = node.NewMaster(cfg.Port)
	}

	h := handler.New(store, state, log)
	srv := server.New(cfg, store, state, h, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Infof("shutting down")
		cancel()
		srv.Shutdown()
	}()

	if err := srv.Listen(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if err := srv.Serve(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
