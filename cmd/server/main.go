// Command server is the launch surface for the chat core: it parses
// the documented flags, wires a Server, and runs it until a shutdown
// signal arrives. Chat semantics live entirely in internal/server and
// below; this file is intentionally thin.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"chatcore/internal/config"
	"chatcore/internal/server"
)

func main() {
	log := logrus.New()

	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to initialize server")
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutting down")
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
	}
}
