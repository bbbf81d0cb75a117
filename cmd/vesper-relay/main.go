// Command vesper-relay runs the store-and-forward relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vesper/internal/logging"
	"vesper/internal/relay"
	"vesper/internal/worker"
)

func main() {
	listen := flag.String("listen", ":8480", "listen address")
	logLevel := flag.String("log-level", "INFO", "log level")
	logFile := flag.String("log-file", "", "log file (stderr when empty)")
	flag.Parse()

	if err := run(*listen, *logLevel, *logFile); err != nil {
		fmt.Fprintln(os.Stderr, "vesper-relay:", err)
		os.Exit(1)
	}
}

func run(listen, logLevel, logFile string) error {
	backend, err := logging.New(logFile, logLevel, false)
	if err != nil {
		return err
	}
	defer backend.Close()
	log := backend.GetLogger("relay")

	srv := &http.Server{
		Addr:              listen,
		Handler:           relay.NewServer(log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var w worker.Worker
	errCh := make(chan error, 1)
	w.Go(func() {
		log.Noticef("listening on %s", listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		w.Halt()
		return err
	case s := <-sig:
		log.Noticef("received %s, shutting down", s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	w.Halt()
	return nil
}
