/*
This command provides an executable knocker worker.

For the list of command line options, run:

	knocker -help

For details about the configuration surface and the knocker-* directive
headers, see packages config and directive.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/zalando/knocker"
	"github.com/zalando/knocker/config"
)

func main() {
	cfg := config.New()
	if err := cfg.Parse(os.Args[1:]); err != nil {
		log.Fatalf("error processing config: %s", err)
	}

	log.SetLevel(cfg.ApplicationLogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := knocker.Run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}
