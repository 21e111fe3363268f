package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	sqlitevec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/bartholomew/memkernel/internal/cmd/migrate"
	"github.com/bartholomew/memkernel/internal/cmd/serve"

	// FTS5 and vector search require the CGO SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Registers the sqlite-vec extension on every new connection; the
	// vector store probes for it and reports the result, but searches with
	// the brute-force scan either way.
	sqlitevec.Auto()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "memkernel",
		Usage: "Privacy-first local memory kernel",
		Commands: []*cli.Command{
			serve.Command(),
			migrate.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
