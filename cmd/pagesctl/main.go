// Command pagesctl publishes, inspects and removes sites directly against
// the data directory, without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

const usage = `usage: pagesctl <command> [flags]

commands:
  publish -user NAME [-sha256 HEX] ARCHIVE   publish a local path or s3://bucket/key
  delete  -user NAME                         delete a user's site
  usage   -user NAME                         print a user's site info and quota
  sweep                                      remove stale staging entries once
  token   -user NAME [-ttl DURATION]         mint an access token

Every command also accepts the storage flags of the server (-data-dir, -quota-driver, ...),
read from LMPAGES_* env vars and -config as well.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "pagesctl:", err)
		stop()
		os.Exit(1)
	}
}

type command func(ctx context.Context, args []string, stdout, stderr io.Writer) error

var commands = map[string]command{
	"publish": runPublish,
	"delete":  runDelete,
	"usage":   runUsage,
	"sweep":   runSweep,
	"token":   runToken,
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	if args[0] == "-h" || args[0] == "-help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprint(stderr, usage)
		return xerrors.Newf("unknown command %q", args[0])
	}
	return cmd(ctx, args[1:], stdout, stderr)
}
