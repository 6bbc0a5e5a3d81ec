package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	suiteview "github.com/suiteview/suiteview"
	"github.com/suiteview/suiteview/channel"
	"github.com/suiteview/suiteview/flags"
	"github.com/suiteview/suiteview/logging"
	"github.com/suiteview/suiteview/tree"
	"github.com/suiteview/suiteview/ui"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "suiteview"
	app.Usage = "Live result tree server for Go test suites"
	app.Description = "suiteview collects the tests of a directory, serves their live result tree over HTTP and websockets, and runs them on request"
	app.Flags = flags.Flags
	app.Action = serve
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Collect the suite and serve its result tree (the default)",
			Flags:  flags.Flags,
			Action: serve,
		},
		{
			Name:   "tree",
			Usage:  "Collect the suite and print its result tree once",
			Flags:  flags.Flags,
			Action: printTree,
		},
		{
			Name:      "attach",
			Usage:     "Attach to a running server and follow its result tree",
			Flags:     flags.AttachFlags,
			ArgsUsage: "[nodeid to run]",
			Action:    attach,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newConfig(ctx *cli.Context) (*suiteview.Config, error) {
	log, err := logging.New(os.Stderr, ctx.String(flags.LogLevel.Name), ctx.String(flags.LogFormat.Name))
	if err != nil {
		return nil, err
	}
	return suiteview.NewConfig(ctx, log)
}

func serve(cliCtx *cli.Context) error {
	cfg, err := newConfig(cliCtx)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := suiteview.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return svc.Stop(context.Background())
}

func printTree(cliCtx *cli.Context) error {
	cfg, err := newConfig(cliCtx)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := suiteview.New(ctx, cfg)
	if err != nil {
		return err
	}

	root := svc.Runner().Snapshot()
	fmt.Print(ui.RenderTree(root))
	fmt.Println(ui.RenderSummary(root))
	return nil
}

// attach follows a running server: it loads the snapshot, re-renders on
// every update and, when a nodeid argument is given, requests that node
// to run first.
func attach(cliCtx *cli.Context) error {
	log, err := logging.New(os.Stderr, cliCtx.String(flags.LogLevel.Name), cliCtx.String(flags.LogFormat.Name))
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	ws, err := channel.Dial(ctx, cliCtx.String(flags.ServerURL.Name), log)
	if err != nil {
		return err
	}
	defer ws.Close()

	session := suiteview.NewSession(suiteview.SessionConfig{Channel: ws, Log: log})
	if err := session.Load(ctx); err != nil {
		return err
	}

	session.OnUpdate(func(snapshot *tree.BranchNode) {
		fmt.Print("\n" + ui.RenderTree(snapshot))
	})
	fmt.Print(ui.RenderTree(session.Snapshot()))

	if raw := cliCtx.Args().First(); raw != "" {
		if err := session.RunTest(tree.ParseNodeid(raw)); err != nil {
			return err
		}
	}

	if err := session.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	fmt.Println(ui.RenderSummary(session.Snapshot()))
	fmt.Print(ui.RenderReports(session.Snapshot()))
	return nil
}
