// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command psocket-trace traces a process tree via ptrace and transparently
// rewrites its socket behaviour: firewall marking, CIDR-bound source
// addresses, and HTTP CONNECT proxying.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/talismancer/psocket-trace/internal/config"
	"github.com/talismancer/psocket-trace/internal/handlers"
	"github.com/talismancer/psocket-trace/internal/tracelog"
	"github.com/talismancer/psocket-trace/internal/tracer"
)

func main() {
	app := cli.NewApp()
	app.Name = "psocket-trace"
	app.Usage = "rewrite a traced process tree's socket behaviour"
	app.ArgsUsage = "[command]"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "fwmark, f",
			Usage: "firewall mark (SO_MARK) to stamp on every socket, e.g. 0x1",
		},
		cli.StringFlag{
			Name:  "cidr, c",
			Usage: "IPv6 CIDR, e.g. fd00::/16, to bind unbound connects from",
		},
		cli.StringFlag{
			Name:  "proxy, p",
			Usage: "HTTP CONNECT proxy, e.g. 127.0.0.1:8080, to redirect IPv4 connects through",
		},
		cli.IntFlag{
			Name:  "attach, a",
			Usage: "attach to an existing pid instead of forking command",
		},
		cli.BoolFlag{
			Name:  "no-kill, n",
			Usage: "do not kill the tracee if the tracer exits",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "log handler errors to stderr",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "psocket-trace:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	tracelog.SetVerbose(cfg.Verbose)

	eng := tracer.New(cfg)
	eng.SetHandlers(buildHandlers(eng.Resolver(), cfg)...)

	pid, err := eng.Start()
	if err != nil {
		return fmt.Errorf("starting tracer: %w", err)
	}
	tracelog.Infof("tracing pid %d", pid)

	if err := eng.Run(); err != nil {
		return fmt.Errorf("tracer loop: %w", err)
	}
	return nil
}

func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{
		Command:   "bash",
		AttachPID: c.Int("attach"),
		NoKill:    c.Bool("no-kill"),
		Verbose:   c.Bool("verbose"),
	}
	if c.NArg() > 0 {
		// The command is a shell command string; urfave/cli
		// splits everything after "--" into separate positional args, so
		// rejoin them into the single string /bin/sh -c expects.
		cfg.Command = strings.Join(c.Args(), " ")
	}

	if s := c.String("fwmark"); s != "" {
		mark, err := config.ParseFwmark(s)
		if err != nil {
			return nil, err
		}
		cfg.Fwmark = &mark
	}

	if s := c.String("cidr"); s != "" {
		cidr, err := config.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		cfg.CIDR = cidr
	}

	if s := c.String("proxy"); s != "" {
		proxy, err := config.ParseProxy(s)
		if err != nil {
			return nil, err
		}
		cfg.Proxy = proxy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildHandlers wires the configured handlers in the fixed dispatch order
// fwmark, rsrc, clone, proxy.
func buildHandlers(resolver tracer.Resolver, cfg *config.Config) []tracer.Handler {
	var chain []tracer.Handler
	if cfg.Fwmark != nil {
		chain = append(chain, handlers.NewFwmarkHandler(resolver, *cfg.Fwmark))
	}
	if cfg.CIDR != nil {
		chain = append(chain, handlers.NewRsrcHandler(resolver, cfg.CIDR))
	}
	chain = append(chain, handlers.NewCloneHandler())
	if cfg.Proxy != nil {
		chain = append(chain, handlers.NewProxyHandler(resolver, cfg.Proxy))
	}
	return chain
}
