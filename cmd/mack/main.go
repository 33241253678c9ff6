// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command mack is a command-line client for the MMQP broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/mmqp/client"
	"github.com/absmach/mmqp/message"
	mmqptls "github.com/absmach/mmqp/pkg/tls"
)

const usage = `Usage: mack [-config <file>] <command> [flags] [args]

Commands:
  config [--host <host:port>] [--username <name>] [--password <pass>] [--ca-file <file>]
  send   [--group <group>] [--delay <duration>] <queue> <message>
  poll   [--count <n>] [--wait <duration>] <queue>
  delete <queue> <message-id>
  ping
  admin  <create|delete|list|stats|flush> [queue] [arg]
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		// Bare usage errors were already reported with the usage text.
		if err != errUsage {
			fmt.Fprintln(os.Stderr, "mack:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("mack", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configFile := global.String("config", configPath(), "Path to the mack configuration file")
	if err := global.Parse(args); err != nil {
		return errUsage
	}

	args = global.Args()
	if len(args) == 0 {
		global.Usage()
		return errUsage
	}

	cmd, args := args[0], args[1:]
	if cmd == "config" {
		return runConfig(*configFile, args, stdout, stderr)
	}

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		return err
	}

	switch cmd {
	case "send":
		return runSend(ctx, cfg, args, stdout, stderr)
	case "poll":
		return runPoll(ctx, cfg, args, stdout, stderr)
	case "delete":
		return runDelete(ctx, cfg, args, stdout)
	case "ping":
		return runPing(ctx, cfg, stdout)
	case "admin":
		return runAdmin(ctx, cfg, args, stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		global.Usage()
		return errUsage
	}
}

func configPath() string {
	if p := os.Getenv("MACK_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigFile
}

func runConfig(path string, args []string, stdout, stderr io.Writer) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		cfg = DefaultConfig()
	}

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Broker address (host:port)")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "Username")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "Password")
	fs.StringVar(&cfg.CAFile, "ca-file", cfg.CAFile, "CA certificate enabling TLS")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Config file written to %s\n", path)
	return nil
}

func connect(cfg Config) (*client.Client, error) {
	tlsCfg, err := mmqptls.LoadClientConfig(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	opts := client.NewOptions().
		SetServers(cfg.Host).
		SetCredentials(cfg.Username, cfg.Password).
		SetTLSConfig(tlsCfg).
		SetAutoReconnect(true)
	return client.New(opts)
}

func runSend(ctx context.Context, cfg Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	group := fs.String("group", "", "Message group")
	delay := fs.Duration("delay", 0, "Delay before the message becomes available")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 2 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	c, err := connect(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	queue, body := fs.Arg(0), fs.Arg(1)
	var id message.ID
	if *delay > 0 {
		id, err = c.PublishDelayed(ctx, queue, body, *group, *delay)
	} else {
		id, err = c.Publish(ctx, queue, body, *group)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, id)
	return nil
}

func runPoll(ctx context.Context, cfg Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("poll", flag.ContinueOnError)
	fs.SetOutput(stderr)
	count := fs.Uint64("count", 1, "Maximum number of messages")
	wait := fs.Duration("wait", 0, "Wait up to this long for the first message")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	c, err := connect(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var msgs []message.Normalized
	if *wait > 0 {
		msgs, err = c.LongPoll(ctx, fs.Arg(0), *count, *wait)
	} else {
		msgs, err = c.Poll(ctx, fs.Arg(0), *count)
	}
	if err != nil {
		return err
	}

	for _, m := range msgs {
		fmt.Fprintf(stdout, "%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.GroupID, m.ReceiveCount, m.ReceivedTime.Time().UTC().Format(time.RFC3339Nano), strconv.Quote(m.Message))
	}
	return nil
}

func runDelete(ctx context.Context, cfg Config, args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: delete <queue> <message-id>", errUsage)
	}
	id, err := message.ParseID(args[1])
	if err != nil {
		return err
	}

	c, err := connect(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Delete(ctx, args[0], id); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "deleted")
	return nil
}

func runPing(ctx context.Context, cfg Config, stdout io.Writer) error {
	c, err := connect(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "pong from %s in %s\n", cfg.Host, time.Since(start).Round(time.Microsecond))
	return nil
}

func runAdmin(ctx context.Context, cfg Config, args []string, stdout io.Writer) error {
	if len(args) == 0 || len(args) > 3 {
		return fmt.Errorf("%w: admin <action> [queue] [arg]", errUsage)
	}
	action, queue, arg := args[0], "", ""
	if len(args) > 1 {
		queue = args[1]
	}
	if len(args) > 2 {
		arg = args[2]
	}

	c, err := connect(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	text, err := c.Admin(ctx, action, queue, arg)
	if err != nil {
		return err
	}
	if text != "" {
		fmt.Fprintln(stdout, text)
	}
	return nil
}
