package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"notifygate/internal/app"
	"notifygate/internal/config"
	"notifygate/internal/notification"
	"notifygate/internal/storage"
	"notifygate/pkg/systemd"

	"golang.org/x/sync/errgroup"
)

const usage = `usage: notifygate [-config path] <command> [flags]

commands:
  serve    run the gateway (default)
  send     send one notification and exit
  rule     create a rule from a JSON/YAML file, or list rules
  usage    print usage totals
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	cmd, args := "serve", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(cfgPath)
	case "send":
		err = send(cfgPath, args)
	case "rule":
		err = rule(cfgPath, args)
	case "usage":
		err = usageCmd(cfgPath, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serve(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	_, _ = systemd.Ready()
	_, _ = systemd.Status("serving %s", strings.Join(a.Dispatcher().Channels(), ","))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return systemd.Watchdog(gctx, func() bool { return a.Err() == nil })
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.Done():
			// The app supervisor only cancels itself on a fatal error.
			return a.Err()
		}
	})
	runErr := g.Wait()

	reason := app.StopSIGTERM
	if runErr != nil {
		reason = app.StopFatalError
	}
	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return errors.Join(runErr, a.Stop(stopCtx, reason))
}

func send(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var (
		ch       = fs.String("channel", "", "channel name (default: default_channel)")
		to       = fs.String("to", "", "recipient")
		msg      = fs.String("message", "", "message body")
		subject  = fs.String("subject", "", "subject")
		priority = fs.Int("priority", notification.PriorityLow, "priority 1..3")
		tmplName = fs.String("template", "", "template name")
		data     = fs.String("data", "", "template data as a JSON object")
		meta     = fs.String("metadata", "", "metadata as a JSON object")
		tags     = fs.String("tags", "", "comma separated tags")
		delay    = fs.Duration("delay", 0, "enqueue with this delay instead of sending now")
		at       = fs.String("at", "", "enqueue for this RFC 3339 time instead of sending now")
	)
	_ = fs.Parse(args)

	opts := []notification.Option{
		notification.WithSubject(*subject),
		notification.WithPriority(*priority),
		notification.WithTemplate(*tmplName),
	}
	if *tags != "" {
		opts = append(opts, notification.WithTags(splitList(*tags)...))
	}
	if *data != "" {
		m, err := jsonObject("data", *data)
		if err != nil {
			return err
		}
		opts = append(opts, notification.WithTemplateData(m))
	}
	if *meta != "" {
		m, err := jsonObject("metadata", *meta)
		if err != nil {
			return err
		}
		opts = append(opts, notification.WithMetadata(m))
	}
	n := notification.New(*ch, *to, *msg, opts...)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case *at != "":
		when, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("-at: %w", err)
		}
		if err := a.Dispatcher().SendAt(ctx, n, when); err != nil {
			return err
		}
		fmt.Printf("queued %s for %s\n", n.ID(), when.Format(time.RFC3339))
	case *delay > 0:
		if err := a.Dispatcher().SendAsync(ctx, n, *delay); err != nil {
			return err
		}
		fmt.Printf("queued %s in %s\n", n.ID(), *delay)
	default:
		if !a.Dispatcher().Send(ctx, n) {
			return fmt.Errorf("notification %s was not delivered (see audit log)", n.ID())
		}
		fmt.Printf("sent %s\n", n.ID())
	}
	return nil
}

func rule(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("rule", flag.ExitOnError)
	file := fs.String("file", "", "rule definition (json or yaml)")
	list := fs.Bool("list", false, "list stored rules as JSON")
	_ = fs.Parse(args)
	if *file == "" && !*list {
		return errors.New("rule: -file or -list is required")
	}

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()
	st := a.Store()
	if st == nil {
		return storage.ErrDisabled
	}
	ctx := context.Background()

	if *list {
		rules, err := st.ListRules(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rules)
	}

	var r notification.Rule
	if err := config.ReadStrict(*file, &r); err != nil {
		return fmt.Errorf("read rule: %w", err)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	id, err := st.CreateRule(ctx, r)
	if err != nil {
		return err
	}
	fmt.Printf("created rule %q with id %d\n", r.Name, id)
	return nil
}

func usageCmd(cfgPath string, args []string) error {
	fs := flag.NewFlagSet("usage", flag.ExitOnError)
	ch := fs.String("channel", "", "only this channel")
	since := fs.Duration("since", 24*time.Hour, "look back this far")
	_ = fs.Parse(args)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()
	st := a.Store()
	if st == nil {
		return storage.ErrDisabled
	}

	q := storage.UsageQuery{Channel: *ch}
	if *since > 0 {
		q.Since = time.Now().Add(-*since)
	}
	sum, err := st.SumUsage(context.Background(), q)
	if err != nil {
		return err
	}
	label := *ch
	if label == "" {
		label = "all channels"
	}
	fmt.Printf("%s: %d sends, total %s\n", label, sum.Count, sum.Total.StringFixed(4))
	return nil
}

func jsonObject(name, raw string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("-%s: %w", name, err)
	}
	return m, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
