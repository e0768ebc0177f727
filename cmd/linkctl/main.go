package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/linkctl/internal/app"
	"github.com/danmuck/linkctl/internal/config"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/notify"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/store"
)

const usage = `linkctl: companion client for a link host.

Usage:
  linkctl <command> [flags]

Commands:
  init-config  write a starting configuration file
  pair         pair with a link host and open the link
  unpair       forget the stored credential
  chat         chat with a partner entity
  sync         run one replication cycle
  status       print pairing and link state
  run          keep the link up until interrupted
`

func main() {
	logs.ConfigureRuntime()
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(1)
	}
}

var commands = map[string]bool{
	"init-config": true,
	"pair":        true,
	"unpair":      true,
	"chat":        true,
	"sync":        true,
	"status":      true,
	"run":         true,
}

type options struct {
	configPath  string
	endpoint    string
	security    string
	partner     string
	as          string
	metricsAddr string
	output      string
	force       bool
	timeout     time.Duration
}

func newFlagSet(name string, opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("linkctl "+name, pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to the TOML config file")
	switch name {
	case "pair":
		fs.StringVar(&opts.endpoint, "endpoint", "", "pairing endpoint host:port (default from config)")
		fs.StringVar(&opts.security, "security", "", "pairing channel security: secure|plaintext")
	case "chat":
		fs.StringVarP(&opts.partner, "partner", "p", "", "partner entity id")
		fs.StringVar(&opts.as, "as", "", "entity to impersonate (default user_entity_id)")
	case "sync":
		fs.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "give up waiting for the cycle after this long")
	case "run":
		fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	case "init-config":
		fs.StringVarP(&opts.output, "output", "o", "linkctl.toml", "where to write the template")
		fs.BoolVar(&opts.force, "force", false, "overwrite an existing file")
	}
	return fs
}

func run(args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(out, usage)
		return nil
	}
	name := args[0]
	if !commands[name] {
		return fmt.Errorf("unknown command %q (see linkctl --help)", name)
	}
	var opts options
	fs := newFlagSet(name, &opts)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	if name == "init-config" {
		if err := config.WriteTemplate(opts.output, opts.force); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", opts.output)
		return nil
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := bufio.NewReader(in)
	a, err := app.New(ctx, cfg, app.Options{
		Prompter:    newTerminalPrompter(reader, out),
		MetricsAddr: opts.metricsAddr,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	switch name {
	case "pair":
		return runPair(ctx, a, opts, out)
	case "unpair":
		if err := a.Unpair(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "credential removed")
		return nil
	case "chat":
		return runChat(ctx, a, opts, reader, out)
	case "sync":
		return runSync(ctx, a, opts, out)
	case "status":
		printStatus(out, a.Status())
		return nil
	case "run":
		if err := a.Start(ctx); err != nil {
			logs.Warnf("linkctl run start err=%v", err)
		}
		return a.Run(ctx)
	}
	return fmt.Errorf("unknown command %q", name)
}

func loadConfig(path string) (config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runPair(ctx context.Context, a *app.App, opts options, out io.Writer) error {
	var mode session.SecurityMode
	if opts.security != "" {
		parsed, err := session.ParseSecurityMode(opts.security)
		if err != nil {
			return err
		}
		mode = parsed
	}
	if err := a.Pair(ctx, opts.endpoint, mode); err != nil {
		return err
	}
	fmt.Fprintln(out, "paired")
	printStatus(out, a.Status())
	return nil
}

func runChat(ctx context.Context, a *app.App, opts options, reader *bufio.Reader, out io.Writer) error {
	partner := strings.TrimSpace(opts.partner)
	if partner == "" {
		return errors.New("--partner is required")
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	a.Bus().OnMessageReceived(func(m store.Message) {
		if m.PartnerID == partner {
			fmt.Fprintf(out, "%s> %s\n", m.SenderID, describeMessage(m))
		}
	})
	a.Bus().OnTyping(func(v notify.Indicator) {
		if v.PartnerID == partner && v.Active {
			fmt.Fprintf(out, "(%s is typing)\n", v.EntityID)
		}
	})
	started := make(chan struct{}, 1)
	a.Bus().OnSessionStarted(func(v notify.SessionStarted) {
		if v.PartnerID == partner {
			select {
			case started <- struct{}{}:
			default:
			}
		}
	})
	failed := make(chan error, 1)
	a.Bus().OnSessionError(func(v notify.SessionError) {
		if v.PartnerID == partner {
			select {
			case failed <- v.Err:
			default:
			}
		}
	})

	if _, err := a.StartChat(ctx, partner, opts.as); err != nil {
		return err
	}
	defer func() { _ = a.StopChat(context.Background(), partner) }()

	select {
	case <-started:
	case err := <-failed:
		return err
	case <-ctx.Done():
		return nil
	}
	fmt.Fprintf(out, "chatting with %s, /quit to leave\n", partner)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := reader.ReadString('\n')
			if line = strings.TrimRight(line, "\r\n"); line != "" {
				lines <- line
			}
			if err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			if _, err := a.SendText(ctx, partner, line); err != nil {
				fmt.Fprintf(out, "send failed: %v\n", err)
			}
		}
	}
}

func describeMessage(m store.Message) string {
	switch {
	case m.AttachmentMIME != "" && m.Content != "":
		return fmt.Sprintf("%s [%s, %d bytes]", m.Content, m.AttachmentMIME, len(m.Attachment))
	case m.AttachmentMIME != "":
		return fmt.Sprintf("[%s, %d bytes]", m.AttachmentMIME, len(m.Attachment))
	}
	return m.Content
}

func runSync(ctx context.Context, a *app.App, opts options, out io.Writer) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	done := make(chan error, 1)
	a.Bus().OnSyncCompleted(func(v notify.SyncCompleted) {
		fmt.Fprintf(out, "sync %s completed sent=%d received=%d failed=%d\n",
			v.SessionID, v.RecordsSent, v.RecordsReceived, v.RecordsFailed)
		select {
		case done <- nil:
		default:
		}
	})
	a.Bus().OnSyncError(func(v notify.SyncError) {
		select {
		case done <- v.Err:
		default:
		}
	})
	sess, err := a.Sync(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sync %s started\n", sess.SessionID)

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("sync %s: %w", sess.SessionID, ctx.Err())
	}
}

func printStatus(out io.Writer, st app.Status) {
	fmt.Fprintf(out, "paired:        %t\n", st.Paired)
	fmt.Fprintf(out, "link:          %s\n", linkLabel(st))
	fmt.Fprintf(out, "security:      %s\n", st.SecurityMode)
	fmt.Fprintf(out, "pairing state: %s\n", st.PairingState)
	fmt.Fprintf(out, "sync state:    %s\n", st.SyncState)
	if st.Watermark != "" {
		fmt.Fprintf(out, "last sync:     %s\n", st.Watermark)
	}
	if len(st.Partners) > 0 {
		fmt.Fprintf(out, "chats:         %s\n", strings.Join(st.Partners, ", "))
	}
}

func linkLabel(st app.Status) string {
	switch {
	case st.LinkConnected:
		return "connected"
	case st.LinkAttempts > 0:
		return fmt.Sprintf("reconnecting (attempt %d)", st.LinkAttempts)
	case st.Paired:
		return "offline"
	}
	return "not paired"
}
