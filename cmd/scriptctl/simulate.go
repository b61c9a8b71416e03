package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/concierge/internal/condition"
	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/dialog/memstore"
	"github.com/linnemanlabs/concierge/internal/directory"
	"github.com/linnemanlabs/concierge/internal/jobs"
	"github.com/linnemanlabs/concierge/internal/orchestrator"
	"github.com/linnemanlabs/concierge/internal/routing"
)

type simulateOptions struct {
	tenantDir string
	tenant    string
	from      string
	channel   string
	script    string
	say       []string
}

func newSimulateCmd() *cobra.Command {
	var o simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a conversation against a tenant directory in memory",
		Long: "Loads the tenant directory, seeds its scripts into an in-memory store and\n" +
			"plays the contact's messages, from --say or one per line on stdin.\n" +
			"Transfers are finalized immediately and routed with the directory's rules.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lines := o.say
			if len(lines) == 0 {
				var err error
				if lines, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return simulate(cmd.Context(), cmd.OutOrStdout(), o, lines)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.tenantDir, "tenants", "", "tenant directory (required)")
	f.StringVar(&o.tenant, "tenant", "", "tenant id (required)")
	f.StringVar(&o.from, "from", "5500000000000", "contact phone number")
	f.StringVar(&o.channel, "channel", "whatsapp", "channel the messages arrive on, used for script selection")
	f.StringVar(&o.script, "script", "", "script file to save and publish for the tenant before the conversation")
	f.StringArrayVar(&o.say, "say", nil, "contact message, repeatable")
	_ = cmd.MarkFlagRequired("tenants")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// printer is an orchestrator.Sender that writes bot messages to the terminal.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) Send(_ context.Context, _, _ string, resp dialog.Response) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range strings.Split(resp.Text, "\n") {
		if _, err := fmt.Fprintf(p.w, "bot> %s\n", line); err != nil {
			return err
		}
	}
	for _, c := range resp.Choices {
		fmt.Fprintf(p.w, "     [%s] %s\n", c.ID, c.Title)
	}
	return nil
}

func simulate(ctx context.Context, w io.Writer, o simulateOptions, lines []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	L := log.Nop()

	dir, err := directory.Open(o.tenantDir, L, directory.WithPhoneNormalizer(orchestrator.NormalizePhone))
	if err != nil {
		return err
	}
	if _, ok := dir.Tenant(o.tenant); !ok {
		return fmt.Errorf("tenant %q not found in %s", o.tenant, o.tenantDir)
	}

	store := memstore.New()
	eval := condition.New(L)
	lib := dialog.NewLibrary(store, eval, L)
	if err := dir.Seed(ctx, lib); err != nil {
		return fmt.Errorf("seed scripts: %w", err)
	}
	if o.script != "" {
		if err := publishFile(ctx, lib, o.tenant, o.script); err != nil {
			return err
		}
	}

	queue := jobs.NewMemory()
	svc := orchestrator.NewService(orchestrator.Config{
		Sessions:      store,
		Scripts:       lib,
		Tickets:       store,
		Queue:         queue,
		Tenants:       dir,
		Sender:        &printer{w: w},
		Router:        routing.NewResolver(dir, store, L, routing.Hooks{}),
		Eval:          eval,
		Logger:        L,
		FinalizeDelay: time.Nanosecond,
	})
	worker := jobs.NewWorker(queue, L, jobs.WorkerConfig{}, jobs.WorkerHooks{})
	svc.Register(worker)

	var last *orchestrator.Reply
	for _, line := range lines {
		fmt.Fprintf(w, "you> %s\n", line)
		reply, err := svc.HandleInbound(ctx, o.tenant, orchestrator.Inbound{From: o.from, Text: line, Channel: o.channel})
		if err != nil {
			return err
		}
		if reply.Ignored {
			fmt.Fprintf(w, "     (ignored: %s)\n", reply.Reason)
		}
		// let the delayed transfer become due
		time.Sleep(time.Millisecond)
		if _, err := worker.RunOnce(ctx); err != nil {
			return err
		}
		last = reply
	}

	if last != nil && last.SessionID != "" {
		sess, err := svc.Get(ctx, o.tenant, last.SessionID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "--\nsession %s: %s at %q\n", sess.ID, sess.Status, sess.CurrentStep)
	}
	return nil
}

// publishFile validates, saves and publishes a script file for tenantID.
func publishFile(ctx context.Context, lib *dialog.Library, tenantID, path string) error {
	sc, err := directory.LoadScriptFile(path)
	if err != nil {
		return err
	}
	sc.TenantID = tenantID
	sc.Published = false

	if cur, err := lib.Get(ctx, tenantID, sc.ID); err == nil && cur.Published {
		if _, err := lib.Unpublish(ctx, tenantID, sc.ID); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, dialog.ErrScriptNotFound) {
		return err
	}
	if _, err := lib.Save(ctx, sc); err != nil {
		return err
	}
	_, err = lib.Publish(ctx, tenantID, sc.ID, "scriptctl")
	return err
}
