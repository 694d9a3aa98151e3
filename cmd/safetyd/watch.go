package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/graceline/safety/internal/config"
	"github.com/graceline/safety/internal/messaging"
	"github.com/graceline/safety/internal/notify"
	"github.com/graceline/safety/internal/report"
)

// watchCmd tails ops alerts, and optionally pastor push requests, for an
// operator terminal. A failed mandatory-report write shows up here and
// must be followed up by hand.
func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Tail manual-ops alerts from NATS",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "push", Usage: "Also show pastor push requests"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts := messaging.DefaultOptions()
			opts.URL = cfg.NATS.URL
			opts.Name = cfg.NATS.Name + "-watch"

			bus, err := messaging.Connect(opts)
			if err != nil {
				return err
			}
			defer bus.Close()

			if _, err := bus.SubscribeOpsAlerts(func(data []byte) {
				fmt.Fprintln(c.App.Writer, formatOpsAlert(data))
			}); err != nil {
				return err
			}
			if c.Bool("push") {
				if _, err := bus.SubscribePush(func(subject string, data []byte) {
					fmt.Fprintln(c.App.Writer, formatPush(subject, data))
				}); err != nil {
					return err
				}
			}

			log.Printf("watching %s (ctrl-c to stop)", opts.URL)
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

func formatOpsAlert(data []byte) string {
	var a report.OpsAlert
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Sprintf("OPS ALERT (unparsed): %s", data)
	}
	return fmt.Sprintf("OPS ALERT %s kind=%s session=%s action=%s error=%q",
		a.At.UTC().Format("2006-01-02T15:04:05Z"), a.Kind, a.SessionID, a.Action, a.Error)
}

func formatPush(subject string, data []byte) string {
	var n notify.PushNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Sprintf("PUSH %s (unparsed): %s", subject, data)
	}
	return fmt.Sprintf("PUSH %s priority=%s tags=%s title=%q link=%s",
		strings.TrimPrefix(subject, messaging.SubjectPush+"."), n.Priority, strings.Join(n.Tags, ","), n.Title, n.Link)
}
