// paywatch follows one purchase on a running server until it settles, the
// timeout elapses or the operator interrupts it.
//
//	paywatch --server http://localhost:8080 tkn_01J...
//
// With --simulate it first posts a signed charge.success webhook for the
// session, which is useful against a server pointed at a gateway sandbox.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/CedrosPay/tokenpay/internal/auth"
	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/CedrosPay/tokenpay/internal/httputil"
	"github.com/CedrosPay/tokenpay/internal/logger"
	"github.com/CedrosPay/tokenpay/internal/payments"
	"github.com/CedrosPay/tokenpay/internal/poller"
	"github.com/CedrosPay/tokenpay/internal/ratelimit"
	"github.com/CedrosPay/tokenpay/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		serverURL string
		userID    string
		interval  time.Duration
		timeout   time.Duration
		noVerify  bool
		simulate  bool
		secret    string
		header    string
		logLevel  string
	)

	flagSet := pflag.NewFlagSet("paywatch", pflag.ContinueOnError)
	flagSet.StringVarP(&serverURL, "server", "s", "http://localhost:8080", "server base URL including any route prefix")
	flagSet.StringVarP(&userID, "user", "u", "", "value sent as "+ratelimit.UserHeader)
	flagSet.DurationVar(&interval, "interval", poller.DefaultInterval, "delay between checks")
	flagSet.DurationVar(&timeout, "timeout", poller.DefaultTimeout, "give up after this long")
	flagSet.BoolVar(&noVerify, "no-verify", false, "only read stored state, never ask the gateway")
	flagSet.BoolVar(&simulate, "simulate", false, "post a signed charge.success webhook before watching")
	flagSet.StringVar(&secret, "webhook-secret", os.Getenv("PAYSTACK_SECRET_KEY"), "secret used to sign --simulate webhooks")
	flagSet.StringVar(&header, "signature-header", "X-Paystack-Signature", "header carrying the webhook signature")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: paywatch [flags] <reference>")
	}
	reference := flagSet.Arg(0)

	log := logger.New(logger.Config{Level: logLevel, Format: "console", Service: "paywatch"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	headers := map[string]string{}
	if userID != "" {
		headers[ratelimit.UserHeader] = userID
	}
	client := poller.NewHTTPClient(serverURL, 10*time.Second, headers)

	if simulate {
		if secret == "" {
			return errors.New("--simulate needs --webhook-secret or PAYSTACK_SECRET_KEY")
		}
		view, err := client.SessionStatus(ctx, reference)
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		if err := postChargeSuccess(ctx, serverURL, header, secret, view); err != nil {
			return err
		}
		log.Info().Str("reference", reference).Msg("paywatch.simulated_charge")
	}

	var verifier poller.Verifier = client
	if noVerify {
		verifier = nil
	}
	p := poller.NewFromConfig(config.PollerConfig{
		Interval: config.Duration{Duration: interval},
		Timeout:  config.Duration{Duration: timeout},
	}, client, verifier, nil, log)

	task := p.Start(ctx, reference)
	for update := range task.Updates() {
		ev := log.Debug().Int("attempt", update.Attempt).Str("source", string(update.Source))
		if update.Err != nil {
			ev = ev.Err(update.Err)
		} else {
			ev = ev.Str("status", string(update.View.Status))
		}
		ev.Msg("paywatch.check")
	}
	<-task.Done()

	res := task.Result()
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if err := out.Encode(res.View); err != nil {
		return err
	}
	switch {
	case res.TimedOut:
		return fmt.Errorf("gave up after %s; session is still %s", timeout, res.View.Status)
	case res.Outcome == payments.OutcomeCancelled && ctx.Err() != nil:
		return errors.New("interrupted")
	}
	log.Info().Str("outcome", string(res.Outcome)).Int("attempts", res.Attempts).Msg("paywatch.done")
	return nil
}

// postChargeSuccess sends the webhook the gateway would send for a paid session.
func postChargeSuccess(ctx context.Context, serverURL, header, secret string, view payments.StatusView) error {
	body, err := json.Marshal(map[string]any{
		"event": webhook.EventChargeSuccess,
		"data": map[string]any{
			"id":        time.Now().UnixNano(),
			"reference": view.Reference,
			"amount":    view.AmountMinor,
			"currency":  view.Currency,
			"status":    "success",
			"paid_at":   time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/webhooks/paystack", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header, auth.Sign(body, secret))

	resp, err := httputil.NewClient(10 * time.Second).Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post webhook: server returned %d", resp.StatusCode)
	}
	return nil
}
