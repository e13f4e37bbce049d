package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Agions/xfyun-sdk/pkg/audio"
	"github.com/Agions/xfyun-sdk/pkg/auth"
	"github.com/Agions/xfyun-sdk/pkg/config"
	"github.com/Agions/xfyun-sdk/pkg/resilience"
	"github.com/Agions/xfyun-sdk/pkg/runner"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Recognize speech from the microphone until Ctrl-C or end of utterance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		continuous, _ := cmd.Flags().GetBool("continuous")
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		capture, err := a.cfg.BuildCapture(audio.DefaultRegistry(), nil)
		if err != nil {
			return err
		}
		_, err = runSession(cmd.Context(), a, capture, continuous)
		return err
	},
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe FILE",
	Short: "Recognize a PCM or WAV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		realtime, _ := cmd.Flags().GetBool("realtime")
		output, _ := cmd.Flags().GetString("output")
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		capture, err := audio.DefaultRegistry().Build("file", map[string]any{
			"path":     args[0],
			"realtime": realtime,
		})
		if err != nil {
			return err
		}
		text, err := runSession(cmd.Context(), a, capture, false)
		if err != nil {
			return err
		}
		if output != "" {
			if werr := os.WriteFile(output, []byte(text+"\n"), 0o644); werr != nil {
				return fmt.Errorf("write transcript: %w", werr)
			}
		}
		return nil
	},
}

var signURLCmd = &cobra.Command{
	Use:   "sign-url",
	Short: "Print a signed connection URL for the configured credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		url, err := auth.Signer{
			APIKey:    cfg.Credentials.APIKey,
			APISecret: cfg.Credentials.APISecret,
			Host:      cfg.Credentials.Host,
			Scheme:    cfg.Credentials.Scheme,
		}.URL()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

// runSession runs a transcriber under the lifecycle runner: SIGINT/SIGTERM
// or the end of the session triggers the drain.
func runSession(parent context.Context, a *app, capture audio.Capture, continuous bool) (string, error) {
	if parent == nil {
		parent = context.Background()
	}
	sigCtx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	sc := a.cfg.SessionConfig()
	t := &transcriber{
		session:    sc,
		capture:    capture,
		log:        a.log,
		observer:   a.observer,
		out:        os.Stdout,
		continuous: continuous,
		retry:      resilience.NewRetryPolicy(a.cfg.Restart.MaxRestarts, time.Duration(a.cfg.Restart.BackoffMS)*time.Millisecond),
		breaker:    resilience.NewCircuitBreaker(3, time.Minute),
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)

	drainWindow := sc.DrainWindow
	if drainWindow <= 0 {
		drainWindow = time.Second
	}
	var r *runner.LifecycleRunner
	r = runner.NewLifecycleRunner(runner.Options{
		Hooks: runner.Hooks{
			OnStart: func() {
				go func() {
					text, err := t.Run(workCtx)
					done <- outcome{text: text, err: err}
					_ = r.Stop()
				}()
			},
		},
		Drainer: runner.DrainerFunc(func() error {
			cancelWork()
			o := <-done
			done <- o
			return nil
		}),
		Timeout: drainWindow + 5*time.Second,
		Banner:  "XFYUN ASR",
		Quiet:   quiet,
		Output:  os.Stderr,
	})
	if err := r.Run(sigCtx); err != nil {
		return "", err
	}
	result := <-done
	if result.err != nil {
		return result.text, result.err
	}
	a.log.Info("session_finished", "chars", len([]rune(strings.TrimSpace(result.text))))
	return result.text, nil
}
