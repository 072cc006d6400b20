package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/SimonCahill/isotpp/payload"
	"github.com/SimonCahill/isotpp/tp"
	"github.com/avast/retry-go"
	"github.com/spf13/cobra"
)

func newSendCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "send [hex payload]",
		Short: "Send a payload or an Intel HEX image",
		Example: `  isotpctl send 22F190
  isotpctl send --file app.hex --block-size 8`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSend,
	}
	c.Flags().StringP("file", "f", "", "Intel HEX file, sent as address-prefixed messages")
	c.Flags().Uint32("freshness", 1, "first freshness value when --key is set")
	c.Flags().Uint("attempts", 200, "attempts per message while the link is busy")
	c.Flags().Duration("retry-delay", 10*time.Millisecond, "delay between attempts")
	c.Flags().Duration("timeout", 30*time.Second, "time to wait for all transfers to finish")
	return c
}

// sendMessages splits the input into transfers leaving room for overhead
// bytes of authentication data.
func sendMessages(cmd *cobra.Command, args []string, overhead int) ([][]byte, error) {
	file, _ := cmd.Flags().GetString("file")
	switch {
	case file != "" && len(args) > 0:
		return nil, errors.New("give either a hex payload or --file, not both")
	case file != "" && overhead > 0:
		return nil, fmt.Errorf("--%s cannot be combined with --file", flagKey)
	case file != "":
		fh, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		segs, err := payload.LoadIntelHex(fh)
		if err != nil {
			return nil, err
		}
		return payload.Messages(segs), nil
	case len(args) == 1:
		data, err := payload.ParseHex(args[0])
		if err != nil {
			return nil, err
		}
		if overhead == 0 {
			return payload.Transfers(data), nil
		}
		return payload.Split(data, tp.MaxMessageLength-overhead), nil
	default:
		return nil, errors.New("nothing to send")
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	auth, err := authenticator(cmd)
	if err != nil {
		return err
	}
	overhead := 0
	if auth != nil {
		overhead = auth.Overhead()
	}
	msgs, err := sendMessages(cmd, args, overhead)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return errors.New("empty payload")
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.adapter.Close()

	if s.auth != nil {
		fv, _ := cmd.Flags().GetUint32("freshness")
		for i, m := range msgs {
			if msgs[i], err = s.auth.Protect(m, fv+uint32(i)); err != nil {
				return err
			}
		}
	}

	total := 0
	for _, m := range msgs {
		total += len(m)
	}
	bar := newBar(total, "sending")
	done := make(chan error, len(msgs))

	link, err := s.link(
		tp.WithTransmitHandler(func(err error) { done <- err }),
		tp.WithFrameObserver(func(dir tp.Direction, _ tp.CanID, f tp.Frame) {
			if dir == tp.Outbound {
				_ = bar.Add(payloadBytes(f))
			}
		}),
	)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.adapter.Serve(ctx, link, s.poll) }()

	attempts, _ := cmd.Flags().GetUint("attempts")
	delay, _ := cmd.Flags().GetDuration("retry-delay")
	for i, m := range msgs {
		err := retry.Do(func() error {
			return link.Send(m)
		},
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.Delay(delay),
			retry.DelayType(retry.FixedDelay),
			retry.RetryIf(func(err error) bool {
				return tp.CodeOf(err) == tp.InProgress
			}),
			retry.OnRetry(func(n uint, err error) {
				s.log.Debugf("message %d: retry #%d: %v", i, n+1, err)
			}),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	deadline := time.After(timeout)
	for n := 0; n < len(msgs); n++ {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("transfer failed: %w (%s)", err, tp.CodeOf(err))
			}
		case err := <-serveErr:
			return fmt.Errorf("adapter stopped: %w", err)
		case <-deadline:
			return fmt.Errorf("timed out after %s, %d of %d transfers done", timeout, n, len(msgs))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_ = bar.Finish()
	fmt.Fprintln(cmd.OutOrStdout())
	st := link.Stats()
	s.log.Infof("sent %d messages in %d frames", st.TxMessages, st.TxFrames)
	return nil
}
