package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SimonCahill/isotpp/driver"
	"github.com/SimonCahill/isotpp/payload"
	"github.com/SimonCahill/isotpp/tp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newLoopbackCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "loopback <hex payload>",
		Short: "Transfer a payload between two links on a virtual bus",
		Long: `Runs a tester and an echoing ECU on an in-process bus. The tester uses
--tx-id/--rx-id, the ECU the reverse pair with --ecu-bs and --ecu-stmin.`,
		Args: cobra.ExactArgs(1),
		RunE: runLoopback,
	}
	c.Flags().Uint8("ecu-bs", 8, "block size the ECU grants")
	c.Flags().Uint8("ecu-stmin", 0, "separation time the ECU asks for")
	c.Flags().Duration("timeout", 10*time.Second, "time to wait for the echo")
	return c
}

func runLoopback(cmd *cobra.Command, args []string) error {
	data, err := payload.ParseHex(args[0])
	if err != nil {
		return err
	}
	txID, err := canIDFlag(cmd, flagTxID)
	if err != nil {
		return err
	}
	rxID, err := canIDFlag(cmd, flagRxID)
	if err != nil {
		return err
	}
	cfg, err := linkConfig(cmd)
	if err != nil {
		return err
	}
	ecuCfg := cfg
	ecuCfg.BlockSize, _ = cmd.Flags().GetUint8("ecu-bs")
	st, _ := cmd.Flags().GetUint8("ecu-stmin")
	ecuCfg.StMin = tp.SeparationTime(st)
	if err := ecuCfg.Validate(); err != nil {
		return err
	}
	poll, _ := cmd.Flags().GetDuration(flagPoll)
	timeout, _ := cmd.Flags().GetDuration("timeout")

	log := logrus.WithField("cmd", "loopback")
	bus := driver.NewVirtualBus(log)
	out := &syncWriter{w: cmd.OutOrStdout()}

	tester, err := loopbackNode(bus, "tester", log)
	if err != nil {
		return err
	}
	defer tester.Close()
	ecu, err := loopbackNode(bus, "ecu", log)
	if err != nil {
		return err
	}
	defer ecu.Close()

	echoed := make(chan []byte, 1)
	failed := make(chan error, 1)
	report := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}
	testerLink, err := tp.NewLink(txID, rxID, tester.SendFunc(),
		tp.WithConfig(cfg),
		tp.WithLogger(tp.LogrusLogger(log.WithField("node", "tester"))),
		tp.WithReceiveHandler(func(b []byte) {
			select {
			case echoed <- b:
			default:
			}
		}),
		tp.WithErrorHandler(report),
		tp.WithTransmitHandler(func(err error) {
			if err != nil {
				report(err)
			}
		}),
		tp.WithFrameObserver(func(dir tp.Direction, id tp.CanID, f tp.Frame) {
			fmt.Fprintf(out, "tester %s %s %v\n", dir, id, f)
		}),
	)
	if err != nil {
		return err
	}

	var ecuLink *tp.Link
	ecuLink, err = tp.NewLink(rxID, txID, ecu.SendFunc(),
		tp.WithConfig(ecuCfg),
		tp.WithLogger(tp.LogrusLogger(log.WithField("node", "ecu"))),
		tp.WithReceiveHandler(func(b []byte) {
			if err := ecuLink.Send(b); err != nil {
				report(err)
			}
		}),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tester.Serve(gctx, testerLink, poll) })
	g.Go(func() error { return ecu.Serve(gctx, ecuLink, poll) })

	if err := testerLink.Send(data); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	var result error
	select {
	case b := <-echoed:
		fmt.Fprintf(out, "echo: % X\n", b)
		if len(b) != len(data) {
			result = fmt.Errorf("echo has %d bytes, sent %d", len(b), len(data))
		}
	case err := <-failed:
		result = fmt.Errorf("loopback failed: %w (%s)", err, tp.CodeOf(err))
	case <-ctx.Done():
		result = ctx.Err()
	}
	cancel()
	if err := g.Wait(); err != nil && result == nil {
		result = err
	}
	return result
}

func loopbackNode(bus *driver.VirtualBus, name string, log *logrus.Entry) (*driver.Adapter, error) {
	return driver.NewAdapter(bus.Node(name), log.WithField("node", name))
}

// syncWriter serialises writes from the serve goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
