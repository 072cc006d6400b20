package cmd

import (
	"fmt"

	"github.com/SimonCahill/isotpp/tp"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newListenCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "listen",
		Short: "Print every message received on --rx-id",
		Args:  cobra.NoArgs,
		RunE:  runListen,
	}
	c.Flags().Bool("echo", false, "send every received message back on --tx-id")
	return c
}

func runListen(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.adapter.Close()

	echo, _ := cmd.Flags().GetBool("echo")
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen).SprintfFunc()
	red := color.New(color.FgRed).SprintfFunc()

	// handlers run outside the link lock, so echoing from here is fine
	var link *tp.Link
	link, err = s.link(
		tp.WithReceiveHandler(func(data []byte) {
			if s.auth != nil {
				plain, fv, err := s.auth.Verify(data)
				if err != nil {
					fmt.Fprintln(out, red("<< rejected %d bytes: %v", len(data), err))
					return
				}
				fmt.Fprintln(out, green("<< [fv=%d] % X", fv, plain))
			} else {
				fmt.Fprintln(out, green("<< % X", data))
			}
			if echo {
				if err := link.Send(data); err != nil {
					s.log.WithError(err).Warn("echo failed")
				}
			}
		}),
		tp.WithErrorHandler(func(err error) {
			fmt.Fprintln(out, red("!! %v (%s)", err, tp.CodeOf(err)))
		}),
		tp.WithTransmitHandler(func(err error) {
			if err != nil {
				s.log.WithError(err).Warn("echo transfer failed")
			}
		}),
	)
	if err != nil {
		return err
	}

	s.log.Infof("listening, bs=%d stmin=%s", s.cfg.BlockSize, s.cfg.StMin)
	err = s.adapter.Serve(ctx, link, s.poll)
	st := link.Stats()
	s.log.Infof("received %d messages, %d frames, %d sequence errors, %d timeouts",
		st.RxMessages, st.RxFrames, st.SequenceErrors, st.Timeouts)
	return err
}
