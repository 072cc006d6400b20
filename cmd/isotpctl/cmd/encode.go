package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/SimonCahill/isotpp/driver"
	"github.com/SimonCahill/isotpp/payload"
	"github.com/SimonCahill/isotpp/tp"
	"github.com/spf13/cobra"
)

const maxPreviewSteps = 10000

func newEncodeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "encode <hex payload>",
		Short: "Show the frames a payload is segmented into",
		Long: `Segments the payload without touching a bus. Flow control frames are
answered locally with --peer-bs and --peer-stmin.`,
		Example: `  isotpctl encode 0102030405060708090A --peer-bs 1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			bs, _ := cmd.Flags().GetUint8("peer-bs")
			st, _ := cmd.Flags().GetUint8("peer-stmin")
			return preview(cmd.OutOrStdout(), txID, rxID, cfg, data, bs, tp.SeparationTime(st))
		},
	}
	c.Flags().Uint8("peer-bs", 0, "block size the simulated receiver grants")
	c.Flags().Uint8("peer-stmin", 0, "separation time the simulated receiver asks for")
	return c
}

// preview runs a transfer against a simulated receiver on a virtual clock
// and prints every frame with its offset from the start.
func preview(out io.Writer, txID, rxID tp.CanID, cfg tp.Config, data []byte, bs uint8, st tp.SeparationTime) error {
	start := time.Unix(0, 0)
	now := start
	var (
		finished bool
		result   error
	)
	link, err := tp.NewLink(txID, rxID,
		func(id tp.CanID, p tp.Payload) error {
			fmt.Fprintf(out, "+%-8s %s\n", now.Sub(start), driver.FormatFrame(tp.Outbound, id, p[:]))
			return nil
		},
		tp.WithConfig(cfg),
		tp.WithClock(func() time.Time { return now }),
		tp.WithTransmitHandler(func(err error) {
			finished = true
			result = err
		}),
	)
	if err != nil {
		return err
	}
	if err := link.Send(data); err != nil {
		return err
	}

	fc, err := tp.NewCodec(cfg.Padding).EncodeFlowControlFrame(tp.FlowStatusContinue, bs, st)
	if err != nil {
		return err
	}
	step := st.Duration()
	if step <= 0 {
		step = time.Millisecond
	}
	for i := 0; !finished; i++ {
		if i == maxPreviewSteps {
			return errors.New("transfer did not finish")
		}
		if link.TxState() == tp.TxAwaitingFlowControl {
			fmt.Fprintf(out, "+%-8s %s\n", now.Sub(start), driver.FormatFrame(tp.Inbound, rxID, fc[:]))
			if err := link.ReceiveFrom(rxID, fc[:]); err != nil {
				return err
			}
			continue
		}
		now = now.Add(step)
		link.Poll(now)
	}
	stats := link.Stats()
	fmt.Fprintf(out, "%d bytes in %d frames\n", len(data), stats.TxFrames)
	return result
}
