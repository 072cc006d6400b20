package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/SimonCahill/isotpp/driver"
	"github.com/SimonCahill/isotpp/logrecorder"
	"github.com/SimonCahill/isotpp/payload"
	"github.com/SimonCahill/isotpp/secoc"
	"github.com/SimonCahill/isotpp/tp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	flagAdapter   = "adapter"
	flagPort      = "port"
	flagBaudrate  = "baudrate"
	flagBitrate   = "bitrate"
	flagTxID      = "tx-id"
	flagRxID      = "rx-id"
	flagExtended  = "extended"
	flagBlockSize = "block-size"
	flagStMin     = "stmin"
	flagNBs       = "n-bs"
	flagNCr       = "n-cr"
	flagWaitMax   = "wft-max"
	flagPadding   = "padding"
	flagPoll      = "poll"
	flagDebug     = "debug"
	flagLogFile   = "log-file"
	flagKey       = "key"
	flagTagSize   = "tag-size"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "isotpctl",
		Short:        "ISO 15765-2 transport tool",
		Long:         `Send, receive and inspect ISO-TP transfers over SLCAN adapters or a virtual bus.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringP(flagAdapter, "a", "slcan", "adapter to use: slcan or mock")
	pf.StringP(flagPort, "p", "/dev/ttyACM0", "serial port of the adapter")
	pf.IntP(flagBaudrate, "b", 115200, "serial baudrate")
	pf.Int(flagBitrate, 500000, "CAN bitrate")
	pf.String(flagTxID, "0x7E0", "CAN identifier we transmit on")
	pf.String(flagRxID, "0x7E8", "CAN identifier we listen on")
	pf.Bool(flagExtended, false, "use 29-bit identifiers")
	pf.Uint8(flagBlockSize, 0, "block size advertised to the peer, 0 = unlimited")
	pf.String(flagStMin, "0", "separation time advertised to the peer (raw STmin code)")
	pf.Duration(flagNBs, time.Second, "flow control timeout (N_Bs)")
	pf.Duration(flagNCr, time.Second, "consecutive frame timeout (N_Cr)")
	pf.Int(flagWaitMax, 20, "maximum consecutive wait frames")
	pf.String(flagPadding, "0xCC", "padding byte")
	pf.Duration(flagPoll, time.Millisecond, "poll interval")
	pf.BoolP(flagDebug, "d", false, "debug logging")
	pf.String(flagLogFile, "", "write logs to ./YYYY_MM_DD/<prefix>*.log instead of stderr")
	pf.String(flagKey, "", "AES key (hex) to authenticate payloads with a CMAC")
	pf.Int(flagTagSize, 8, "CMAC bytes appended to each payload")

	root.AddCommand(
		newSendCmd(),
		newListenCmd(),
		newDecodeCmd(),
		newEncodeCmd(),
		newLoopbackCmd(),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func setupLogging(cmd *cobra.Command) error {
	debug, _ := cmd.Flags().GetBool(flagDebug)
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	prefix, _ := cmd.Flags().GetString(flagLogFile)
	if prefix == "" {
		return nil
	}
	_, err := logrecorder.InitAndRotate(cmd.Context(), logrus.StandardLogger(), prefix)
	return err
}

func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(s, 0, bits)
}

func canIDFlag(cmd *cobra.Command, name string) (tp.CanID, error) {
	s, _ := cmd.Flags().GetString(name)
	v, err := parseUint(s, 32)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	if ext, _ := cmd.Flags().GetBool(flagExtended); ext {
		return tp.ExtendedID(uint32(v)), nil
	}
	if v > uint64(tp.CanIDStandardMask) {
		return 0, fmt.Errorf("--%s: 0x%X does not fit 11 bits, use --%s", name, v, flagExtended)
	}
	return tp.StandardID(uint32(v)), nil
}

func linkConfig(cmd *cobra.Command) (tp.Config, error) {
	f := cmd.Flags()
	cfg := tp.DefaultConfig()
	cfg.BlockSize, _ = f.GetUint8(flagBlockSize)
	cfg.TimeoutN_Bs, _ = f.GetDuration(flagNBs)
	cfg.TimeoutN_Cr, _ = f.GetDuration(flagNCr)
	cfg.MaxWaitFrame, _ = f.GetInt(flagWaitMax)

	st, _ := f.GetString(flagStMin)
	v, err := parseUint(st, 8)
	if err != nil {
		return cfg, fmt.Errorf("--%s: %w", flagStMin, err)
	}
	cfg.StMin = tp.SeparationTime(v)

	pad, _ := f.GetString(flagPadding)
	v, err = parseUint(pad, 8)
	if err != nil {
		return cfg, fmt.Errorf("--%s: %w", flagPadding, err)
	}
	cfg.Padding = byte(v)
	return cfg, cfg.Validate()
}

func openDriver(cmd *cobra.Command, log *logrus.Entry) (driver.CANDriver, error) {
	f := cmd.Flags()
	name, _ := f.GetString(flagAdapter)
	var dev driver.CANDriver
	switch name {
	case "slcan":
		port, _ := f.GetString(flagPort)
		baud, _ := f.GetInt(flagBaudrate)
		bitrate, _ := f.GetInt(flagBitrate)
		sl, err := driver.OpenSLCAN(port, baud, bitrate, log)
		if err != nil {
			return nil, err
		}
		dev = sl
	case "mock":
		dev = driver.NewMockCAN(log)
	default:
		return nil, fmt.Errorf("unknown adapter %q", name)
	}
	return driver.NewLoggedDriver(dev, log, logrus.DebugLevel), nil
}

func authenticator(cmd *cobra.Command) (*secoc.Authenticator, error) {
	key, _ := cmd.Flags().GetString(flagKey)
	if key == "" {
		return nil, nil
	}
	raw, err := payload.ParseHex(key)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flagKey, err)
	}
	size, _ := cmd.Flags().GetInt(flagTagSize)
	return secoc.New(raw, size)
}

// session bundles what every bus-facing command needs.
type session struct {
	log     *logrus.Entry
	adapter *driver.Adapter
	txID    tp.CanID
	rxID    tp.CanID
	cfg     tp.Config
	poll    time.Duration
	auth    *secoc.Authenticator
}

func newSession(cmd *cobra.Command) (*session, error) {
	s := &session{}
	var err error
	if s.txID, err = canIDFlag(cmd, flagTxID); err != nil {
		return nil, err
	}
	if s.rxID, err = canIDFlag(cmd, flagRxID); err != nil {
		return nil, err
	}
	if s.cfg, err = linkConfig(cmd); err != nil {
		return nil, err
	}
	if s.auth, err = authenticator(cmd); err != nil {
		return nil, err
	}
	s.poll, _ = cmd.Flags().GetDuration(flagPoll)
	s.log = logrus.WithFields(logrus.Fields{"tx_id": s.txID, "rx_id": s.rxID})

	dev, err := openDriver(cmd, s.log)
	if err != nil {
		return nil, err
	}
	if s.adapter, err = driver.NewAdapter(dev, s.log); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) link(opts ...tp.Option) (*tp.Link, error) {
	opts = append([]tp.Option{
		tp.WithConfig(s.cfg),
		tp.WithLogger(tp.LogrusLogger(s.log)),
	}, opts...)
	return tp.NewLink(s.txID, s.rxID, s.adapter.SendFunc(), opts...)
}
