package cmd

import (
	"github.com/SimonCahill/isotpp/tp"
	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

func newBar(length int, text string) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		length,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(text),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// payloadBytes is the number of message bytes f carries.
func payloadBytes(f tp.Frame) int {
	switch v := f.(type) {
	case tp.SingleFrame:
		return len(v.Data)
	case tp.FirstFrame:
		return len(v.Data)
	case tp.ConsecutiveFrame:
		return len(v.Data)
	}
	return 0
}
