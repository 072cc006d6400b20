package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/SimonCahill/isotpp/cmd/isotpctl/cmd"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, os.Interrupt)
	go func() {
		s := <-quitChan
		logrus.Infof("got %v, exiting", s)
		cancel()
		<-time.After(10 * time.Second)
		logrus.Fatal("took too long to shut down, forcefully exiting")
	}()
	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
