//go:build linux

package main

//
// The serve subcommand
//

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/slowlink/slowlink/internal/delaysock"
	"github.com/slowlink/slowlink/internal/logx"
	"github.com/slowlink/slowlink/internal/model"
	"github.com/slowlink/slowlink/internal/runtimex"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

// serveSubcommand returns the serve [*cobra.Command], which runs a TCP
// listener forwarding each accepted connection to an upstream address
// through a delayed link.
func serveSubcommand() *cobra.Command {
	var (
		delay    time.Duration
		listen   string
		upstream string
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Proxies TCP connections to an upstream with added latency",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
			serveMain(delay, listen, upstream)
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 100*time.Millisecond, "one-way delay to inject")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:9999", "address to listen on")
	cmd.Flags().StringVar(&upstream, "upstream", "", "address to forward to")
	runtimex.Try0(cmd.MarkFlagRequired("upstream"))
	return cmd
}

// serveMain implements the serve subcommand.
func serveMain(delay time.Duration, listen, upstream string) {
	listener := runtimex.Try1(net.Listen("tcp", listen))
	log.Infof("serve: listening on %s, forwarding to %s with %v one-way delay",
		listener.Addr(), upstream, delay)

	// SIGUSR1 dumps the state of all delayed sockets
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, unix.SIGUSR1)
	go func() {
		for range sigch {
			delaysock.DumpState(os.Stderr)
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Warnf("serve: accept: %s", err.Error())
			return
		}
		go serveConn(conn, upstream, delay)
	}
}

// serveConn forwards a single accepted connection to the upstream
// address through a delayed link.
func serveConn(conn net.Conn, upstream string, delay time.Duration) {
	var logger model.Logger = &logx.PrefixLogger{
		Prefix: fmt.Sprintf("conn %s: ", uuid.NewString()),
		Logger: log.Log,
	}
	defer conn.Close()

	upconn, err := net.DialTimeout("tcp", upstream, 15*time.Second)
	if err != nil {
		logger.Warnf("dial upstream: %s", err.Error())
		return
	}
	delayed, err := delaysock.EstablishConn(delay, upconn)
	if err != nil {
		logger.Warnf("establish: %s", err.Error())
		_ = upconn.Close()
		return
	}
	defer delayed.Close()
	logger.Infof("forwarding %s through a %v delayed link", conn.RemoteAddr(), delay)

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(delayed, conn)
		_ = delayed.Close()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, delayed)
		_ = conn.Close()
	}()
	wg.Wait()
	logger.Info("done")
}
