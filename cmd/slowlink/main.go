//go:build linux

package main

//
// Main
//

import (
	"github.com/apex/log"
	"github.com/slowlink/slowlink/internal/logx"
	"github.com/slowlink/slowlink/internal/runtimex"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "slowlink",
		Short: "Transparent latency-injection TCP proxy for testing",
	}
	root.AddCommand(serveSubcommand())

	logHandler := logx.NewHandlerWithDefaultSettings()
	log.Log = &log.Logger{Level: log.InfoLevel, Handler: logHandler}

	err := root.Execute()
	runtimex.PanicOnError(err, "root.Execute")
}
