// Command wsping connects to a WebSocket echo endpoint, sends numbered
// messages, and reports round-trip statistics. Point it at an echo
// server exposed through `slowlink serve` to observe the injected
// latency end to end.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/montanaflynn/stats"
	"github.com/slowlink/slowlink/internal/logx"
	"github.com/slowlink/slowlink/internal/runtimex"
)

func main() {
	count := flag.Int("count", 10, "number of messages to send")
	interval := flag.Duration("interval", 100*time.Millisecond, "pause between messages")
	timeout := flag.Duration("timeout", 10*time.Second, "per-message read timeout")
	url := flag.String("url", "ws://127.0.0.1:9999/", "WebSocket URL to dial")
	verbose := flag.Bool("verbose", false, "emit debug messages")
	flag.Parse()

	logHandler := logx.NewHandlerWithDefaultSettings()
	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	log.Log = &log.Logger{Level: level, Handler: logHandler}

	conn, _ := runtimex.Try2(websocket.DefaultDialer.Dial(*url, nil))
	defer conn.Close()
	log.Infof("wsping: connected to %s", *url)

	var rtts []float64
	for idx := 0; idx < *count; idx++ {
		payload := []byte(fmt.Sprintf("ping %d", idx))
		t0 := time.Now()
		runtimex.Try0(conn.WriteMessage(websocket.TextMessage, payload))
		runtimex.Try0(conn.SetReadDeadline(t0.Add(*timeout)))
		_, data, err := conn.ReadMessage()
		runtimex.PanicOnError(err, "wsping: read echo")
		rtt := time.Since(t0)
		log.Infof("wsping: seq=%d rtt=%v echo=%d bytes", idx, rtt, len(data))
		rtts = append(rtts, float64(rtt.Milliseconds()))
		time.Sleep(*interval)
	}

	log.Infof("wsping: min %.1f ms", runtimex.Try1(stats.Min(rtts)))
	log.Infof("wsping: mean %.1f ms", runtimex.Try1(stats.Mean(rtts)))
	log.Infof("wsping: median %.1f ms", runtimex.Try1(stats.Median(rtts)))
	log.Infof("wsping: p90 %.1f ms", runtimex.Try1(stats.Percentile(rtts, 90)))
}
