// Command rdmping is a small harness exercising an rdm.Endpoint's send/recv
// round trip end to end over a real UDP socket, in the spirit of
// ping/ping.go's sendPings: fire a configurable count of messages at a peer,
// tally their send completions, and print a success rate. It also serves Prometheus
// metrics over /metrics (internal/instrument), following
// server/internal/decoy.go's instrument.* call pattern exposed via the
// stdlib-adjacent promhttp handler that ships with client_golang.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/katzenpost/rdm/internal/statefile"
	"github.com/katzenpost/rdm/rdm"
	"github.com/katzenpost/rdm/transport/udpfabric"
)

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:0", "local UDP listen address")
	peerAddr := flag.String("peer", "", "peer UDP address to ping (empty: receive-only)")
	count := flag.Int("count", 10, "number of pings to send")
	size := flag.Int("size", 64, "ping payload size in bytes")
	cfgPath := flag.String("config", "", "TOML config file (optional; defaults used otherwise)")
	metricsAddr := flag.String("metrics", "", "address to serve /metrics on (empty: disabled)")
	statePath := flag.String("state", "", "encrypted peer-state snapshot file (optional)")
	statePass := flag.String("state-passphrase", "", "passphrase for -state")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "rdmping"})

	cfg := rdm.DefaultConfig()
	if *cfgPath != "" {
		var err error
		cfg, err = rdm.LoadConfig(*cfgPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Infof("serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	main, err := udpfabric.New(*listenAddr)
	if err != nil {
		logger.Fatalf("bind udp: %v", err)
	}
	defer main.Close()

	ep := rdm.NewEndpoint(cfg, main, nil, os.Stderr)

	var store *statefile.Store
	if *statePath != "" {
		store, err = statefile.Open(*statePath, []byte(*statePass))
		if err != nil {
			logger.Fatalf("open state: %v", err)
		}
		defer store.Close()
		if err := ep.RestorePeers(store); err != nil {
			logger.Warnf("restore peer state: %v", err)
		}
	}

	logger.Infof("listening on %s", main.LocalAddr().String())

	if *peerAddr == "" {
		serveForever(ep, logger)
		return
	}

	runPings(ep, rdm.NewAddr([]byte(*peerAddr)), *count, *size, logger)

	if store != nil {
		if err := ep.SnapshotPeers(store); err != nil {
			logger.Warnf("snapshot peer state: %v", err)
		}
	}
}

// runPings sends count messages of size bytes to peer and reports a
// pass/fail tally of their send completions like ping.go's sendPings. It
// posts no receives; the peer sends nothing back.
func runPings(ep *rdm.Endpoint, peer rdm.Addr, count, size int, logger *log.Logger) {
	passed, failed := 0, 0
	pending := make(map[interface{}]time.Time, count)

	for i := 0; i < count; i++ {
		payload := make([]byte, size)
		for j := range payload {
			payload[j] = byte(i)
		}
		opCtx := i
		if err := ep.Send(&rdm.SendRequest{
			Op: rdm.TxOpSend, Peer: peer, IOV: [][]byte{payload}, OpCtx: opCtx,
		}); err != nil && err != rdm.ErrAgain {
			logger.Errorf("send %d: %v", i, err)
			failed++
			continue
		}
		pending[opCtx] = time.Now()
	}

	deadline := time.Now().Add(10 * time.Second)
	now := uint64(0)
	for len(pending) > 0 && time.Now().Before(deadline) {
		ep.Progress(now)
		now++
		for _, c := range ep.DrainCompletions(0) {
			if _, ok := pending[c.OpContext]; !ok {
				continue
			}
			delete(pending, c.OpContext)
			if c.Err != nil {
				failed++
				fmt.Print("~")
			} else {
				passed++
				fmt.Print("!")
			}
		}
		time.Sleep(time.Millisecond)
	}
	failed += len(pending)
	fmt.Println()
	total := passed + failed
	if total == 0 {
		return
	}
	fmt.Printf("Success rate is %.2f percent (%d/%d)\n", 100*float64(passed)/float64(total), passed, total)
}

// serveForever runs a receive-only progress loop, posting fresh recv
// buffers as completions drain so the process can keep accepting pings
// indefinitely. It sends nothing back.
func serveForever(ep *rdm.Endpoint, logger *log.Logger) {
	const bufSize = 65536
	post := func() {
		buf := make([]byte, bufSize)
		if _, err := ep.Recv(&rdm.RecvRequest{Wildcard: true, IOV: [][]byte{buf}}); err != nil && err != rdm.ErrAgain {
			logger.Errorf("post recv: %v", err)
		}
	}
	for i := 0; i < 64; i++ {
		post()
	}
	var now uint64
	for {
		ep.Progress(now)
		now++
		for range ep.DrainCompletions(0) {
			post()
		}
		time.Sleep(time.Millisecond)
	}
}
