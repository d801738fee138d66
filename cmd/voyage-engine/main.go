// voyage-engine runs the interception engine as a standalone process
// for local testing: raw IP datagrams are exchanged with the parent
// process over stdin/stdout with a 4-byte big-endian length prefix
// (standing in for the platform tunnel device), the engine is polled at
// the 50ms cadence the boundary contract expects, and the gRPC control
// plane is exposed for stats, rule reloads, and routing previews.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ZejiaJiang/voyage/internal/boundary"
	"github.com/ZejiaJiang/voyage/internal/config"
	"github.com/ZejiaJiang/voyage/internal/control"
	"github.com/ZejiaJiang/voyage/internal/corelog"
)

const pollInterval = 50 * time.Millisecond

// maxFrame bounds a single length-prefixed frame; anything larger than
// a jumbo datagram is a framing desync, not a packet.
const maxFrame = 65535

func main() {
	var (
		configPath  = flag.String("config", "voyage.yaml", "path to YAML configuration")
		rulesPath   = flag.String("rules", "", "path to routing rule file (overrides config)")
		socksAddr   = flag.String("socks", "", "upstream SOCKS5 server host:port (overrides config)")
		socksUser   = flag.String("socks-user", "", "SOCKS5 username")
		socksPass   = flag.String("socks-pass", "", "SOCKS5 password")
		controlAddr = flag.String("control", "127.0.0.1:7080", "control-plane gRPC listen address, empty to disable")
	)
	flag.Parse()

	if err := run(*configPath, *rulesPath, *socksAddr, *socksUser, *socksPass, *controlAddr); err != nil {
		fmt.Fprintf(os.Stderr, "voyage-engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, rulesPath, socksAddr, socksUser, socksPass, controlAddr string) error {
	cm := config.NewManager(configPath, corelog.Bus)
	if err := cm.Load(); err != nil {
		return err
	}
	cfg := cm.Get()

	corelog.Init(cfg.Log)
	defer corelog.Log.Close()

	host, port, err := resolveSocks(cfg, socksAddr)
	if err != nil {
		return err
	}
	user, pass := socksUser, socksPass
	if user == "" {
		user, pass = cfg.Proxy.SocksUsername, cfg.Proxy.SocksPassword
	}

	if err := boundary.Init(cfg, host, port, user, pass); err != nil {
		return err
	}
	defer boundary.Shutdown()

	if rulesPath == "" {
		rulesPath = cfg.Proxy.RulesPath
	}
	if rulesPath != "" {
		if err := loadRuleFile(rulesPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if controlAddr != "" {
		lis, err := net.Listen("tcp", controlAddr)
		if err != nil {
			return err
		}
		srvCh := make(chan *grpc.Server, 1)
		g.Go(func() error { return control.Serve(lis, srvCh) })
		srv := <-srvCh
		g.Go(func() error {
			<-ctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	// Responses returned inline by process_inbound are handed to the
	// outbound pump, which owns the stdout writer.
	responses := make(chan [][]byte, 64)
	g.Go(func() error { return pumpInbound(ctx, os.Stdin, responses) })
	g.Go(func() error { return pumpOutbound(ctx, os.Stdout, responses) })
	g.Go(func() error {
		// Unblock the inbound pump's pending read when shutting down.
		<-ctx.Done()
		os.Stdin.Close()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func resolveSocks(cfg config.Config, flagAddr string) (string, uint16, error) {
	addr := flagAddr
	if addr == "" {
		addr = cfg.Proxy.SocksAddress
	}
	if addr == "" {
		return "", 0, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid socks address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid socks port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

func loadRuleFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	count, err := boundary.LoadRules(f, func(line int, msg string) {
		corelog.Log.Warnf("rules", "%s:%d: %s", path, line, msg)
	})
	if err != nil {
		return err
	}
	corelog.Log.Infof("rules", "loaded %d rules from %s", count, path)
	return nil
}

// pumpInbound reads length-prefixed datagrams from r and feeds them to
// the engine; replies synthesized inline are forwarded to the outbound
// pump over responses so a single goroutine owns the output stream.
func pumpInbound(ctx context.Context, r io.Reader, responses chan<- [][]byte) error {
	br := bufio.NewReaderSize(r, 64*1024)
	lenBuf := make([]byte, 4)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(br, lenBuf); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n == 0 || n > maxFrame {
			return fmt.Errorf("bad frame length %d", n)
		}
		pkt := make([]byte, n)
		if _, err := io.ReadFull(br, pkt); err != nil {
			return err
		}
		out, err := boundary.ProcessInboundPacket(pkt)
		if err != nil {
			// Malformed packets are dropped and logged, never fatal.
			corelog.Log.Debugf("tunnel", "dropped packet: %v", err)
		}
		if len(out) > 0 {
			select {
			case responses <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// pumpOutbound drives the poll clock and writes every synthesized
// datagram back to the parent, length-prefixed.
func pumpOutbound(ctx context.Context, w io.Writer, responses <-chan [][]byte) error {
	bw := bufio.NewWriterSize(w, 64*1024)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	lenBuf := make([]byte, 4)

	writeFrames := func(pkts [][]byte) error {
		for _, pkt := range pkts {
			binary.BigEndian.PutUint32(lenBuf, uint32(len(pkt)))
			if _, err := bw.Write(lenBuf); err != nil {
				return err
			}
			if _, err := bw.Write(pkt); err != nil {
				return err
			}
		}
		if len(pkts) > 0 {
			return bw.Flush()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkts := <-responses:
			if err := writeFrames(pkts); err != nil {
				return err
			}
		case <-ticker.C:
			if err := boundary.PollCore(); err != nil {
				return err
			}
			pkts, err := boundary.GetOutboundPackets()
			if err != nil {
				return err
			}
			if err := writeFrames(pkts); err != nil {
				return err
			}
		}
	}
}
