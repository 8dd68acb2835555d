package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/darvell/motorlink/internal/battery"
	"github.com/darvell/motorlink/internal/clock"
	"github.com/darvell/motorlink/internal/cmd"
	"github.com/darvell/motorlink/internal/config"
	"github.com/darvell/motorlink/internal/events"
	"github.com/darvell/motorlink/internal/isr"
	"github.com/darvell/motorlink/internal/link"
	"github.com/darvell/motorlink/internal/server"
	"github.com/darvell/motorlink/internal/uart"
	"github.com/darvell/motorlink/internal/vgear"
	"github.com/darvell/motorlink/web"
)

// isrTickInterval is the ISR-side poll period. Real hardware feeds the
// parsers byte-by-byte from a UART interrupt; lacking that here, the ISR
// goroutine polls the transport at this rate, within the 5 ms ceiling
// the platform contract allows (§4.2).
const isrTickInterval = 5 * time.Millisecond

// linkTickInterval drives the link manager's own internal cadences
// (100/120/250/500 ms); it only needs to run faster than the fastest of
// those.
const linkTickInterval = 20 * time.Millisecond

func main() {
	configPath := flag.String("config", "/etc/motorlink/config.yaml", "Path to persisted motor config")
	dashConfigPath := flag.String("dashboard-config", "/etc/motorlink/dashboard.yaml", "Path to dashboard config")
	portPath := flag.String("port", "/dev/ttyUSB0", "Serial port device path")
	baud := flag.Int("baud", 9600, "Initial UART baud rate")
	demo := flag.Bool("demo", false, "Run against an in-process loopback transport instead of a real serial port")
	listenAddr := flag.String("listen", "", "Override dashboard listen address (e.g. :8080)")
	assistGears := flag.Int("gears", 5, "Virtual assist gear count")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] motorlink starting")

	motorCfg := config.Load(*configPath)
	dashCfg := server.LoadConfig(*dashConfigPath)
	if *listenAddr != "" {
		dashCfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var port uart.Port
	if *demo {
		lb := uart.NewLoopback()
		lb.SetReady(true)
		port = lb
		log.Println("[main] using loopback transport (demo mode)")
	} else {
		port = uart.NewSerialPort(*portPath, *baud)
		go connectWithRetry(ctx, "uart", port, 10)
	}

	clk := clock.NewSystem()
	eq := events.New(64)
	isrCh := isr.New(port, clk, eq)
	adc := battery.NewStatic()
	gears := vgear.New(*assistGears, vgear.Linear, vgear.MinQ15, vgear.MaxQ15)

	proc := cmd.NewProcessor(eq, isrCh, motorCfg, adc, gears)
	mgr := link.New(isrCh, motorCfg, proc, port)
	proc.SetLinkSwitcher(mgr)

	go runCoreLoop(ctx, clk, isrCh, proc, mgr)

	srv := server.New(dashCfg, proc, mgr, isrCh, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// runCoreLoop drives the ISR tick, event drain, and link tick at their
// respective rates, mirroring the hardware timer/interrupt split the
// core was designed around (§2, §4.2-§4.5).
func runCoreLoop(ctx context.Context, clk *clock.System, isrCh *isr.Channel, proc *cmd.Processor, mgr *link.Manager) {
	isrTicker := time.NewTicker(isrTickInterval)
	linkTicker := time.NewTicker(linkTickInterval)
	defer isrTicker.Stop()
	defer linkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-isrTicker.C:
			now := clk.NowMs()
			isrCh.Tick(now)
			proc.Poll(now)
		case <-linkTicker.C:
			mgr.Tick(clk.NowMs())
		}
	}
}

// connectable is satisfied by uart.Port's lifecycle methods.
type connectable interface {
	Open() error
	Close() error
}

// connectWithRetry attempts to open the transport with exponential
// backoff, starting at 1s and doubling to a 60s ceiling, the same shape
// as the teacher's ECU/GPS connection retry.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Open(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
