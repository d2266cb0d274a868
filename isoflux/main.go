// Command isoflux runs quasi-isothermal heat-balance calorimetry: it
// acquires synchronized cycles from the dual-ADC frontend, computes
// per-stage and cumulative thermal power and publishes the results to the
// terminal, the MQTT dashboard and Prometheus.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itohio/isoflux/pkg/adc"
	"github.com/itohio/isoflux/pkg/balance"
	"github.com/itohio/isoflux/pkg/config"
	"github.com/itohio/isoflux/pkg/pipeline"
	"github.com/itohio/isoflux/pkg/remote"
)

func main() {
	var (
		portFlag    = flag.String("p", "", "Serial port override (e.g. /dev/ttyACM0)")
		configFlag  = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag    = flag.Bool("mock", false, "Use mocked frontend instead of serial port")
		metricsFlag = flag.String("metrics", "", "Prometheus listen address (e.g. :9090), empty disables")
		listFlag    = flag.Bool("list-ports", false, "List available serial ports and exit")
	)
	flag.Parse()

	if *listFlag {
		ports, err := adc.Ports()
		if err != nil {
			log.Fatalf("Failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}

	var frontend adc.Frontend
	if *mockFlag {
		frontend, err = adc.NewMock(cfg)
		if err != nil {
			log.Fatalf("Failed to create mock frontend: %v", err)
		}
		fmt.Println("Using mocked frontend")
	} else {
		frontend = adc.NewSerial(cfg.Serial.Port, cfg.Serial.BaudRate,
			cfg.Acquisition.Channels, cfg.Acquisition.MaxSkew, cfg.Acquisition.Timeout)
	}

	if err := frontend.Connect(); err != nil {
		log.Fatalf("Failed to connect frontend: %v", err)
	}
	defer frontend.Close()

	coordinator, err := pipeline.New(cfg, frontend, prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	if *metricsFlag != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsFlag, nil); err != nil {
				log.Printf("Metrics listener failed: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Remote.Broker != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := remote.New(cfg.Remote, coordinator.Engine()).Run(ctx, coordinator.Results()); err != nil {
				log.Printf("Remote interface stopped: %v", err)
			}
		}()
	}

	// Terminal status report, refreshed at most once per second in the
	// manner of the original calibration output.
	var reportMu sync.Mutex
	lastReport := time.Now()
	coordinator.OnUpdate(func(result balance.CycleResult) {
		reportMu.Lock()
		defer reportMu.Unlock()
		if time.Since(lastReport) < time.Second {
			return
		}
		lastReport = time.Now()
		printReport(result, coordinator.Stats())
	})

	fmt.Printf("Heat balance measurement: %d stages, filter window %d cycles. Press CTRL-C to exit.\n",
		len(cfg.Topology), cfg.Filter.Window)

	if err := coordinator.Run(ctx); err != nil {
		log.Printf("Pipeline stopped: %v", err)
	}
	wg.Wait()
}

// printReport renders one cycle result plus the health counters.
func printReport(result balance.CycleResult, stats pipeline.Stats) {
	var b strings.Builder

	fmt.Fprintf(&b, "\033[2J\033[H") // Clear screen
	fmt.Fprintf(&b, "Cycle %s   consistent: %v\n\n",
		result.Timestamp.Format("15:04:05.000"), result.Consistent)

	for _, st := range result.Stages {
		status := "ok"
		if !st.Valid {
			status = "INVALID"
		}
		fmt.Fprintf(&b, "Stage %d  %s\n", st.Index, st.Name)
		fmt.Fprintf(&b, "    Inlet: %9.4f degC   Outlet: %9.4f degC   dT: %8.3f mK\n",
			st.InletTemp, st.OutletTemp, st.DeltaT*1000)
		fmt.Fprintf(&b, "    Power: %8.3f W   [%s]\n\n", st.Power, status)
	}

	fmt.Fprintf(&b, "Cumulative power: %8.3f W\n", result.CumulativePower)
	fmt.Fprintf(&b, "Cycles: %d   dropped: %d   invalid channels: %d   consistency violations: %d\n",
		stats.Cycles, stats.DroppedCycles, stats.InvalidChannels, stats.ConsistencyViolations)

	fmt.Print(b.String())
}
