// chunkview runs the chunk lifecycle daemon: it serves configured
// precomputed volumes behind an HTTP API that accepts priority passes and
// reports scheduler state.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/janelia-flyem/chunkview/cview"
	"github.com/janelia-flyem/chunkview/server"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to TOML configuration file.
	configFile = flag.String("config", "", "")

	// Address for http communication, overriding the config file.
	httpAddress = flag.String("http", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Profile memory usage using standard gotest system.
	memprofile = flag.String("memprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
chunkview is a daemon that schedules volume chunk downloads under memory
and concurrency budgets and mirrors chunk state for rendering clients.

Usage: chunkview [options] serve

      -config     =string   Path to TOML configuration file.
      -http       =string   Address for HTTP communication (overrides config).
      -cpuprofile =string   Write CPU profile to this file.
      -memprofile =string   Write memory profile to this file on ctrl-C.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if *showHelp || flag.NArg() == 0 || flag.Args()[0] != "serve" {
		flag.Usage()
		os.Exit(0)
	}

	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	var config *server.Config
	var err error
	if *configFile != "" {
		config, err = server.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Error loading config: %v\n", err)
		}
	} else {
		config = &server.Config{}
		config.SetDefaults()
	}
	if *httpAddress != "" {
		config.Server.HTTPAddress = *httpAddress
	}
	if *runVerbose {
		config.Server.Verbose = true
	}

	service, err := server.New(context.Background(), config)
	if err != nil {
		log.Fatalf("Error starting service: %v\n", err)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		cview.Infof("Caught interrupt, shutting down...\n")
		if *memprofile != "" {
			f, err := os.Create(*memprofile)
			if err != nil {
				cview.Errorf("Could not create memory profile %q: %v\n", *memprofile, err)
			} else {
				pprof.WriteHeapProfile(f)
				f.Close()
			}
		}
		service.Shutdown()
		os.Exit(0)
	}()

	if err := service.ServeHTTP(); err != nil {
		log.Fatalf("Web server error: %v\n", err)
	}
	service.Shutdown()
}
