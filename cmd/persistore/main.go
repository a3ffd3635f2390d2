package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/systemshift/persistore/internal/config"
	storefuse "github.com/systemshift/persistore/internal/fuse"
	"github.com/systemshift/persistore/internal/heap"
	_ "github.com/systemshift/persistore/internal/payload"
	"github.com/systemshift/persistore/internal/persist"
)

func main() {
	var (
		dataDir    string
		configPath string
		outDir     string
		mountpoint string
		initStore  bool
		redump     bool
		history    bool
		verbose    bool
		noChecks   bool
		debugFuse  bool
	)

	flag.StringVar(&dataDir, "data", ".", "Store directory (contains manifest.json)")
	flag.StringVar(&configPath, "config", "", "Config file (default <data>/"+config.FileName+")")
	flag.BoolVar(&initStore, "init", false, "Write a fresh bootstrap store to -data")
	flag.BoolVar(&redump, "dump", false, "Load the store and dump it again")
	flag.StringVar(&outDir, "out", "", "Target directory for -dump (default -data)")
	flag.StringVar(&mountpoint, "mount", "", "Mount a read-only browser of the loaded store here")
	flag.BoolVar(&history, "history", false, "Print the dump journal")
	flag.BoolVar(&verbose, "v", false, "Log each phase")
	flag.BoolVar(&noChecks, "no-checksums", false, "Skip checksum verification on load")
	flag.BoolVar(&debugFuse, "debug-fuse", false, "Log FUSE requests")
	flag.Parse()

	cfg, err := config.Load(configPath, dataDir)
	if err != nil {
		log.Fatalf("persistore: %v", err)
	}
	if verbose {
		cfg.Verbose = true
	}
	constants, err := cfg.ConstantIDs()
	if err != nil {
		log.Fatalf("persistore: %v", err)
	}
	dumpOpts := persist.DumpOptions{
		Verbose:   cfg.Verbose,
		ToolID:    cfg.Tool,
		Constants: constants,
		NoBackup:  !cfg.KeepBackups(),
	}

	switch {
	case history:
		printHistory(dataDir)
		return

	case initStore:
		if _, err := os.Stat(persist.ManifestPath(dataDir)); err == nil {
			log.Fatalf("persistore: %s already holds a store", dataDir)
		}
		h, err := heap.Bootstrap()
		if err != nil {
			log.Fatalf("persistore: bootstrap: %v", err)
		}
		dump(h, dataDir, dumpOpts)
		return
	}

	log.Printf("persistore: loading store at %s", dataDir)
	start := time.Now()
	h, err := persist.Load(dataDir, persist.LoadOptions{
		Verbose:       cfg.Verbose,
		SkipChecksums: noChecks,
	})
	if err != nil {
		log.Fatalf("persistore: load failed: %v", err)
	}
	report(h, time.Since(start))

	if redump {
		target := outDir
		if target == "" {
			target = dataDir
		}
		dump(h, target, dumpOpts)
	}

	if mountpoint != "" {
		serve(h, mountpoint, debugFuse)
	}
}

func dump(h *heap.Heap, dir string, opts persist.DumpOptions) {
	stats, err := persist.Dump(h, dir, opts)
	if err != nil {
		log.Fatalf("persistore: dump failed: %v", err)
	}
	log.Printf("persistore: dumped %d objects in %d spaces to %s (%d transient skipped, manifest %s)",
		stats.Objects, stats.Spaces, dir, stats.Transient, stats.Manifest)
}

func report(h *heap.Heap, elapsed time.Duration) {
	perSpace := map[heap.ObjectID]int{}
	for _, obj := range h.Objects() {
		if sp := obj.Space(); !sp.IsNil() {
			perSpace[sp]++
		}
	}
	log.Printf("persistore: loaded %d objects in %s", h.Len(), elapsed.Round(time.Millisecond))
	spaces := make([]heap.ObjectID, 0, len(perSpace))
	for sp := range perSpace {
		spaces = append(spaces, sp)
	}
	heap.SortIDs(spaces)
	for _, sp := range spaces {
		fmt.Printf("space %s\t%d objects\n", sp, perSpace[sp])
	}
	fmt.Printf("roots\t%d\n", len(h.Roots()))
	for _, n := range h.Names() {
		fmt.Printf("name %s\t%s\n", n.Name, n.ID)
	}
	if plugins := h.Plugins(); len(plugins) > 0 {
		fmt.Printf("plugins\t%v\n", plugins)
	}
	fmt.Printf("payload types\t%s\n", strings.Join(heap.PayloadTypes(), " "))
}

func printHistory(dir string) {
	entries, err := persist.ReadJournal(dir)
	if err != nil {
		log.Fatalf("persistore: read journal: %v", err)
	}
	for _, e := range entries {
		fmt.Printf("%s\t%d spaces\t%d objects\t%s\n",
			e.Time.Local().Format(time.DateTime), e.Spaces, e.Objects, e.Manifest)
	}
}

func serve(h *heap.Heap, mountpoint string, debug bool) {
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		log.Fatalf("persistore: create mountpoint: %v", err)
	}
	server, err := storefuse.Mount(mountpoint, h, debug)
	if err != nil {
		log.Fatalf("persistore: mount failed: %v", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-done
		log.Println("persistore: shutting down...")
		server.Unmount()
	}()

	log.Printf("persistore: browsing at %s (pid %d)", mountpoint, os.Getpid())
	server.Wait()
	log.Println("persistore: stopped")
}
