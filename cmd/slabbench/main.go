package main

import (
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
	"unsafe"

	"src.userspace.com.au/logger"
	"src.userspace.com.au/slabcache/allocator"
	"src.userspace.com.au/slabcache/rseq"
	"src.userspace.com.au/slabcache/store"
)

var (
	version string
	log     logger.Logger
)

// Cache vars
var (
	debug      bool
	shift      int
	numClasses int
	cpus       int
	resizes    int
)

// Bench vars
var (
	workers     int
	duration    time.Duration
	showVersion bool
)

// Store vars
var (
	dsn         string
	httpAddress string
	noHTTP      bool
)

// Exported vars
var (
	benchAllocs     = expvar.NewInt("allocs")
	benchFrees      = expvar.NewInt("frees")
	benchOverflows  = expvar.NewInt("overflows")
	benchUnderflows = expvar.NewInt("underflows")
	start           = time.Now()
)

func uptime() interface{} {
	return int64(time.Since(start).Seconds())
}

func main() {
	flag.BoolVar(&debug, "debug", false, "show debug output")
	flag.IntVar(&shift, "shift", 18, "per-CPU region shift (15-19)")
	flag.IntVar(&numClasses, "classes", 8, "number of size classes")
	flag.IntVar(&cpus, "cpus", 0, "virtual CPUs (0 = machine CPUs)")
	flag.IntVar(&resizes, "resizes", 0, "live resizes to perform during the run")

	flag.IntVar(&workers, "workers", 4, "worker goroutines")
	flag.DurationVar(&duration, "duration", 10*time.Second, "run duration")

	flag.StringVar(&dsn, "dsn", "file:slabbench.db?cache=shared", "store DSN")
	flag.StringVar(&httpAddress, "http", "localhost:6880", "stats listening address")
	flag.BoolVar(&noHTTP, "no-http", false, "disable the stats endpoint")

	flag.BoolVar(&showVersion, "v", false, "show version")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logOpts := &logger.Options{
		Name:  "slabbench",
		Level: logger.Info,
	}
	if debug {
		logOpts.Level = logger.Debug
	}
	log = logger.New(logOpts)
	log.Info("version", version)
	log.Debug("debugging")

	expvar.Publish("uptime", expvar.Func(uptime))

	st, err := store.New(dsn)
	if err != nil {
		log.Error("failed to connect store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := rseq.NewRegistry(cpus)
	alloc, err := allocator.New(reg,
		allocator.SetLogger(log.Named("allocator")),
		allocator.SetShift(uint8(shift)),
		allocator.SetClasses(allocator.DefaultClasses(numClasses)),
	)
	if err != nil {
		log.Error("failed to create allocator", "error", err)
		os.Exit(1)
	}
	defer alloc.Close()

	run := &store.Run{
		Started:    start,
		Version:    version,
		Shift:      uint8(shift),
		NumClasses: numClasses,
		Workers:    workers,
	}
	if err := st.SaveRun(run); err != nil {
		log.Error("failed to save run", "error", err)
		os.Exit(1)
	}
	log.Info("run started", "id", run.ID, "cpus", reg.NumCPUs())

	if !noHTTP {
		http.HandleFunc("/stats", statsHandler)
		sock, err := net.Listen("tcp", httpAddress)
		if err != nil {
			log.Error("failed to listen", "error", err)
			os.Exit(1)
		}
		go func() {
			log.Info("stats available", "address", httpAddress)
			http.Serve(sock, nil)
		}()
	}

	stop := make(chan struct{})
	go alloc.Balance(stop)
	go snapshotLoop(st, alloc, run.ID, stop)
	if resizes > 0 {
		go resizeLoop(alloc, stop)
	}

	var wg sync.WaitGroup
	deadline := time.Now().Add(duration)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			work(alloc, reg.RegisterThread(), seed, deadline)
		}(int64(i))
	}
	wg.Wait()
	close(stop)

	final := alloc.Stats()
	usage := alloc.Slab().MetadataMemoryUsage()
	if err := st.SaveSnapshot(&store.Snapshot{
		RunID:         run.ID,
		Taken:         time.Now(),
		Stats:         final,
		VirtualBytes:  uint64(usage.VirtualSize),
		ResidentBytes: uint64(usage.ResidentSize),
	}); err != nil {
		log.Error("failed to save snapshot", "error", err)
	}
	log.Info("done",
		"pushes", final.Pushes, "pops", final.Pops,
		"overflows", final.Overflows, "underflows", final.Underflows,
		"resident", usage.ResidentSize)
}

// work hammers the cache: allocate a handful of objects of mixed
// sizes, keep a small working set, free in bursts.
func work(alloc *allocator.Allocator, t *rseq.Thread, seed int64, deadline time.Time) {
	rng := rand.New(rand.NewSource(seed))
	type held struct {
		p    unsafe.Pointer
		size int
	}
	var set []held
	for time.Now().Before(deadline) {
		for i := 0; i < 64; i++ {
			size := 16 << uint(rng.Intn(6))
			p := alloc.Alloc(t, size)
			if p == nil {
				benchUnderflows.Add(1)
				continue
			}
			benchAllocs.Add(1)
			set = append(set, held{p: p, size: size})
		}
		for len(set) > 16 {
			h := set[len(set)-1]
			set = set[:len(set)-1]
			alloc.Free(t, h.p, h.size)
			benchFrees.Add(1)
		}
	}
	for _, h := range set {
		alloc.Free(t, h.p, h.size)
		benchFrees.Add(1)
	}
}

func snapshotLoop(st store.Store, alloc *allocator.Allocator, runID string, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			usage := alloc.Slab().MetadataMemoryUsage()
			err := st.SaveSnapshot(&store.Snapshot{
				RunID:         runID,
				Taken:         time.Now(),
				Stats:         alloc.Stats(),
				VirtualBytes:  uint64(usage.VirtualSize),
				ResidentBytes: uint64(usage.ResidentSize),
			})
			if err != nil {
				log.Error("failed to save snapshot", "error", err)
			}
		}
	}
}

// resizeLoop flips the region shift up and down while the workers run.
func resizeLoop(alloc *allocator.Allocator, stop <-chan struct{}) {
	interval := duration / time.Duration(resizes+1)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if done >= resizes {
				return
			}
			cur := alloc.Slab().Shift()
			next := cur + 1
			if done%2 == 1 {
				next = cur - 1
			}
			if err := alloc.Resize(next); err != nil {
				log.Error("resize failed", "error", err)
				return
			}
			done++
			log.Info("resized", "shift", next)
		}
	}
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	// Bench counters only; the expvar built-ins are noise here.
	vars := make(map[string]json.RawMessage)
	expvar.Do(func(kv expvar.KeyValue) {
		switch kv.Key {
		case "cmdline", "memstats":
			return
		}
		vars[kv.Key] = json.RawMessage(kv.Value.String())
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(200)
	if err := json.NewEncoder(w).Encode(vars); err != nil {
		log.Error("failed to write stats", "error", err)
	}
}
