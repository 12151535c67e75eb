package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/phuslu/log"

	"github.com/matteso1/kvs/internal/bench"
	"github.com/matteso1/kvs/internal/metrics"
	"github.com/matteso1/kvs/internal/storage"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `kvs - Log-structured key-value store

Usage:
  kvs [-dir DIR] [-config FILE] [-v] <command> [args]

Commands:
  set KEY VALUE   Set the value of a key
  get KEY         Print the value of a key
  rm KEY          Remove a key
  compact         Rewrite live keys and reclaim space
  stats           Show store statistics
  bench           Compare throughput against Pebble and Badger
  version         Show the version
  help            Show this help

Examples:
  kvs set name alice
  kvs get name
  kvs -dir /var/lib/kvs rm name
  kvs stats -metrics`)
}

// cli carries the parsed global flags and output streams.
type cli struct {
	dir    string
	config storage.Config
	logger *log.Logger
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kvs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }
	dir := fs.String("dir", ".", "Data directory")
	configPath := fs.String("config", "", "JSON config file (optional)")
	verbose := fs.Bool("v", false, "Log engine events to stderr")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		printUsage(stderr)
		return 1
	}

	logger := &log.Logger{
		Level:  log.WarnLevel,
		Writer: &log.IOWriter{Writer: stderr},
	}
	if *verbose {
		logger.Level = log.DebugLevel
	}

	config := storage.DefaultConfig()
	if *configPath != "" {
		var err error
		config, err = storage.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	config.Logger = logger

	c := &cli{dir: *dir, config: config, logger: logger, stdout: stdout, stderr: stderr}

	command, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch command {
	case "set":
		err = c.setCmd(rest)
	case "get":
		err = c.getCmd(rest)
	case "rm":
		err = c.rmCmd(rest)
	case "compact":
		err = c.compactCmd(rest)
	case "stats":
		err = c.statsCmd(rest)
	case "bench":
		err = c.benchCmd(rest)
	case "version":
		fmt.Fprintf(stdout, "kvs %s\n", version)
	case "help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return 1
	}

	if err != nil {
		// rm of an absent key is reported on stdout like the get miss
		if errors.Is(err, storage.ErrKeyNotFound) {
			fmt.Fprintln(stdout, "Key not found")
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// withStore opens the store, runs fn and closes the store.
func (c *cli) withStore(fn func(*storage.Store) error) (err error) {
	store, err := storage.Open(c.dir, c.config)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, store.Close())
	}()
	return fn(store)
}

func expectArgs(command string, args []string, n int, usage string) error {
	if len(args) != n {
		return errors.Newf("%s expects %d argument(s): kvs %s %s", command, n, command, usage)
	}
	return nil
}

func (c *cli) setCmd(args []string) error {
	if err := expectArgs("set", args, 2, "KEY VALUE"); err != nil {
		return err
	}
	return c.withStore(func(s *storage.Store) error {
		return s.Set(args[0], args[1])
	})
}

func (c *cli) getCmd(args []string) error {
	if err := expectArgs("get", args, 1, "KEY"); err != nil {
		return err
	}
	return c.withStore(func(s *storage.Store) error {
		value, found, err := s.Get(args[0])
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(c.stdout, "Key not found")
			return nil
		}
		fmt.Fprintln(c.stdout, value)
		return nil
	})
}

func (c *cli) rmCmd(args []string) error {
	if err := expectArgs("rm", args, 1, "KEY"); err != nil {
		return err
	}
	return c.withStore(func(s *storage.Store) error {
		return s.Remove(args[0])
	})
}

func (c *cli) compactCmd(args []string) error {
	if err := expectArgs("compact", args, 0, ""); err != nil {
		return err
	}
	return c.withStore(func(s *storage.Store) error {
		result, err := s.Compact()
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Compacted %d key(s): %d -> %d bytes (%d segment(s) retired) in %s\n",
			result.LiveKeys, result.BytesBefore, result.BytesAfter, result.SegmentsRetired,
			result.Duration.Round(time.Microsecond))
		return nil
	})
}

func (c *cli) statsCmd(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	prom := fs.Bool("metrics", false, "Print Prometheus metrics instead")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m := metrics.NewMetrics()
	c.config.Metrics = m

	return c.withStore(func(s *storage.Store) error {
		if *prom {
			return m.WriteText(c.stdout)
		}

		stats := s.Stats()
		fmt.Fprintf(c.stdout, "Directory:       %s\n", s.Dir())
		fmt.Fprintf(c.stdout, "Keys:            %d\n", stats.Keys)
		fmt.Fprintf(c.stdout, "Segments:        %d (writable: %d)\n", stats.Segments, stats.ActiveSegment)
		fmt.Fprintf(c.stdout, "Disk bytes:      %d\n", stats.DiskBytes)
		fmt.Fprintf(c.stdout, "Live bytes:      %d\n", stats.LiveBytes)
		fmt.Fprintf(c.stdout, "Stale bytes:     %d\n", stats.StaleBytes)
		return nil
	})
}

func (c *cli) benchCmd(args []string) error {
	w := bench.DefaultWorkload()

	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	engine := fs.String("engine", "all", "Backend to run (kvs, pebble, badger or all)")
	fs.IntVar(&w.Ops, "ops", w.Ops, "Number of operations")
	fs.IntVar(&w.Keys, "keys", w.Keys, "Size of the key space")
	fs.IntVar(&w.ValueSize, "value-size", w.ValueSize, "Value size in bytes")
	fs.Float64Var(&w.ReadRatio, "read-ratio", w.ReadRatio, "Fraction of gets")
	fs.Float64Var(&w.RemoveRatio, "remove-ratio", w.RemoveRatio, "Fraction of removes")
	fs.Int64Var(&w.Seed, "seed", w.Seed, "Random seed")
	sync := fs.Bool("sync", false, "Fsync every write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	names := []string{*engine}
	if *engine == "all" {
		names = bench.Backends()
	}

	for _, name := range names {
		dir, err := os.MkdirTemp("", "kvs-bench-"+name+"-*")
		if err != nil {
			return errors.Wrap(err, "create bench directory")
		}

		result, err := c.benchOne(name, dir, w, *sync)
		os.RemoveAll(dir)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, result)
	}
	return nil
}

func (c *cli) benchOne(name, dir string, w bench.Workload, sync bool) (result bench.Result, err error) {
	kv, err := bench.Open(name, dir, bench.Options{Sync: sync, Logger: c.logger})
	if err != nil {
		return bench.Result{}, err
	}
	defer func() {
		err = errors.CombineErrors(err, kv.Close())
	}()

	c.logger.Info().Str("engine", name).Int("ops", w.Ops).Msg("running workload")
	return bench.Run(kv, w)
}
