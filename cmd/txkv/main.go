// Command txkv reads and writes a txkv database from the shell.
//
//	txkv --path ./data put greeting hello
//	txkv --path ./data range --start a --end m
//	txkv --config txkv.json bench --writers 8 --ops 10000
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/eigerco/txkv/pkg/future"
	"github.com/eigerco/txkv/pkg/kv"
	"github.com/eigerco/txkv/pkg/log"
)

type cli struct {
	Config   string `help:"JSON options file." type:"existingfile"`
	Path     string `help:"Database path; overrides the options file."`
	Engine   string `help:"Storage engine: pebble, leveldb or bbolt."`
	Store    string `help:"Store name." default:""`
	Encoding string `help:"Value encoding: msgpack, json, string or binary." default:"string"`
	LogLevel string `help:"Log level." default:"warn"`

	Put struct {
		Key     string  `arg:"" help:"Key to write."`
		Value   string  `arg:"" help:"Value to write."`
		Version float64 `help:"Version stored with the value."`
	} `cmd:"" help:"Write one key."`

	Get struct {
		Key string `arg:"" help:"Key to read."`
	} `cmd:"" help:"Read one key."`

	Remove struct {
		Key string `arg:"" help:"Key to remove."`
	} `cmd:"" help:"Remove one key."`

	Range struct {
		Start   string `help:"First key."`
		End     string `help:"Key to stop before."`
		Reverse bool   `help:"Iterate from high to low keys."`
		Limit   int    `help:"Maximum number of entries."`
	} `cmd:"" help:"List a key range."`

	Bench struct {
		Writers int `help:"Concurrent writers." default:"4"`
		Ops     int `help:"Writes per writer." default:"10000"`
	} `cmd:"" help:"Measure write throughput."`
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "txkv: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("txkv"),
		kong.Description("Embedded transactional key-value store."),
		kong.Writers(out, os.Stderr),
	)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	level, err := log.ParseLogLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.Init(log.Options{LogLevel: level, Type: log.ConsoleLogger, Output: os.Stderr})

	opts, err := c.options()
	if err != nil {
		return err
	}
	env, err := kv.Open(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(); err != nil {
			log.Root.Error().Err(err).Msg("Close failed")
		}
	}()
	store, err := env.OpenStore(kv.StoreOptions{Name: c.Store, Encoding: c.Encoding, UseVersions: true})
	if err != nil {
		return err
	}

	switch ctx.Command() {
	case "put <key> <value>":
		_, err = store.Put(c.Put.Key, c.Put.Value, kv.WithVersion(c.Put.Version)).Get()
		return err
	case "get <key>":
		e, err := store.GetEntry(c.Get.Key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%v\t%v\t%g\n", e.Key, e.Value, e.Version)
		return nil
	case "remove <key>":
		_, err = store.Remove(c.Remove.Key).Get()
		return err
	case "range":
		return c.listRange(store, out)
	case "bench":
		return c.bench(env, store, out)
	}
	return fmt.Errorf("unknown command %q", ctx.Command())
}

func (c *cli) options() (kv.Options, error) {
	opts := kv.DefaultOptions()
	if c.Config != "" {
		var err error
		if opts, err = kv.LoadOptions(c.Config); err != nil {
			return opts, err
		}
	}
	if c.Path != "" {
		opts.Path = c.Path
	}
	if c.Engine != "" {
		opts.Engine = kv.EngineKind(strings.ToLower(c.Engine))
	}
	if opts.Path == "" {
		return opts, fmt.Errorf("a database path is required")
	}
	return opts, opts.Validate()
}

func (c *cli) listRange(store *kv.Store, out io.Writer) error {
	ro := kv.RangeOptions{Reverse: c.Range.Reverse, Limit: c.Range.Limit}
	if c.Range.Start != "" {
		ro.Start = c.Range.Start
	}
	if c.Range.End != "" {
		ro.End = c.Range.End
	}
	for e, err := range store.GetRange(ro).All() {
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%v\t%v\n", e.Key, e.Value)
	}
	return nil
}

func (c *cli) bench(env *kv.Environment, store *kv.Store, out io.Writer) error {
	start := time.Now()
	g, _ := errgroup.WithContext(context.Background())
	for w := 0; w < c.Bench.Writers; w++ {
		g.Go(func() error {
			futs := make([]*future.Future[bool], 0, c.Bench.Ops)
			for i := 0; i < c.Bench.Ops; i++ {
				futs = append(futs, store.Put(fmt.Sprintf("bench/%03d/%08d", w, i), "x"))
			}
			for _, f := range futs {
				if _, err := f.Get(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	total := c.Bench.Writers * c.Bench.Ops
	stats := env.Stats()

	log.Root.Info().Int("writes", total).Dur("elapsed", elapsed).Msg("Bench finished")
	fmt.Fprintf(out, "%d writes in %s (%.0f/s), %d batches, max queued %d, backpressure waits %d\n",
		total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds(),
		stats.Committer.Batches, stats.Channel.MaxOutstanding, stats.Channel.BackpressureWaits)
	return nil
}
