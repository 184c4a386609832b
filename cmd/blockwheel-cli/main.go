// Package main is the bundled CLI host binary for blockwheel-kv: a thin
// cobra/dgroup shell that stands up a store, a version.Provider, and a
// blockwheelkv.KV, then drives exactly one operation per invocation.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	blockwheelkv "github.com/blockwheel/kv"
	"github.com/blockwheel/kv/kv"
	"github.com/blockwheel/kv/lib/diskio"
	"github.com/blockwheel/kv/lib/profile"
	"github.com/blockwheel/kv/lib/textui"
	"github.com/blockwheel/kv/version"
	"github.com/blockwheel/kv/wheels"
)

// logrusLevel maps a dlog.LogLevel, as chosen via --verbosity, onto the
// logrus.Level that backs the dlog.WrapLogrus logger each subcommand runs
// under.
func logrusLevel(lvl dlog.LogLevel) logrus.Level {
	switch lvl {
	case dlog.LogLevelError:
		return logrus.ErrorLevel
	case dlog.LogLevelWarn:
		return logrus.WarnLevel
	case dlog.LogLevelInfo:
		return logrus.InfoLevel
	case dlog.LogLevelDebug:
		return logrus.DebugLevel
	case dlog.LogLevelTrace:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// subcommand bundles a cobra.Command with a RunE that receives the
// already-running *blockwheelkv.KV, the way the teacher's inspectors and
// repairers each receive an already-opened *btrfs.FS.
type subcommand struct {
	cobra.Command
	RunE func(kv *blockwheelkv.KV, cmd *cobra.Command, args []string) error
}

var operations []subcommand

func main() {
	logLevel := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var storePathFlag string
	var startVersionFlag uint64
	var storeCacheBlockSize int64
	var storeCacheBlocks int

	params := blockwheelkv.DefaultParams()

	argparser := &cobra.Command{
		Use:   "blockwheel-cli {[flags]|SUBCOMMAND}",
		Short: "Inspect and drive a blockwheel-kv store",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() handles this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc handles it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevel, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&storePathFlag, "store-path", "",
		"append-only block store `file`; defaults to an in-memory store when unset")
	argparser.PersistentFlags().Uint64Var(&startVersionFlag, "start-version", 1,
		"version number to resume numbering from when --store-path names an empty or new file")
	argparser.PersistentFlags().Int64Var(&storeCacheBlockSize, "store-cache-block-size", 4096,
		"block size for --store-path's read cache")
	argparser.PersistentFlags().IntVar(&storeCacheBlocks, "store-cache-blocks", 64,
		"number of blocks to keep cached for --store-path; 0 disables the cache")
	argparser.PersistentFlags().IntVar(&params.TreeBlockSize, "tree-block-size", params.TreeBlockSize,
		"write-buffer size unit: the buffer flushes into a new tree after 4x this many writes")
	argparser.PersistentFlags().IntVar(&params.JobPoolSize, "job-pool-size", params.JobPoolSize,
		"worker goroutines for tree/butcher tasks")
	argparser.PersistentFlags().IntVar(&params.ManagerTaskRestartSec, "manager-restart-sec", params.ManagerTaskRestartSec,
		"seconds to wait before restarting a faulted manager")
	argparser.PersistentFlags().IntVar(&params.ButcherTaskRestartSec, "butcher-restart-sec", params.ButcherTaskRestartSec,
		"butcher restart delay in seconds; carried in the butcher's params, but no restart loop reads it")
	argparser.PersistentFlags().IntVar(&params.SearchTreeTaskRestartSec, "searchtree-restart-sec", params.SearchTreeTaskRestartSec,
		"search-tree restart delay in seconds; carried in the search-tree params, but no restart loop reads it")
	argparser.PersistentFlags().IntVar(&params.SearchTreeRemoveTasksLimit, "searchtree-remove-tasks-limit", params.SearchTreeRemoveTasksLimit,
		"demolish concurrency limit; carried in the search-tree params, but demolish does not read it")
	argparser.PersistentFlags().IntVar(&params.SearchTreeIterSendBuffer, "searchtree-iter-send-buffer", params.SearchTreeIterSendBuffer,
		"buffer size of the channel lookup-range results are delivered on")
	argparser.PersistentFlags().IntVar(&params.SearchTreeValuesInlineSizeLimit, "searchtree-values-inline-size-limit", params.SearchTreeValuesInlineSizeLimit,
		"values up to this size are stored inline in the tree block")
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile-")

	for _, cmd := range operations {
		cmd := cmd
		runE := cmd.RunE
		cmd.Command.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := logrus.New()
			logger.SetLevel(logrusLevel(logLevel.Level))
			ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				store, err := openStore(storePathFlag, storeCacheBlockSize, storeCacheBlocks)
				if err != nil {
					return err
				}
				vers := version.NewProvider(startVersionFlag)
				h := blockwheelkv.Run(ctx, grp, store, vers, params)
				cmd.SetContext(ctx)
				return runE(h, cmd, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(&cmd.Command)
	}

	err := argparser.ExecuteContext(context.Background())
	if stopErr := stopProfiling(); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

// openStore opens path as a FileStore, or builds a fresh MemStore when
// path is empty. Matches wheels.NewFileStore's contract: the caller is
// responsible for opening/creating the underlying file. Reads are served
// through an LRU block cache when cacheBlocks is positive, the same
// buffering lib/diskio gives the teacher's superblock/node readers.
func openStore(path string, cacheBlockSize int64, cacheBlocks int) (wheels.Store, error) {
	if path == "" {
		return wheels.NewMemStore(), nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "blockwheel-cli: open store file %q", path)
	}
	var file diskio.File[int64] = &diskio.OSFile[int64]{File: f}
	if cacheBlocks > 0 {
		file = diskio.NewBufferedFile(file, cacheBlockSize, cacheBlocks)
	}
	return wheels.NewFileStore(file), nil
}

func init() {
	var infoSpew bool
	infoCmd := subcommand{
		Command: cobra.Command{
			Use:   "info",
			Short: "print alive-cell and tombstone counts",
			Args:  cobra.NoArgs,
		},
		RunE: func(h *blockwheelkv.KV, cmd *cobra.Command, args []string) error {
			info, err := h.Info(cmd.Context())
			if err != nil {
				return err
			}
			if infoSpew {
				spew.Dump(info)
				return nil
			}
			fmt.Printf("alive cells: %d\ntombstones:  %d\n", info.AliveCellsCount, info.TombstonesCount)
			return nil
		},
	}
	infoCmd.Flags().BoolVar(&infoSpew, "spew", false, "dump the full kv.Info struct instead of a summary")

	operations = append(operations,
		infoCmd,
		subcommand{
			Command: cobra.Command{
				Use:   "insert KEY VALUE",
				Short: "insert or overwrite a key",
				Args:  cobra.ExactArgs(2),
			},
			RunE: func(h *blockwheelkv.KV, cmd *cobra.Command, args []string) error {
				key, err := parseKey(args[0])
				if err != nil {
					return err
				}
				ack, err := h.Insert(cmd.Context(), key, kv.Value(args[1]))
				if err != nil {
					return err
				}
				fmt.Printf("version: %d\n", ack.Version)
				return nil
			},
		},
		subcommand{
			Command: cobra.Command{
				Use:   "remove KEY",
				Short: "remove a key (tombstone)",
				Args:  cobra.ExactArgs(1),
			},
			RunE: func(h *blockwheelkv.KV, cmd *cobra.Command, args []string) error {
				key, err := parseKey(args[0])
				if err != nil {
					return err
				}
				ack, err := h.Remove(cmd.Context(), key)
				if err != nil {
					return err
				}
				fmt.Printf("version: %d\n", ack.Version)
				return nil
			},
		},
		subcommand{
			Command: cobra.Command{
				Use:   "lookup KEY",
				Short: "look up a single key",
				Args:  cobra.ExactArgs(1),
			},
			RunE: func(h *blockwheelkv.KV, cmd *cobra.Command, args []string) error {
				key, err := parseKey(args[0])
				if err != nil {
					return err
				}
				cell, err := h.Lookup(cmd.Context(), key)
				if err != nil {
					return err
				}
				printCell(key, cell)
				return nil
			},
		},
		subcommand{
			Command: cobra.Command{
				Use:   "lookup-range [FROM] [TO]",
				Short: "stream every key in [FROM, TO); omit both for a full scan",
				Args:  cobra.MaximumNArgs(2),
			},
			RunE: func(h *blockwheelkv.KV, cmd *cobra.Command, args []string) error {
				rng, err := parseRange(args)
				if err != nil {
					return err
				}
				sink, err := h.LookupRange(cmd.Context(), rng)
				if err != nil {
					return err
				}
				progress := textui.NewProgress[scanStats](cmd.Context(), dlog.LogLevelInfo, textui.Tunable(time.Second))
				defer progress.Done()
				var stats scanStats
				for pair := range sink {
					cell := pair.ValueCell
					printCell(pair.Key, &cell)
					stats.Scanned++
					progress.Set(stats)
				}
				return nil
			},
		},
		subcommand{
			Command: cobra.Command{
				Use:   "flush",
				Short: "force a full flush of the write buffer and every tree to the store",
				Args:  cobra.NoArgs,
			},
			RunE: func(h *blockwheelkv.KV, cmd *cobra.Command, args []string) error {
				if _, err := h.Flush(cmd.Context()); err != nil {
					return err
				}
				dlog.Debugf(cmd.Context(), "flush complete, %s", new(textui.LiveMemUse))
				fmt.Println("flushed")
				return nil
			},
		},
	)
}

// scanStats is logged once a second by lookup-range's textui.Progress so a
// long-running full scan still shows signs of life.
type scanStats struct {
	Scanned uint64
}

func (s scanStats) String() string { return fmt.Sprintf("scanned %d keys", s.Scanned) }

// parseKey accepts either a plain UTF-8 string or, when prefixed with
// "0x", a hex-encoded byte string, so binary keys remain reachable from a
// shell.
func parseKey(s string) (kv.Key, error) {
	if len(s) > 2 && s[:2] == "0x" {
		b, err := hex.DecodeString(s[2:])
		if err != nil {
			return nil, errors.Wrap(err, "blockwheel-cli: decode hex key")
		}
		return kv.Key(b), nil
	}
	return kv.Key(s), nil
}

func parseRange(args []string) (kv.Range, error) {
	rng := kv.RangeFull()
	if len(args) > 0 && args[0] != "" {
		k, err := parseKey(args[0])
		if err != nil {
			return rng, err
		}
		rng.Lo = kv.Bound{Kind: kv.Inclusive, Key: k}
	}
	if len(args) > 1 && args[1] != "" {
		k, err := parseKey(args[1])
		if err != nil {
			return rng, err
		}
		rng.Hi = kv.Bound{Kind: kv.Exclusive, Key: k}
	}
	return rng, nil
}

func printCell(key kv.Key, cell *kv.ValueCell[kv.Value]) {
	if cell == nil {
		fmt.Printf("%s: (not found)\n", key)
		return
	}
	if cell.Cell.Tombstone {
		fmt.Printf("%s: (tombstone, version %d)\n", key, cell.Version)
		return
	}
	fmt.Printf("%s: %q (version %d)\n", key, []byte(cell.Cell.Value), cell.Version)
}
