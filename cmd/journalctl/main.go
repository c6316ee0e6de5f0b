// journalctl is an interactive CLI for driving a journal against a set of
// simulated devices.
//
// Usage:
//
//	journalctl --dev dev0.img --dev dev1.img [--sb super.json] [--config journal.jsonc]
//
// Commands (in REPL):
//
//	res <min> <max>   Reserve, write a dummy entry, and release
//	meta              Reserve+release a no-op entry and flush it
//	flush [seq]       Flush the given seq, or the current one
//	dump              Show journal internal state
//	pins              Show live pins
//	help              Show this help
//	exit / quit / q   Exit
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/coalescefs/journal/pkg/journal"
	"github.com/coalescefs/journal/pkg/journal/devsim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type deviceList []string

func (d *deviceList) String() string     { return strings.Join(*d, ",") }
func (d *deviceList) Set(v string) error { *d = append(*d, v); return nil }
func (d *deviceList) Type() string       { return "stringList" }

func run() error {
	fs := flag.NewFlagSet("journalctl", flag.ExitOnError)

	var devs deviceList

	fs.VarP(&devs, "dev", "d", "backing file for a simulated device (repeatable)")
	sbPath := fs.StringP("sb", "s", "", "superblock path (default: <first dev dir>/super.json)")
	bucketSize := fs.IntP("bucket-size", "b", 256*1024, "bucket size in bytes")
	configPath := fs.StringP("config", "c", "", "journal config file (JSONC)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: journalctl --dev <file> [--dev <file> ...] [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if len(devs) == 0 {
		fs.Usage()

		return errors.New("at least one --dev is required")
	}

	if *sbPath == "" {
		*sbPath = filepath.Join(filepath.Dir(devs[0]), "super.json")
	}

	cfg := journal.DefaultConfig()
	cfg.BucketSize = *bucketSize

	if *configPath != "" {
		loaded, err := journal.LoadConfig(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cfg = loaded
	}

	backend := devsim.New(*sbPath)
	defer backend.Close()

	j := journal.New(cfg, backend, backend, backend, backend)

	for i, path := range devs {
		if err := backend.AddDevice(i, path, cfg.BucketSize); err != nil {
			return fmt.Errorf("adding device %d (%s): %w", i, path, err)
		}

		j.AddDevice(i)
	}

	if err := j.Start(context.Background(), nil); err != nil {
		return fmt.Errorf("starting journal: %w", err)
	}
	defer j.Stop()

	repl := &REPL{j: j, devCount: len(devs)}

	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	j        *journal.Journal
	devCount int
	liner    *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".journalctl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("journalctl - journal CLI (%d device(s))\n", r.devCount)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("journalctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil
		case "help", "?":
			r.printHelp()
		case "res":
			r.cmdRes(args)
		case "meta":
			r.cmdMeta()
		case "flush":
			r.cmdFlush(args)
		case "dump":
			fmt.Print(r.j.Dump())
		case "pins":
			fmt.Print(r.j.PrintPins())
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{"res", "meta", "flush", "dump", "pins", "help", "exit", "quit", "q"}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  res <min> <max>   Reserve, write a dummy entry, and release")
	fmt.Println("  meta              Reserve+release a no-op entry and flush it")
	fmt.Println("  flush [seq]       Flush the given seq, or the current one")
	fmt.Println("  dump              Show journal internal state")
	fmt.Println("  pins              Show live pins")
	fmt.Println("  help              Show this help")
	fmt.Println("  exit / quit / q   Exit")
}

func (r *REPL) cmdRes(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: res <min> <max>")

		return
	}

	min, err := strconv.Atoi(args[0])
	if err != nil || min < 1 {
		fmt.Println("min must be a positive integer")

		return
	}

	max, err := strconv.Atoi(args[1])
	if err != nil || max < min {
		fmt.Println("max must be an integer >= min")

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticket, err := r.j.ResGet(ctx, uint32(min), uint32(max))
	if err != nil {
		fmt.Printf("ResGet error: %v\n", err)

		return
	}

	r.j.WriteKeys(ticket, make([]uint64, ticket.U64s))
	r.j.ResPut(ticket)

	fmt.Printf("OK: seq=%d offset=%d u64s=%d\n", ticket.Seq, ticket.Offset, ticket.U64s)
}

func (r *REPL) cmdMeta() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.j.Meta(ctx); err != nil {
		fmt.Printf("Meta error: %v\n", err)

		return
	}

	fmt.Printf("OK: last_seq_ondisk=%d\n", r.j.LastSeqOndisk())
}

func (r *REPL) cmdFlush(args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seq := r.j.CurSeq()

	if len(args) >= 1 {
		parsed, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			fmt.Println("seq must be an unsigned integer")

			return
		}

		seq = parsed
	}

	if err := r.j.FlushSeq(ctx, seq); err != nil {
		fmt.Printf("FlushSeq error: %v\n", err)

		return
	}

	fmt.Printf("OK: seq=%d is durable\n", seq)
}
