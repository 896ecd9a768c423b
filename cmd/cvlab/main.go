// Runs the cvlab pipelines: semantic segmentation training and evaluation, neural style transfer
// and few-shot fine-tuning of an object detector.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/sensorable/cvlab"
	"github.com/sensorable/cvlab/config"
	"github.com/sensorable/cvlab/store"
)

// command is a subcommand of cvlab.
type command struct {
	name  string
	usage string
	// setup defines the flags on fs and returns the function that runs the command after the
	// flags have been parsed and validated.
	setup func(fs *flag.FlagSet, cfg *config.Config, fail func(msg ...interface{})) func(
		ctx context.Context, rec recorder) error
}

var commands = []command{segmentCommand, styleCommand, detectCommand}

func printCommandsAndExit() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s:\n", filepath.Base(os.Args[0]))
	for _, c := range commands {
		_, _ = fmt.Fprintf(os.Stderr, "  %s %s\t%s\n", filepath.Base(os.Args[0]), c.name, c.usage)
	}
	_, _ = fmt.Fprintln(os.Stderr)
	_, _ = fmt.Fprintln(os.Stderr, "Run a command with -h for its options.")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		printCommandsAndExit()
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == os.Args[1] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		log.Printf("Unknown command %q", os.Args[1])
		printCommandsAndExit()
	}

	cfg := config.Load()
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		log.Print("Invalid JPEG quality, using ", cvlab.DefaultJPEGQuality)
	} else {
		cvlab.DefaultJPEGQuality = cfg.JPEGQuality
	}

	fs := flag.NewFlagSet(cmd.name, flag.ExitOnError)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of %s %s:\n", filepath.Base(os.Args[0]), cmd.name)
		fs.PrintDefaults()
	}
	printUsageAndExit := func(msg ...interface{}) {
		log.Print(msg...)
		fs.Usage()
		os.Exit(1)
	}
	dbPath := fs.String("db", cfg.DBPath,
		"The `path` to the SQLite run history database (empty disables recording)")
	run := cmd.setup(fs, cfg, printUsageAndExit)
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() > 0 {
		printUsageAndExit("Unexpected arguments: ", strings.Join(fs.Args(), " "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var rec recorder
	if *dbPath != "" {
		db, err := store.Open(*dbPath)
		if err != nil {
			log.Fatal("Failed to open the run history: ", err)
		}
		defer db.Close()

		params := make(map[string]interface{})
		fs.Visit(func(f *flag.Flag) {
			params[f.Name] = f.Value.String()
		})
		r, err := db.StartRun(cmd.name, params)
		if err != nil {
			log.Fatal("Failed to record the run: ", err)
		}
		log.Printf("Recording run %d in %s", r.ID, *dbPath)
		rec = recorder{loss: r, scores: r}
	}

	if err := run(ctx, rec); err != nil {
		log.Fatalf("%s failed: %v", cmd.name, err)
	}
}

// recorder holds the optional run history recorders. Nil fields disable recording.
type recorder struct {
	loss   cvlab.LossRecorder
	scores cvlab.ScoreRecorder
}

// splitList splits a comma-separated flag value, ignoring empty elements.
func splitList(s string) []string {
	var list []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			list = append(list, v)
		}
	}
	return list
}
