// historianctl is an interactive shell over a historian data directory.
//
// On a terminal it reads commands with line editing and completion;
// otherwise it executes the commands read from standard input.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/historian/internal/errors"
	"github.com/xtxerr/historian/internal/logging"
	"github.com/xtxerr/historian/internal/storage"
	"github.com/xtxerr/historian/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "historian.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	verbose := flag.Bool("v", false, "log to stderr")
	flag.Parse()

	level := slog.LevelError
	if *verbose {
		level = slog.LevelInfo
	}
	logging.InitWriter(os.Stderr, level, false)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	svc, err := storage.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", cfg.DataDir, err)
		os.Exit(1)
	}
	if err := svc.Start(); err != nil {
		svc.Stop()
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	sh := &shell{svc: svc, out: os.Stdout, now: time.Now}
	code := 0
	if term.IsTerminal(int(os.Stdin.Fd())) {
		interactive(sh, cfg.DataDir)
	} else if err := script(sh, os.Stdin, os.Stderr); err != nil {
		code = 1
	}

	if err := svc.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		code = 1
	}
	os.Exit(code)
}

func interactive(sh *shell, dataDir string) {
	fmt.Printf("historianctl %s on %s. Type help for commands.\n", Version, dataDir)

	exit := false
	executor := func(line string) {
		done, err := sh.exec(context.Background(), line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		exit = done
	}
	p := prompt.New(executor, completer,
		prompt.OptionPrefix("historian> "),
		prompt.OptionTitle("historianctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && exit
		}),
	)
	p.Run()
}

func completer(d prompt.Document) []prompt.Suggest {
	// Only the command word is completed.
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	suggestions := make([]prompt.Suggest, 0, len(commands))
	for _, c := range commands {
		suggestions = append(suggestions, prompt.Suggest{Text: c.name, Description: c.help})
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

// script executes commands line by line, stopping at the first error.
func script(sh *shell, r io.Reader, errOut io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		done, err := sh.exec(context.Background(), scanner.Text())
		if err != nil {
			fmt.Fprintf(errOut, "line %d: %v\n", line, err)
			return err
		}
		if done {
			return nil
		}
	}
	return scanner.Err()
}
