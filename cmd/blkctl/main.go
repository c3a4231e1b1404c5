// blkctl is an interactive CLI for exercising a blockdev-formatted device
// file.
//
// Usage:
//
//	blkctl new [flags] <path>    Format and mount a fresh device image
//	blkctl open [flags] <path>   Mount an existing device image
//
// Commands (in REPL):
//
//	place <text>              Place a payload, prints its block index
//	fetch <index> [max]       Fetch a block's payload
//	invalidate <index>        Invalidate a block
//	session open              Open a streaming-read session
//	session read <id> <len>   Read len bytes from a session
//	session close <id>        Close a session
//	info                      Show the number of open sessions
//	help                      Show this help
//	exit / quit / q           Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/blockdev-project/blockdev/pkg/blockdev"
	"github.com/blockdev-project/blockdev/pkg/blockio"
	"github.com/blockdev-project/blockdev/pkg/fs"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "blkctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("missing command")
	}

	switch args[0] {
	case "new":
		return runNew(args[1:])
	case "open":
		return runOpen(args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  blkctl new [flags] <path>    Format and mount a fresh device image")
	fmt.Fprintln(os.Stderr, "  blkctl open [flags] <path>   Mount an existing device image")
}

func runNew(args []string) error {
	fset := flag.NewFlagSet("new", flag.ExitOnError)

	configPath := fset.String("config", "", "optional hujson config file")
	blockSize := fset.Int("block-size", 0, "bytes per block")
	nrBlocks := fset.Int("nr-blocks", 0, "number of blocks, including reserved superblock/inode")

	if err := fset.Parse(args); err != nil {
		return err
	}

	if fset.NArg() != 1 {
		return errors.New("usage: blkctl new [flags] <path>")
	}

	path := fset.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	cfg = applyFlagOverrides(cfg, fset.Changed("block-size"), fset.Changed("nr-blocks"), *blockSize, *nrBlocks)

	lk, lock, err := acquireDeviceLock(path)
	if err != nil {
		return err
	}
	defer releaseDeviceLock(lk, lock)

	dev, err := blockio.OpenFileDevice(fs.NewReal(), path, cfg.BlockSize, cfg.NRBlocks, true, blockio.WritebackAsync)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}

	if err := blockdev.Format(dev); err != nil {
		_ = dev.Close()
		return fmt.Errorf("formatting device: %w", err)
	}

	svc, err := blockdev.Mount(dev, blockdev.Options{})
	if err != nil {
		return fmt.Errorf("mounting device: %w", err)
	}
	defer svc.Unmount()

	fmt.Printf("formatted and mounted %s (block_size=%d, nr_blocks=%d)\n", path, cfg.BlockSize, cfg.NRBlocks)

	return (&repl{svc: svc}).run()
}

func runOpen(args []string) error {
	fset := flag.NewFlagSet("open", flag.ExitOnError)

	configPath := fset.String("config", "", "optional hujson config file")
	blockSize := fset.Int("block-size", 0, "bytes per block")
	nrBlocks := fset.Int("nr-blocks", 0, "number of blocks, including reserved superblock/inode")

	if err := fset.Parse(args); err != nil {
		return err
	}

	if fset.NArg() != 1 {
		return errors.New("usage: blkctl open [flags] <path>")
	}

	path := fset.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	cfg = applyFlagOverrides(cfg, fset.Changed("block-size"), fset.Changed("nr-blocks"), *blockSize, *nrBlocks)

	lk, lock, err := acquireDeviceLock(path)
	if err != nil {
		return err
	}
	defer releaseDeviceLock(lk, lock)

	dev, err := blockio.OpenFileDevice(fs.NewReal(), path, cfg.BlockSize, cfg.NRBlocks, false, blockio.WritebackAsync)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}

	svc, err := blockdev.Mount(dev, blockdev.Options{})
	if err != nil {
		return fmt.Errorf("mounting device: %w", err)
	}
	defer svc.Unmount()

	fmt.Printf("mounted %s\n", path)

	return (&repl{svc: svc}).run()
}

// acquireDeviceLock takes an exclusive advisory lock on path+".lock", a
// defense-in-depth measure on top of blockdev's own in-process
// AlreadyMounted check: it stops two separate blkctl processes from
// mounting the same backing file at once.
func acquireDeviceLock(path string) (*fs.Locker, *fs.Lock, error) {
	lk := fs.NewLocker(fs.NewReal())

	lock, err := lk.TryLock(path + ".lock")
	if err != nil {
		return nil, nil, fmt.Errorf("acquiring device lock: %w", err)
	}

	return lk, lock, nil
}

func releaseDeviceLock(_ *fs.Locker, lock *fs.Lock) {
	_ = lock.Close()
}

// repl is the interactive command loop over a mounted [blockdev.Service].
type repl struct {
	svc      *blockdev.Service
	sessions map[string]blockdev.Session
	offsets  map[string]*int64
	liner    *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return home + "/.blkctl_history"
}

func (r *repl) run() error {
	r.sessions = make(map[string]blockdev.Session)
	r.offsets = make(map[string]*int64)

	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("blkctl - type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt("blkctl> ")
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

		if !r.dispatch(line) {
			break
		}
	}

	r.saveHistory()

	return nil
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	if f, err := os.Create(path); err == nil {
		r.liner.WriteHistory(f)
		f.Close()
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"place", "fetch", "invalidate", "session", "info", "help", "exit", "quit", "q"}

	var out []string

	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

// dispatch runs one command line; the return value is false when the REPL
// should stop.
func (r *repl) dispatch(line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		fmt.Println("Bye!")
		return false
	case "help", "?":
		r.printHelp()
	case "place":
		r.cmdPlace(args)
	case "fetch":
		r.cmdFetch(args)
	case "invalidate":
		r.cmdInvalidate(args)
	case "session":
		r.cmdSession(args)
	case "info":
		r.cmdInfo()
	default:
		fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
	}

	return true
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  place <text>              Place a payload, prints its block index")
	fmt.Println("  fetch <index> [max]       Fetch a block's payload")
	fmt.Println("  invalidate <index>        Invalidate a block")
	fmt.Println("  session open              Open a streaming-read session")
	fmt.Println("  session read <id> <len>   Read len bytes from a session")
	fmt.Println("  session close <id>        Close a session")
	fmt.Println("  info                      Show the number of open sessions")
	fmt.Println("  help                      Show this help")
	fmt.Println("  exit / quit / q           Exit")
}

func (r *repl) cmdPlace(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: place <text>")
		return
	}

	payload := strings.Join(args, " ")

	idx, err := r.svc.Place([]byte(payload))
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Printf("placed at index %d\n", idx)
}

func (r *repl) cmdFetch(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: fetch <index> [max]")
		return
	}

	idx, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("invalid index: %v\n", err)
		return
	}

	maxLen := 4096
	if len(args) >= 2 {
		if maxLen, err = strconv.Atoi(args[1]); err != nil {
			fmt.Printf("invalid max: %v\n", err)
			return
		}
	}

	buf := make([]byte, maxLen)

	n, err := r.svc.Fetch(idx, buf)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Printf("%d bytes: %q\n", n, string(buf[:n]))
}

func (r *repl) cmdInvalidate(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: invalidate <index>")
		return
	}

	idx, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("invalid index: %v\n", err)
		return
	}

	if err := r.svc.Invalidate(idx); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Println("ok")
}

func (r *repl) cmdSession(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: session open|read|close ...")
		return
	}

	switch args[0] {
	case "open":
		sess, err := r.svc.OpenSession()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}

		id := fmt.Sprintf("s%d", len(r.sessions)+1)
		r.sessions[id] = sess

		var off int64
		r.offsets[id] = &off

		fmt.Printf("opened session %s\n", id)

	case "read":
		if len(args) < 3 {
			fmt.Println("usage: session read <id> <len>")
			return
		}

		sess, ok := r.sessions[args[1]]
		if !ok {
			fmt.Printf("unknown session %s\n", args[1])
			return
		}

		n, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Printf("invalid len: %v\n", err)
			return
		}

		buf := make([]byte, n)

		read, err := r.svc.StreamRead(sess, buf, r.offsets[args[1]])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}

		fmt.Printf("%d bytes: %q\n", read, string(buf[:read]))

	case "close":
		if len(args) < 2 {
			fmt.Println("usage: session close <id>")
			return
		}

		sess, ok := r.sessions[args[1]]
		if !ok {
			fmt.Printf("unknown session %s\n", args[1])
			return
		}

		if err := r.svc.CloseSession(sess); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}

		delete(r.sessions, args[1])
		delete(r.offsets, args[1])

		fmt.Println("ok")

	default:
		fmt.Printf("unknown session command: %s\n", args[0])
	}
}

func (r *repl) cmdInfo() {
	fmt.Printf("open sessions: %d\n", len(r.sessions))
}
