//go:build linux || darwin || freebsd

// Package console is a readline shell over a pollset. Each "pair" opens a
// socket pair and watches one end; "send" writes to the other end.
package console

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Trinoooo/eggie_poll/consts"
	"github.com/Trinoooo/eggie_poll/logs"
	"github.com/Trinoooo/eggie_poll/poller"
	"github.com/Trinoooo/eggie_poll/pollset"
	"github.com/chzyer/readline"
	"github.com/luci/go-render/render"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var errExit = errors.New("exit")

const helpText = `commands:
  pair [tag]          open a socket pair and watch one end for reading
  send <fd> <text>    write text to the peer of a watched fd
  remove <fd>         stop watching fd and close the pair
  poll [timeout]      poll once, default timeout 0
  maintain [remove]   report idle fds, drop them with "remove"
  ttl [duration]      show or change the idle ttl, 0 disables it
  list                dump the registration table
  help                show this message
  exit                leave the console
`

type pair struct {
	tag  string
	peer int
}

type Console struct {
	ps      *pollset.Pollset
	out     io.Writer
	pairs   map[int]*pair
	entries []pollset.Entry
	logger  *zap.Logger
}

func New(capacity int, ttl time.Duration, out io.Writer, opts ...pollset.Option) (*Console, error) {
	ps, err := pollset.New(capacity, 0, ttl, opts...)
	if err != nil {
		return nil, err
	}
	return &Console{
		ps:      ps,
		out:     out,
		pairs:   make(map[int]*pair),
		entries: make([]pollset.Entry, capacity),
		logger:  logs.Named(consts.ComponentConsole),
	}, nil
}

// Run reads commands until exit, EOF or interrupt.
func (c *Console) Run(rl *readline.Instance) error {
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err = c.Execute(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(c.out, "# error: %v\n", err)
		}
	}
}

// Completer lists the command names for readline.
func Completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("pair"),
		readline.PcItem("send"),
		readline.PcItem("remove"),
		readline.PcItem("poll"),
		readline.PcItem("maintain", readline.PcItem("remove")),
		readline.PcItem("ttl"),
		readline.PcItem("list"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func (c *Console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "pair":
		return c.pair(strings.Join(args, " "))
	case "send":
		if len(args) < 2 {
			return errors.New("usage: send <fd> <text>")
		}
		fd, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return c.send(fd, strings.Join(args[1:], " "))
	case "remove":
		if len(args) != 1 {
			return errors.New("usage: remove <fd>")
		}
		fd, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return c.remove(fd)
	case "poll":
		timeout := time.Duration(0)
		if len(args) > 0 {
			var err error
			if timeout, err = time.ParseDuration(args[0]); err != nil {
				return err
			}
		}
		return c.poll(timeout)
	case "maintain":
		return c.maintain(len(args) > 0 && args[0] == "remove")
	case "ttl":
		if len(args) == 0 {
			fmt.Fprintf(c.out, "# ttl %v\n", c.ps.TTL())
			return nil
		}
		ttl, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		return c.ps.SetTTL(ttl)
	case "list":
		fmt.Fprintf(c.out, "# %d/%d %s\n", c.ps.Len(), c.ps.Cap(), render.Render(c.ps.Registrations()))
		return nil
	case "help":
		fmt.Fprint(c.out, helpText)
		return nil
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (c *Console) pair(tag string) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	if err = c.ps.Add(fds[0], tag, poller.Readable); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return err
	}
	c.pairs[fds[0]] = &pair{tag: tag, peer: fds[1]}
	fmt.Fprintf(c.out, "# watching fd %d (peer %d)\n", fds[0], fds[1])
	return nil
}

func (c *Console) send(fd int, text string) error {
	p, exist := c.pairs[fd]
	if !exist {
		return fmt.Errorf("fd %d is not a pair", fd)
	}
	_, err := unix.Write(p.peer, []byte(text))
	return err
}

func (c *Console) remove(fd int) error {
	p, exist := c.pairs[fd]
	if !exist {
		return fmt.Errorf("fd %d is not a pair", fd)
	}
	delete(c.pairs, fd)
	err := c.ps.Remove(fd)
	_ = unix.Close(fd)
	_ = unix.Close(p.peer)
	return err
}

func (c *Console) poll(timeout time.Duration) error {
	n, err := c.ps.Poll(timeout, c.entries)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "# %d entries\n", n)
	for _, entry := range c.entries[:n] {
		line := fmt.Sprintf("  fd=%d events=%v data=%v expired=%v", entry.Socket(), entry.Events(), entry.Data(), entry.Expired())
		if !entry.Expired() && entry.Events()&poller.Readable != 0 {
			// drain so the fd does not stay ready
			buf := make([]byte, 256)
			if n, err := unix.Read(entry.Socket(), buf); err == nil && n > 0 {
				line += fmt.Sprintf(" read=%q", buf[:n])
			}
		}
		fmt.Fprintln(c.out, line)
	}
	return nil
}

func (c *Console) maintain(remove bool) error {
	n, err := c.ps.Maintain(c.entries, remove)
	fmt.Fprintf(c.out, "# %d idle\n", n)
	for _, entry := range c.entries[:n] {
		fmt.Fprintf(c.out, "  fd=%d data=%v\n", entry.Socket(), entry.Data())
		if remove {
			if p, exist := c.pairs[entry.Socket()]; exist {
				delete(c.pairs, entry.Socket())
				_ = unix.Close(entry.Socket())
				_ = unix.Close(p.peer)
			}
		}
	}
	return err
}

// Close destroys the pollset and closes every pair.
func (c *Console) Close() error {
	for fd, p := range c.pairs {
		_ = unix.Close(fd)
		_ = unix.Close(p.peer)
	}
	c.pairs = nil

	if err := c.ps.Destroy(); err != nil {
		c.logger.Error("destroy pollset failed", zap.Error(err))
		return err
	}
	return nil
}
