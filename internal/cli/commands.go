// Package cli implements the interactive console: session tables and the
// in-game commands.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/network"
	"github.com/energizer-project/kafra/internal/session"
)

// Game is the part of the map server connector the console drives.
type Game interface {
	InGame() bool
	Say(text string) error
	ChangeDir(dir uint8) error
	Sit() error
	Stand() error
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	tracker  *session.Tracker
	registry *network.ConnectionRegistry
	game     Game

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, tracker *session.Tracker,
	registry *network.ConnectionRegistry, game Game, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		tracker:  tracker,
		registry: registry,
		game:     game,
		in:       in,
		out:      out,
	}
}

// Start reads commands until ctx is cancelled or the input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nkafra console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("CLI: input closed")
		}
	}()

	for {
		fmt.Fprint(c.out, "kafra> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			parts := strings.Fields(line)
			if err := c.Execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs a single command.
func (c *CLI) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "servers":
		c.printServers()
	case "chars", "characters":
		c.printCharacters()
	case "conns", "connections":
		c.printConnections()
	case "say":
		return c.cmdSay(args)
	case "dir":
		return c.cmdDir(args)
	case "sit":
		return c.inGame(func(g Game) error { return g.Sit() })
	case "stand":
		return c.inGame(func(g Game) error { return g.Stand() })
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down kafra...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status              Show the session phase, map and position
  servers             List the char servers offered at login
  chars               List the characters of the account
  conns               List open server connections
  say <text>          Send a public chat line
  dir <0-7>           Turn the character
  sit | stand         Sit down or stand up
  setconfig <k> <v>   Update a client_data value (next session)
  quit                Shut down kafra
  help                Show this help message`)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	snap := c.tracker.Snapshot()

	tw := c.newTable("Field", "Value")
	tw.Append([]string{"Phase", snap.Phase})
	tw.Append([]string{"Account", strconv.FormatUint(uint64(snap.Session.AccountID), 10)})
	tw.Append([]string{"Character", strconv.FormatUint(uint64(snap.Session.CharacterID), 10)})
	tw.Append([]string{"Map", orDash(snap.MapName)})
	tw.Append([]string{"Position", fmt.Sprintf("%d,%d", snap.Position.X, snap.Position.Y)})
	tw.Append([]string{"Server tick", strconv.FormatUint(uint64(snap.ServerTick), 10)})
	tw.Append([]string{"Uptime", time.Since(snap.StartedAt).Round(time.Second).String()})
	tw.Render()
}

func (c *CLI) printServers() {
	snap := c.tracker.Snapshot()
	if len(snap.Servers) == 0 {
		fmt.Fprintln(c.out, "No server list received yet")
		return
	}

	selected := c.cfg.GetClientData().CharServerIndex
	tw := c.newTable("#", "Name", "Address", "Users", "Selected")
	for i, s := range snap.Servers {
		mark := ""
		if i == selected {
			mark = "*"
		}
		tw.Append([]string{strconv.Itoa(i), s.Name, s.Addr(), strconv.Itoa(int(s.Users)), mark})
	}
	tw.Render()
}

func (c *CLI) printCharacters() {
	snap := c.tracker.Snapshot()
	if len(snap.Characters) == 0 {
		fmt.Fprintln(c.out, "No characters received yet")
		return
	}

	chars := snap.Characters
	sort.Slice(chars, func(i, j int) bool { return chars[i].Slot < chars[j].Slot })

	tw := c.newTable("Slot", "Name", "Base", "Job", "Map", "Zeny")
	for _, ch := range chars {
		tw.Append([]string{
			strconv.Itoa(int(ch.Slot)),
			ch.Name,
			strconv.Itoa(int(ch.BaseLevel)),
			strconv.Itoa(int(ch.JobLevel)),
			ch.MapName,
			strconv.FormatUint(uint64(ch.Zeny), 10),
		})
	}
	tw.Render()
}

func (c *CLI) printConnections() {
	conns := c.registry.GetAll()
	if len(conns) == 0 {
		fmt.Fprintln(c.out, "No open connections")
		return
	}

	tw := c.newTable("Phase", "Remote", "Connected", "Bytes in", "Bytes out", "Packets out")
	for phase, conn := range conns {
		st := conn.Stats()
		tw.Append([]string{
			phase.String(),
			conn.RemoteAddr().String(),
			time.Since(conn.ConnectedAt()).Round(time.Second).String(),
			strconv.FormatUint(st.BytesIn, 10),
			strconv.FormatUint(st.BytesOut, 10),
			strconv.FormatUint(st.PacketsOut, 10),
		})
	}
	tw.Render()
}

func (c *CLI) inGame(fn func(Game) error) error {
	if c.game == nil || !c.game.InGame() {
		return fmt.Errorf("not connected to a map server")
	}
	return fn(c.game)
}

func (c *CLI) cmdSay(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: say <text>")
	}
	text := strings.Join(args, " ")
	return c.inGame(func(g Game) error { return g.Say(text) })
}

func (c *CLI) cmdDir(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dir <0-7>")
	}
	dir, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil || dir > 7 {
		return fmt.Errorf("invalid direction: %s", args[0])
	}
	return c.inGame(func(g Game) error { return g.ChangeDir(uint8(dir)) })
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")

	// numbers and booleans keep their JSON type
	var value interface{} = raw
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		value = n
	} else if b, err := strconv.ParseBool(raw); err == nil {
		value = b
	}

	previous := c.cfg.GetClientData()
	err := c.cfg.UpdateClientField(key, value)
	if _, isString := value.(string); err != nil && !isString {
		// "1234" may still be meant for a string field
		value = raw
		err = c.cfg.UpdateClientField(key, value)
	}
	if err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetClientData(previous)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.eventBus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "cli",
		Payload: events.ConfigChangedPayload{Section: "client_data", Key: key, Value: value},
	})
	fmt.Fprintf(c.out, "Config updated: %s = %s\n", key, raw)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
