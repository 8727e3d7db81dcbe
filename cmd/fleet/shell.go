package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"mt5-fleet/internal/fleet"
)

const shellHelp = `commands:
  status [bot]        fleet overview, or one bot's snapshot
  stats [bot]         trading stats for every bot, or one bot
  sync                run a trade sync cycle now
  pause <bot|all>     pause a bot, or the whole fleet
  resume <bot|all>    resume a bot, or the whole fleet
  stop <bot>          stop a bot (slot stays registered)
  restart <bot>       stop and relaunch a bot
  help                this text
  exit                shut the fleet down and quit`

// runShell reads commands line by line until exit or EOF. It drives the
// controller directly rather than through the command file, so actions
// take effect immediately.
func runShell(ctrl *fleet.Controller, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "fleet shell — type 'help' for commands")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, arg := fields[0], ""
		if len(fields) > 1 {
			arg = fields[1]
		}

		switch cmd {
		case "help":
			fmt.Fprintln(out, shellHelp)

		case "status":
			printStatus(ctrl, out, arg)

		case "stats":
			printStats(ctrl, out, arg)

		case "sync":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			created, updated, err := ctrl.SyncTradesNow(ctx)
			cancel()
			if err != nil {
				fmt.Fprintf(out, "sync failed: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "sync complete: %d created, %d updated\n", created, updated)

		case "pause":
			if arg == "all" || arg == "" {
				ctrl.PauseAll()
				fmt.Fprintln(out, "fleet paused")
				continue
			}
			report(out, ctrl.PauseBot(arg), "paused %s", arg)

		case "resume":
			if arg == "all" || arg == "" {
				ctrl.ResumeAll()
				fmt.Fprintln(out, "fleet resumed")
				continue
			}
			report(out, ctrl.ResumeBot(arg), "resumed %s", arg)

		case "stop":
			if arg == "" {
				fmt.Fprintln(out, "usage: stop <bot>")
				continue
			}
			report(out, ctrl.StopBot(arg), "stopped %s", arg)

		case "restart":
			if arg == "" {
				fmt.Fprintln(out, "usage: restart <bot>")
				continue
			}
			report(out, ctrl.RestartBot(arg), "restarted %s", arg)

		case "exit", "quit":
			return

		default:
			fmt.Fprintf(out, "unknown command %q — type 'help'\n", cmd)
		}
	}
}

func printStatus(ctrl *fleet.Controller, out io.Writer, id string) {
	snap := ctrl.Snapshot()

	if id != "" {
		for _, b := range snap.Bots {
			if b.BotID == id {
				fmt.Fprintf(out, "%s  status=%s symbol=%s magic=%d alive=%v\n",
					b.BotID, b.Status, b.Symbol, b.MagicNumber, b.IsAlive)
				return
			}
		}
		fmt.Fprintf(out, "bot %s not found\n", id)
		return
	}

	fmt.Fprintf(out, "global_paused=%v  last_sync=%s\n",
		snap.GlobalPaused, formatSyncTime(ctrl.LastSyncTime()))
	sort.Slice(snap.Bots, func(i, j int) bool { return snap.Bots[i].BotID < snap.Bots[j].BotID })
	for _, b := range snap.Bots {
		fmt.Fprintf(out, "  %-30s %-15s %s\n", b.BotID, b.Status, b.Symbol)
	}
}

func printStats(ctrl *fleet.Controller, out io.Writer, id string) {
	if id != "" {
		s, err := ctrl.BotTradingStats(id)
		if err != nil {
			fmt.Fprintf(out, "stats failed: %v\n", err)
			return
		}
		fmt.Fprintf(out, "%s  trades=%d closed=%d open=%d wins=%d losses=%d win_rate=%.1f%% profit=%.2f\n",
			s.BotID, s.TotalTrades, s.ClosedTrades, s.OpenTrades, s.Wins, s.Losses, s.WinRate, s.TotalProfit)
		return
	}

	all, err := ctrl.AllTradingStats()
	if err != nil {
		fmt.Fprintf(out, "stats failed: %v\n", err)
		return
	}
	if len(all) == 0 {
		fmt.Fprintln(out, "no trades recorded yet")
		return
	}
	for _, s := range all {
		fmt.Fprintf(out, "  %-30s trades=%-4d win_rate=%5.1f%% profit=%.2f\n",
			s.BotID, s.TotalTrades, s.WinRate, s.TotalProfit)
	}
}

func report(out io.Writer, err error, format string, args ...any) {
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(out, format+"\n", args...)
}

func formatSyncTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
