package app

import (
	"io"

	"github.com/pterm/pterm"

	"github.com/saintparish4/udpunch/pkg/holepunch"
)

// punchReportEvery thins out attempt lines during a long burst.
const punchReportEvery = 10

type console struct {
	info    *pterm.PrefixPrinter
	success *pterm.PrefixPrinter
	warn    *pterm.PrefixPrinter
	fail    *pterm.PrefixPrinter
	chat    *pterm.PrefixPrinter
}

func newConsole(w io.Writer) *console {
	chat := pterm.Info.WithPrefix(pterm.Prefix{
		Text:  "PEER",
		Style: pterm.NewStyle(pterm.BgMagenta, pterm.FgBlack),
	})

	return &console{
		info:    pterm.Info.WithWriter(w),
		success: pterm.Success.WithWriter(w),
		warn:    pterm.Warning.WithWriter(w),
		fail:    pterm.Error.WithWriter(w),
		chat:    chat.WithWriter(w),
	}
}

func (c *console) event(ev holepunch.Event) {
	switch ev := ev.(type) {
	case holepunch.InfoEvent:
		c.info.Println(ev.Message)

	case holepunch.PunchEvent:
		if ev.Attempt == 1 || ev.Attempt%punchReportEvery == 0 {
			c.info.Printfln("Punching (attempt %d/%d)", ev.Attempt, ev.MaxAttempts)
		}

	case holepunch.ConnectedEvent:
		c.success.Printfln("Connected to %s after %d punches", ev.Peer, ev.Attempts)
		c.info.Printfln("Type a message and press Enter, %s to leave", QuitCommand)

	case holepunch.MessageEvent:
		c.chat.Println(ev.Text)

	case holepunch.FailureEvent:
		c.fail.Printfln("Punch failed: %v", ev.Err)
	}
}
