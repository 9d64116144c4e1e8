// valentine-device is the thin I/O wrapper around the device client
// library: emoji names typed on stdin go to the peer, delivered emoji are
// printed to stdout. On real hardware the display firmware replaces this
// shell with framebuffer rendering and touch input.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/jonathan17ux/valentine-iot/internal/device"
)

type consoleHandler struct {
	log *zap.Logger
}

func (h *consoleHandler) HandleDeliver(id int64, sender, emoji, text string) {
	if text != "" {
		fmt.Printf("%s  from %s: %s\n", emoji, sender, text)
		return
	}
	fmt.Printf("%s  from %s\n", emoji, sender)
}

func (h *consoleHandler) HandleUpdate(action string) {
	h.log.Info("update signal", zap.String("action", action))
	if action != "git_pull" {
		return
	}
	out, err := exec.Command("git", "pull", "origin", "main").CombinedOutput()
	if err != nil {
		h.log.Warn("git pull failed", zap.Error(err), zap.ByteString("output", out))
	}
}

func (h *consoleHandler) HandleConnected(connected bool) {
	if connected {
		fmt.Println("[connected]")
	} else {
		fmt.Println("[reconnecting...]")
	}
}

func main() {
	var (
		server = flag.String("server", "ws://10.8.0.1:7480/ws", "relay websocket URL")
		name   = flag.String("device", "", "device identity (e.g. chile, miami)")
	)
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	if *name == "" {
		log.Fatal("missing -device")
	}

	h := &consoleHandler{log: log}
	client := device.New(device.Options{URL: *server, Device: *name}, h, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatal("client stopped", zap.Error(err))
		}
	}()

	// Each stdin line is "emoji [text...]".
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		emoji, text, _ := strings.Cut(line, " ")
		if err := client.Send(emoji, text); err != nil {
			log.Warn("send failed", zap.Error(err))
		}
	}
}
