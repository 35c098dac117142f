package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/trafficserver-iocore/iocore"
	"github.com/trafficserver-iocore/iocore/intercept"
)

func main() {
	fmt.Println("iocore intercept demo")
	fmt.Println("======================")
	fmt.Println("Commands: bridge <listen-addr> <upstream-addr>, stop, quit")
	fmt.Println()

	loop := iocore.NewEventLoop()
	var listener net.Listener

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		switch strings.ToLower(parts[0]) {
		case "bridge":
			if len(parts) != 3 {
				fmt.Println("Usage: bridge <listen-addr> <upstream-addr>")
				continue
			}
			if listener != nil {
				fmt.Println("Already bridging; run 'stop' first")
				continue
			}
			ln, err := startBridge(loop, parts[1], parts[2])
			if err != nil {
				fmt.Printf("Failed to start: %v\n", err)
				continue
			}
			listener = ln
			fmt.Printf("Bridging %s -> %s\n", parts[1], parts[2])

		case "stop":
			if listener == nil {
				fmt.Println("Not bridging")
				continue
			}
			listener.Close()
			listener = nil
			fmt.Println("Stopped")

		case "quit", "exit":
			if listener != nil {
				listener.Close()
			}
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s\n", parts[0])
		}
	}
}

// startBridge implements spec.md Scenario 1: every accepted connection on
// listenAddr gets its own intercept that bridges to upstreamAddr.
func startBridge(loop *iocore.EventLoop, listenAddr, upstreamAddr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	dial := func() (*iocore.VConn, error) {
		conn, err := net.Dial("tcp", upstreamAddr)
		if err != nil {
			return nil, err
		}
		return iocore.NewVConnFromNet(conn), nil
	}

	handler := intercept.NewHandler(loop, dial, nil)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			cont := handler.Attach()
			clientVC := iocore.NewVConnFromNet(conn)
			cont.Deliver(iocore.EventNetAccept, clientVC)
		}
	}()

	return ln, nil
}
