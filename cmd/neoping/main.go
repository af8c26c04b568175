// Command neoping exercises a neo Client against one or more nodes: a
// SingleNode ping against the first address, a few RoundRobin pings across
// all of them, and an AllNodes ping fanned out to every registered node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pascaldekloe/neo"
)

var (
	addrFlag  = flag.String("addr", "localhost:4242", "Comma-separated node `address` list.")
	countFlag = flag.Int("n", 3, "Number of round-robin pings to send.")
)

// pingCommand is a toy request kind: code 1, version 1, body-less request,
// single status-byte reply.
var pingCommand = neo.Command{Code: 1, Version: 1}

func main() {
	flag.Parse()
	addrs := strings.Split(*addrFlag, ",")
	if len(addrs) == 0 || addrs[0] == "" {
		os.Stderr.WriteString(`NAME
	neoping — exercise a neo node connection

SYNOPSIS
	neoping [ options ]

DESCRIPTION
	neoping registers one or more nodes and runs a SingleNode ping, a
	handful of RoundRobin pings, and an AllNodes ping against them.

`)
		flag.PrintDefaults()
		os.Exit(1)
	}

	client := neo.NewClient(neo.ClientConfig{})
	defer client.Close()
	for _, a := range addrs {
		client.Conns.AddNode(a)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := runPing(ctx, client, addrs[0]); err != nil {
		fmt.Fprintln(os.Stderr, "neoping: single-node ping:", err)
		os.Exit(2)
	}
	fmt.Println("single-node ping ok:", addrs[0])

	for i := 0; i < *countFlag; i++ {
		if err := client.RoundRobin(ctx, nil, pingHandler); err != nil {
			fmt.Fprintln(os.Stderr, "neoping: round-robin ping:", err)
			os.Exit(3)
		}
	}
	fmt.Println("round-robin pings ok:", *countFlag)

	if err := client.AllNodes(ctx, nil, pingHandler); err != nil {
		fmt.Fprintln(os.Stderr, "neoping: all-nodes ping:", err)
		os.Exit(4)
	}
	fmt.Println("all-nodes ping ok:", len(addrs), "node(s)")
}

func runPing(ctx context.Context, client *neo.Client, addr string) error {
	return client.SingleNode(ctx, addr, nil, pingHandler)
}

func pingHandler(ctx context.Context, roc *neo.RoC) error {
	_, err := neo.SendCommand(roc, pingCommand)
	return err
}
