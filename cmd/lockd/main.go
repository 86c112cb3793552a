// lockd runs one replica of the replicated lock service.
//
//	lockd -me 127.0.0.1:5001 -first 127.0.0.1:5001 -dir logs/
//	lockd -me 127.0.0.1:5002 -first 127.0.0.1:5001 -dir logs/
//
// The first replica bootstraps the service; every other one joins through
// it. Replicas run until SIGINT or SIGTERM.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/senutpal/lockrsm/internal/node"
)

var (
	me       string
	first    string
	dir      string
	testAddr string
)

func init() {
	flag.StringVar(&me, "me", "", "host:port this replica listens on")
	flag.StringVar(&first, "first", "", "host:port of the bootstrap replica")
	flag.StringVar(&dir, "dir", "logs", "directory for the Paxos log, empty for memory")
	flag.StringVar(&testAddr, "test", "", "optional host:port serving net_repair and breakpoint")
	log.SetFlags(log.Lmicroseconds | log.Lshortfile)
}

func main() {
	flag.Parse()
	if me == "" || first == "" {
		flag.Usage()
		os.Exit(2)
	}

	opts := node.DefaultOptions()
	opts.Me = me
	opts.First = first
	opts.Dir = dir
	opts.TestAddr = testAddr
	n, err := node.New(opts)
	if err != nil {
		log.Fatalf("lockd: %v", err)
	}
	n.Start()
	log.Printf("lockd: %s serving, first %s", n.Addr(), first)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("lockd: %v, shutting down", s)
	if err := n.Stop(); err != nil {
		log.Fatalf("lockd: %v", err)
	}
}
