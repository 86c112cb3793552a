// extentd serves an in-memory extent store over TCP until SIGINT or
// SIGTERM.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/senutpal/lockrsm/internal/extent"
	"github.com/senutpal/lockrsm/internal/transport"
)

var addr string

func init() {
	flag.StringVar(&addr, "addr", "127.0.0.1:5100", "host:port to listen on")
	log.SetFlags(log.Lmicroseconds | log.Lshortfile)
}

func main() {
	flag.Parse()

	t, err := transport.NewRPCTransport(addr)
	if err != nil {
		log.Fatalf("extentd: %v", err)
	}
	s := extent.NewServer()
	s.RegisterHandlers(t)
	log.Printf("extentd: serving on %s", t.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	log.Printf("extentd: %v, shutting down", <-sig)
	t.Close()
}
