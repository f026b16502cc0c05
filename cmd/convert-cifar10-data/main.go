package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dtoolai-forge/internal/cifar"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s <cifar_base_dirpath> <output_base_uri> <output_name>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(2)
	}
	cifarDir, outputBaseURI, outputName := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ds, err := cifar.Convert(ctx, cifarDir, outputBaseURI, outputName, cifar.Options{})
	if err != nil {
		log.Fatalf("conversion failed: %v", err)
	}
	log.Printf("dataset=%s uuid=%s", ds.URI(), ds.UUID())
}
