package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dtoolai-forge/internal/config"
	"dtoolai-forge/internal/trainer"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s <input_dataset_uri> <output_base_uri> <output_name>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCfg := trainer.RunConfig{
		InputURI:      flag.Arg(0),
		OutputBaseURI: flag.Arg(1),
		OutputName:    flag.Arg(2),
		Params:        config.DefaultParameters(),
		Options:       config.DefaultRunOptions(),
	}

	ds, err := trainer.Run(ctx, runCfg)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	log.Printf("dataset=%s uuid=%s", ds.URI(), ds.UUID())
}
