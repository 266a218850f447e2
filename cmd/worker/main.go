package main

import (
	"flag"
	"log"
	"strconv"

	"mapreduce-wordcount/mapreduce"
)

func main() {
	masterHost := flag.String("master-host", "127.0.0.1", "master control host")
	controlPort := flag.Int("control-port", 5374, "master control port")
	shuffleBase := flag.Int("shuffle-port-base", 6200, "base port for shuffle listeners")
	splitID := flag.String("split-id", "", "split identifier (defaults to the worker id)")
	encoding := flag.String("encoding", "utf-8", "split file text encoding")
	maxLines := flag.Int("max-lines", 0, "cap on map input lines (0 = unlimited)")
	hashName := flag.String("hash", "fnv", "word hash algorithm: fnv, fnv64 or sha256")
	flushThreshold := flag.Int("flush-threshold", 1024, "shuffle batch size in bytes (0 = flush every word)")
	parallelism := flag.Int("map-parallelism", 1, "number of parallel map chunks")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		log.Fatal("usage: worker [flags] <worker-id> <host>...")
	}
	workerID, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("worker id %q: %v", args[0], err)
	}

	w, err := mapreduce.NewWorker(mapreduce.WorkerConfig{
		WorkerID:        workerID,
		Hosts:           args[1:],
		SplitID:         *splitID,
		MasterHost:      *masterHost,
		ControlPort:     *controlPort,
		ShufflePortBase: *shuffleBase,
		Encoding:        *encoding,
		MaxLines:        *maxLines,
		Hash:            *hashName,
		FlushThreshold:  *flushThreshold,
		Parallelism:     *parallelism,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := w.Run(); err != nil {
		log.Fatal(err)
	}
}
