package main

import (
	"flag"
	"log"
	"time"

	"mapreduce-wordcount/mapreduce"
)

func main() {
	host := flag.String("host", "0.0.0.0", "bind address for the control listener")
	port := flag.Int("port", 5374, "control port")
	numWorkers := flag.Int("num-workers", 1, "number of workers the job waits for")
	regTimeout := flag.Float64("registration-timeout", 0, "seconds to wait for registrations (0 = forever)")
	mapTimeout := flag.Float64("map-timeout", 0, "seconds to wait for the map stage (0 = forever)")
	reduceTimeout := flag.Float64("reduce-timeout", 0, "seconds to wait for the reduce stage (0 = forever)")
	pollInterval := flag.Float64("poll-interval", 0.2, "coordinator poll interval in seconds")
	flag.Parse()

	m := mapreduce.NewMaster(mapreduce.MasterConfig{
		Host:                *host,
		Port:                *port,
		NumWorkers:          *numWorkers,
		RegistrationTimeout: seconds(*regTimeout),
		MapTimeout:          seconds(*mapTimeout),
		ReduceTimeout:       seconds(*reduceTimeout),
		PollInterval:        seconds(*pollInterval),
	})
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}
	if err := m.Run(); err != nil {
		log.Fatal(err)
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
