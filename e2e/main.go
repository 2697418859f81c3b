package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olivere/taskqueue"
	"github.com/olivere/taskqueue/mysql"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/taskqueue_e2e?loc=UTC&parseTime=true"
	)
	var (
		concurrency     = flag.Int("c", 2, "maximum number of workers")
		producers       = flag.Int("p", 1, "number of concurrent producers")
		fillTime        = flag.Duration("fill-time", 5*time.Second, "interval in which new jobs get added")
		runTime         = flag.Duration("run-time", 7*time.Second, "maximum run time of a single job")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxRetry        = flag.Int("max-retry", 2, "maximum number of retries per job")
		dburl           = flag.String("dburl", "", "MySQL dsn for persistent storage, e.g. "+exampleDBURL)
		topicsList      = flag.String("topics", "a,b,c", "comma-separated list of job types")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	if *producers <= 0 {
		log.Fatal("p must be greater than 0")
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize the manager
	var options []taskqueue.ManagerOption
	if *dburl != "" {
		store, err := mysql.NewStore(*dburl)
		if err != nil {
			log.Fatal(err)
		}
		options = append(options, taskqueue.SetStore(store))
	}
	options = append(options, taskqueue.SetConcurrency(*concurrency))
	m := taskqueue.New(options...)

	// Add job types and handlers
	topics := strings.SplitN(*topicsList, ",", -1)
	for _, topic := range topics {
		err := m.Register(topic, makeHandler(*failureRate, *runTime))
		if err != nil {
			log.Fatal(err)
		}
	}

	// Start the manager
	err := m.Start()
	if err != nil {
		log.Fatal(err)
	}

	errc := make(chan error, 1)

	// Enqueue jobs from p concurrent producers
	go func() {
		var g errgroup.Group
		for i := 0; i < *producers; i++ {
			g.Go(func() error {
				return produce(m, topics, *fillTime, *maxRetry)
			})
		}
		errc <- g.Wait()
	}()

	// Print stats
	go logger(m, *logInterval)

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("signal %v", fmt.Sprint(<-c))
		errc <- m.CloseWithTimeout(*shutdownTimeout)
	}()

	if err := <-errc; err != nil {
		log.Fatal(err)
	} else {
		log.Print("exiting")
	}
}

func produce(m *taskqueue.Manager, topics []string, fillTime time.Duration, maxRetry int) error {
	fillTimeNanos := fillTime.Nanoseconds()
	for {
		time.Sleep(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond)
		topic := topics[rand.Intn(len(topics))]
		prio := taskqueue.Priorities[rand.Intn(len(taskqueue.Priorities))]
		job := &taskqueue.Job{Type: topic, Priority: prio, MaxRetry: maxRetry}
		err := m.Enqueue(context.Background(), job)
		if err != nil {
			return err
		}
	}
}

func logger(m *taskqueue.Manager, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for range t.C {
		ss, err := m.Stats(context.Background())
		if err == nil {
			var pending int
			for _, n := range ss.Pending {
				pending += n
			}
			fmt.Printf("Pending=%6d InFlight=%6d Completed=%6d DeadLetters=%6d\n",
				pending,
				ss.InFlight,
				ss.Completed,
				ss.DeadLetters)
		}
	}
}

func makeHandler(failureRate float64, runTime time.Duration) taskqueue.Handler {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, payload []byte) error {
		select {
		case <-time.After(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		if rand.Float64() < failureRate {
			return errors.New("handler failed")
		}
		return nil
	}
}
