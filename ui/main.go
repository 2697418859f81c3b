package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/taskqueue"
	"github.com/olivere/taskqueue/mongodb"
	"github.com/olivere/taskqueue/mysql"
	taskredis "github.com/olivere/taskqueue/redis"
	"github.com/olivere/taskqueue/ui/server"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/taskqueue_e2e?loc=UTC&parseTime=true"
	)
	var (
		addr   = flag.String("addr", "127.0.0.1:12345", "HTTP bind address")
		dbtype = flag.String("dbtype", "memory", "Storage type (memory, mysql, mongodb or redis)")
		dburl  = flag.String("dburl", "", "Connection string for persistent storage, e.g. "+exampleDBURL)
	)
	flag.Parse()

	if *dburl == "" && *dbtype != "memory" {
		log.Fatal("specify a database connection string with -dburl like e.g. " + exampleDBURL)
	}

	// Initialize the store
	var err error
	var store taskqueue.Store
	switch *dbtype {
	case "mysql":
		store, err = mysql.NewStore(*dburl)
	case "mongodb":
		store, err = mongodb.NewStore(*dburl)
	case "redis":
		opts, perr := goredis.ParseURL(*dburl)
		if perr != nil {
			log.Fatal(perr)
		}
		store = taskredis.NewStore(goredis.NewClient(opts))
	case "memory":
	default:
		log.Fatal("unsupported dbtype; use memory, mysql, mongodb or redis")
	}
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the manager. It is never started here: the UI only
	// observes the queue, so no workers must be spawned that would
	// dead-letter jobs they have no handler for.
	var options []taskqueue.ManagerOption
	if store != nil {
		options = append(options, taskqueue.SetStore(store))
	}
	m := taskqueue.New(options...)
	defer m.Close()

	errc := make(chan error, 1)

	go func() {
		log.Printf("web server listening on %v", *addr)
		s := server.New(m)
		errc <- s.Serve(*addr)
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("recv signal %v", fmt.Sprint(<-c))
		errc <- nil
	}()

	if err := <-errc; err != nil {
		log.Printf("exit with error %v", err)
		os.Exit(1)
	}
}
