// Command cable-remote acts on cable connections from outside the
// servers, by publishing directly to the redis broker. It broadcasts
// JSON payloads to streams, and disconnects the connections of an
// identity.
//
//     cable-remote broadcast chat:lobby '{"text":"hello"}'
//     cable-remote disconnect -reconnect current_user=lifo
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/cable/broker/redisbroker"
	"github.com/mna/cable/remote"
	"github.com/mna/redisc"
	"go.uber.org/zap"
)

var (
	prefixFlag       = flag.String("prefix", "cable:", "Redis channel `prefix` of the servers' broker.")
	redisAddrFlag    = flag.String("redis", ":6379", "Redis `address`.")
	redisClusterFlag = flag.Bool("redis-cluster", false, "Use redis cluster.")
)

var errUsage = errors.New("usage: cable-remote [flags] broadcast TOPIC JSON | disconnect [-reconnect] NAME=VALUE...")

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	pool, dial, err := newPool(*redisAddrFlag, *redisClusterFlag)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer pool.Close()

	b := &redisbroker.Broker{
		Pool:    pool,
		Dial:    dial,
		Prefix:  *prefixFlag,
		LogFunc: log.Infof,
	}
	defer b.Close()

	msg, err := run(&remote.Remote{Broker: b}, flag.Args())
	if err != nil {
		if err == errUsage {
			fmt.Fprintln(os.Stderr, err)
			flag.Usage()
			os.Exit(2)
		}
		log.Fatalf("%v", err)
	}
	log.Infof("%s", msg)
}

// run executes the command in args using r. It returns a summary of what
// was done.
func run(r *remote.Remote, args []string) (string, error) {
	if len(args) == 0 {
		return "", errUsage
	}

	switch args[0] {
	case "broadcast":
		if len(args) != 3 {
			return "", errUsage
		}
		topic, payload := args[1], json.RawMessage(args[2])
		if !json.Valid(payload) {
			return "", fmt.Errorf("invalid JSON payload: %s", payload)
		}
		if err := r.Broadcast(topic, payload); err != nil {
			return "", err
		}
		return fmt.Sprintf("broadcast %d bytes to %s", len(payload), topic), nil

	case "disconnect":
		fs := flag.NewFlagSet("disconnect", flag.ContinueOnError)
		reconnect := fs.Bool("reconnect", false, "Ask the clients to reconnect.")
		if err := fs.Parse(args[1:]); err != nil {
			return "", errUsage
		}

		attrs := make(map[string]interface{}, fs.NArg())
		for _, arg := range fs.Args() {
			parts := strings.SplitN(arg, "=", 2)
			if len(parts) != 2 || parts[0] == "" {
				return "", errUsage
			}
			attrs[parts[0]] = parts[1]
		}
		conns, err := r.Where(attrs)
		if err != nil {
			return "", err
		}
		if err := conns.Disconnect(*reconnect); err != nil {
			return "", err
		}
		return fmt.Sprintf("disconnected %s (reconnect: %t)", conns.Identifier(), *reconnect), nil

	default:
		return "", errUsage
	}
}

func newPool(addr string, cluster bool) (redisbroker.Pool, func() (redis.Conn, error), error) {
	createPool := func(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
		return &redis.Pool{
			MaxIdle:     2,
			IdleTimeout: time.Minute,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr, opts...)
			},
		}, nil
	}

	if cluster {
		c := &redisc.Cluster{
			StartupNodes: []string{addr},
			CreatePool:   createPool,
		}
		if err := c.Refresh(); err != nil {
			return nil, nil, err
		}
		return c, c.Dial, nil
	}

	p, _ := createPool(addr)
	return p, p.Dial, nil
}
