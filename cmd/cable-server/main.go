// Command cable-server implements a cable server that listens for
// connections and serves the EchoChannel and ChatChannel channels. It
// is mostly useful as a testing and debugging tool, typical applications
// will use the cable package as a library in their own main command.
package main

import (
	"context"
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/mna/cable"
	"github.com/mna/cable/broker"
	"github.com/mna/cable/broker/membroker"
	"github.com/mna/cable/broker/redisbroker"
	"github.com/mna/cable/internal/srvhandler"
	"github.com/mna/redisc"
	"go.uber.org/zap"
)

var (
	configFlag       = flag.String("config", "", "Path of the configuration `file`.")
	devLogFlag       = flag.Bool("dev", false, "Use human-friendly development logging.")
	helpFlag         = flag.Bool("help", false, "Show help.")
	memoryFlag       = flag.Bool("memory", false, "Use the in-memory broker instead of redis.")
	noLogFlag        = flag.Bool("L", false, "Disable logging.")
	portFlag         = flag.Int("port", 9000, "Server `port`.")
	redisAddrFlag    = flag.String("redis", ":6379", "Redis `address`.")
	redisClusterFlag = flag.Bool("redis-cluster", false, "Use redis cluster.")
	redisMaxIdleFlag = flag.Int("redis-max-idle", 0, "Maximum idle `connections`.")
)

// maxBroadcastBytes is the maximum size of a payload posted to the
// broadcast endpoint.
const maxBroadcastBytes = 1 << 20

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	conf, err := getConfigFromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration file: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	patterns, err := checkConfig(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		flag.Usage()
		os.Exit(3)
	}

	logger, err := newLogger(*devLogFlag)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	logFn := logger.Sugar().Infof
	if *noLogFlag {
		logFn = cable.DiscardLog
	}

	psb, err := newBroker(conf, expvar.NewMap("broker"), logFn)
	if err != nil {
		log.Fatalf("failed to create broker: %v", err)
	}
	defer psb.Close()

	cable.SlowCommandThreshold = conf.Server.SlowCommandThreshold
	srv := newServer(conf.Server, patterns, psb, expvar.NewMap("cable"), logFn)
	upg := newUpgrader(conf.Server)
	httpSrv := newHTTPServer(conf.Server, newRouter(conf.Server, upg, srv))

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch

		logFn("shutting down, asking %d clients to reconnect", srv.ConnCount())
		srv.Restart()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logFn("Shutdown failed: %v", err)
		}
	}()

	logFn("listening for connections on %s%s", conf.Server.Addr, conf.Server.CablePath)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("ListenAndServe failed: %v", err)
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// closeBroker is a broker that can be closed.
type closeBroker interface {
	broker.PubSubBroker
	Close() error
}

func newBroker(conf *Config, vars *expvar.Map, logFn func(string, ...interface{})) (closeBroker, error) {
	if conf.Broker == "memory" {
		logFn("in-memory broker configured")
		return &membroker.Broker{Vars: vars}, nil
	}

	var pool redisbroker.Pool
	var dial func() (redis.Conn, error)

	createPoolFn := redisPoolCreateFunc(conf.Redis)
	if conf.Redis.Cluster {
		cluster, err := newRedisCluster(conf.Redis.Addr, createPoolFn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis cluster: %w", err)
		}
		pool, dial = cluster, cluster.Dial
		logFn("redis cluster configured on %s", conf.Redis.Addr)
	} else {
		p, err := createPoolFn(conf.Redis.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis pool: %w", err)
		}
		pool, dial = p, p.Dial
		logFn("redis pool configured on %s", conf.Redis.Addr)
	}

	return &redisbroker.Broker{
		Pool:    pool,
		Dial:    dial,
		Prefix:  conf.Redis.Prefix,
		LogFunc: logFn,
		Vars:    vars,
	}, nil
}

func newServer(conf *Server, patterns []*regexp.Regexp, psb broker.PubSubBroker, vars *expvar.Map, logFn func(string, ...interface{})) *cable.Server {
	class := &cable.ConnClass{
		Identifiers: []string{"current_user"},
		Connect: func(ctx context.Context, c *cable.Conn) error {
			user := c.Request.URL.Query().Get("user")
			if user == "" {
				return c.RejectUnauthorized()
			}
			return c.Identify("current_user", user)
		},
	}
	if !*noLogFlag {
		class.Callbacks.Before(srvhandler.LogCommand(logFn))
	}
	class.Callbacks.Around(
		srvhandler.PanicRecover(vars),
		srvhandler.LogSlow(logFn, conf.SlowCommandThreshold),
	)
	class.Rescue.RescueFrom(cable.ErrUnknownAction, func(err error) {
		logFn("ignored action: %v", err)
	})

	var cs func(*cable.Conn, cable.ConnState)
	if !*noLogFlag {
		cs = srvhandler.LogConn(logFn)
	}
	return &cable.Server{
		ReadLimit:               conf.ReadLimit,
		ReadTimeout:             conf.ReadTimeout,
		WriteLimit:              conf.WriteLimit,
		WriteTimeout:            conf.WriteTimeout,
		AcquireWriteLockTimeout: conf.AcquireWriteLockTimeout,
		PingInterval:            conf.PingInterval,
		AllowedOrigins:          conf.AllowedOrigins,
		AllowedOriginPatterns:   patterns,
		AllowSameOrigin:         conf.AllowSameOrigin,
		DisableOriginCheck:      conf.DisableOriginCheck,
		ConnState:               cs,
		Class:                   class,
		Channels:                newChannels(),
		PubSubBroker:            psb,
		LogFunc:                 logFn,
		Vars:                    vars,
	}
}

func newUpgrader(conf *Server) *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: conf.HandshakeTimeout,
		ReadBufferSize:   conf.ReadBufferSize,
		WriteBufferSize:  conf.WriteBufferSize,
		Subprotocols:     cable.Subprotocols,
	}
}

func newRouter(conf *Server, upg *websocket.Upgrader, srv *cable.Server) *httprouter.Router {
	router := httprouter.New()
	router.Handler("GET", conf.CablePath, cable.Upgrade(upg, srv))
	router.Handler("GET", "/debug/vars", expvar.Handler())
	router.POST("/broadcast/:topic", broadcastHandler(srv))
	router.POST("/restart", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		srv.Restart()
		w.WriteHeader(http.StatusNoContent)
	})
	return router
}

// broadcastHandler publishes the JSON body of the request on the topic.
func broadcastHandler(srv *cable.Server) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBroadcastBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !json.Valid(b) {
			http.Error(w, "body must be valid JSON", http.StatusBadRequest)
			return
		}
		if err := srv.PubSubBroker.Publish(ps.ByName("topic"), b); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func newHTTPServer(conf *Server, h http.Handler) *http.Server {
	return &http.Server{
		Addr:           conf.Addr,
		Handler:        h,
		ReadTimeout:    conf.ReadTimeout,
		WriteTimeout:   conf.WriteTimeout,
		MaxHeaderBytes: conf.MaxHeaderBytes,
	}
}

func newRedisCluster(addr string, createPool func(string, ...redis.DialOption) (*redis.Pool, error)) (*redisc.Cluster, error) {
	c := &redisc.Cluster{
		StartupNodes: []string{addr},
		CreatePool:   createPool,
	}
	err := c.Refresh()
	return c, err
}

func redisPoolCreateFunc(conf *Redis) func(string, ...redis.DialOption) (*redis.Pool, error) {
	return func(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
		p := &redis.Pool{
			MaxIdle:     conf.MaxIdle,
			MaxActive:   conf.MaxActive,
			IdleTimeout: conf.IdleTimeout,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr, opts...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				_, err := c.Do("PING")
				return err
			},
		}

		// test the connection so that it fails fast if redis is not available
		c := p.Get()
		defer c.Close()

		if _, err := c.Do("PING"); err != nil {
			return nil, err
		}
		return p, nil
	}
}
