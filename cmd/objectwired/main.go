// Command objectwired runs an objectwire actor host.
//
// The daemon exposes a replicated key/value actor ("kv") over the configured
// transports. It is both a usable building block and a reference for wiring
// your own actors: state store selection, change publishing, service
// discovery and graceful shutdown are all assembled here.
//
// # Configuration
//
// Settings come from an optional YAML file (see -config) overlaid with
// environment variables:
//
//	OBJECTWIRE_TCP_ADDR         - framed TCP listen address (default: ":7420")
//	OBJECTWIRE_WS_ADDR          - websocket listen address (optional)
//	OBJECTWIRE_HTTP_ADDR        - HTTP invoke listen address (optional)
//	OBJECTWIRE_HEALTH_ADDR      - health endpoint address (default: ":7421")
//	OBJECTWIRE_STORE            - state store backend: memory, redis or mongo
//	REDIS_URL                   - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD              - Redis password (optional)
//	MONGO_URI                   - MongoDB URI for the mongo backend
//	OBJECTWIRE_ACTOR_ID         - register this host under the given actor ID
//	OBJECTWIRE_ADVERTISE_ADDR   - address advertised through discovery
//
// # Example
//
// Single node with in-memory state:
//
//	go run ./cmd/objectwired
//
// Replicated nodes sharing state and discovery through Redis:
//
//	OBJECTWIRE_STORE=redis REDIS_URL=redis:6379 OBJECTWIRE_ACTOR_ID=kv \
//	OBJECTWIRE_ADVERTISE_ADDR=10.0.0.5:7420 ./objectwired
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/config"
	"github.com/objectwire/objectwire/discovery"
	"github.com/objectwire/objectwire/server"
	"github.com/objectwire/objectwire/statestore"
	"github.com/objectwire/objectwire/statestore/memory"
	"github.com/objectwire/objectwire/statestore/mongostore"
	"github.com/objectwire/objectwire/statestore/redisstore"
	"github.com/objectwire/objectwire/stream"
	"github.com/objectwire/objectwire/tailer"
	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/transport"
	"github.com/objectwire/objectwire/transport/httprpc"
	"github.com/objectwire/objectwire/transport/tcpnet"
	"github.com/objectwire/objectwire/transport/ws"
	"github.com/objectwire/objectwire/wire"
)

func main() {
	var (
		configF = flag.String("config", "", "path to YAML configuration file")
		debugF  = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debugF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Connect to Redis when any component needs it.
	var rdb *redis.Client
	if cfg.Store.Backend == config.BackendRedis || cfg.Discovery.ActorID != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	store, cleanup, err := newStore(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer cleanup(ctx)

	// Service discovery is only wired when this host advertises an actor.
	// Replicated through Redis when available, local otherwise.
	var disco discovery.Registry
	if cfg.Discovery.ActorID != "" {
		if rdb != nil {
			endpoints, err := rmap.Join(ctx, "objectwire-endpoints", rdb)
			if err != nil {
				return fmt.Errorf("join endpoint map: %w", err)
			}
			disco = discovery.NewReplicated(endpoints)
		} else {
			disco = discovery.NewMemory()
		}
	}

	kv := newKVActor(store, kvIdentity(cfg.Listen.TCP))
	actors := actor.NewRegistry()
	actors.Expose(kv.def, "kv")

	srv := server.New(server.Config{
		Actors: actors,
		Buffer: stream.NewBuffer(
			stream.WithBufferCapacity(cfg.Stream.BufferCapacity),
			stream.WithBufferTTL(cfg.Stream.BufferTTL),
		),
		DrainTimeout:      cfg.DrainTimeout,
		Discovery:         disco,
		Endpoint:          discovery.Endpoint{ActorID: cfg.Discovery.ActorID, Address: cfg.Discovery.Address},
		EndpointTTL:       cfg.Discovery.TTL,
		HeartbeatInterval: cfg.Discovery.HeartbeatInterval,
		Logger:            logger,
		Metrics:           metrics,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := listen(ctx, srv, cfg.Listen); err != nil {
		return err
	}
	if cfg.Listen.Health != "" {
		if err := srv.ServeHealth(ctx, cfg.Listen.Health); err != nil {
			return fmt.Errorf("serve health: %w", err)
		}
		log.Printf(ctx, "health endpoint on %s", srv.HealthAddr())
	}

	log.Printf(ctx, "objectwired up (store=%s)", cfg.Store.Backend)
	return srv.Run(ctx)
}

// listener is a transport listener with an observable bound address.
type listener interface {
	transport.Listener
	Addr() net.Addr
}

// listen attaches one listener per configured transport address.
func listen(ctx context.Context, srv *server.Server, addrs config.Listen) error {
	attach := func(name, addr string, l listener) error {
		if addr == "" {
			return nil
		}
		if err := l.Listen(ctx, addr); err != nil {
			return fmt.Errorf("listen %s on %s: %w", name, addr, err)
		}
		srv.Attach(ctx, l)
		log.Printf(ctx, "%s transport on %s", name, l.Addr())
		return nil
	}
	if err := attach("tcp", addrs.TCP, tcpnet.NewServer()); err != nil {
		return err
	}
	if err := attach("websocket", addrs.WebSocket, ws.NewServer()); err != nil {
		return err
	}
	return attach("http", addrs.HTTP, httprpc.NewServer())
}

// newStore builds the configured state store. The returned cleanup releases
// backend connections.
func newStore(ctx context.Context, cfg config.Config, rdb *redis.Client, logger telemetry.Logger) (statestore.Store, func(context.Context), error) {
	noop := func(context.Context) {}
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.New(), noop, nil
	case config.BackendRedis:
		opts := []redisstore.Option{
			redisstore.WithKeyPrefix(cfg.Store.KeyPrefix),
			redisstore.WithLogger(logger),
		}
		// Saves through the Redis store announce themselves on the change
		// stream so tailer nodes can fan updates out.
		pub, err := tailer.NewPublisher(rdb, tailer.WithPublisherStream(cfg.Tailer.Stream))
		if err != nil {
			return nil, nil, fmt.Errorf("create change publisher: %w", err)
		}
		opts = append(opts, redisstore.WithPublisher(pub))
		return redisstore.New(rdb, opts...), noop, nil
	case config.BackendMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("ping mongodb: %w", err)
		}
		coll := client.Database(cfg.Store.MongoDatabase).Collection("actor_state")
		cleanup := func(ctx context.Context) {
			if err := client.Disconnect(ctx); err != nil {
				log.Errorf(ctx, err, "disconnect mongodb")
			}
		}
		return mongostore.New(coll), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("invalid store backend %q", cfg.Store.Backend)
	}
}

// kvIdentity derives the kv actor's wire identity from the TCP listen
// address.
func kvIdentity(addr string) wire.ActorID {
	id := wire.ActorID{ID: "kv", Host: "127.0.0.1"}
	if host, portStr, err := net.SplitHostPort(addr); err == nil {
		if host != "" {
			id.Host = host
		}
		if port, err := strconv.ParseUint(portStr, 10, 16); err == nil {
			id.Port = uint16(port)
		}
	}
	return id
}
