// Package port exposes a KeyValueCache over the Redis wire protocol, so any RESP client (and the remote backend)
// can talk to it. Only the commands that map onto the cache contract are served.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"

	"github.com/tidwall/redcon"

	"github.com/nobletooth/kvcache/pkg/cache"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool   // Closes the connection after writing if true.
	writeNil        bool   // Writes a nil bulk string if true.
	err             error  // Written as an `ERR` reply if set.
	writeBulk       []byte // Writes a bulk string if `isBulk` is set.
	isBulk          bool
	writeString     string // Writes a simple string otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisBulk(b []byte) redisOutput {
	return redisOutput{writeBulk: b, isBulk: true}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisError(err error) redisOutput {
	return redisOutput{err: err}
}

// writeTo sends the output over `conn`.
func (ro redisOutput) writeTo(conn redcon.Conn) {
	switch {
	case ro.err != nil:
		conn.WriteError("ERR " + ro.err.Error())
	case ro.writeNil:
		conn.WriteNull()
	case ro.isBulk:
		conn.WriteBulk(ro.writeBulk)
	default:
		conn.WriteString(ro.writeString)
	}
}

type redisHandler struct {
	ctx context.Context // Canceled when the server shuts down.
	kv  cache.KeyValueCache
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(ctx context.Context, kv cache.KeyValueCache) (*redisHandler, error) {
	if kv == nil {
		return nil, errors.New("expected a non-nil cache")
	}
	return &redisHandler{ctx: ctx, kv: kv}, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		if len(cmd.args) > 1 {
			return writeRedisError(wrongArity(cmd.command))
		} else if len(cmd.args) == 1 {
			return writeRedisBulk(cmd.args[0])
		}
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SET":
		setCmd, err := parseSetCommand(cmd.args)
		if err != nil {
			return writeRedisError(err)
		}
		if err := rh.kv.Set(rh.ctx, setCmd.key, setCmd.value, setCmd.options()...); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "GET":
		if len(cmd.args) != 1 {
			return writeRedisError(wrongArity(cmd.command))
		}
		value, found, err := rh.kv.Get(rh.ctx, string(cmd.args[0]))
		if err != nil {
			return writeRedisError(err)
		} else if !found {
			return writeRedisNil()
		}
		return writeRedisBulk(value)
	case "FLUSHDB", "FLUSHALL":
		// ASYNC / SYNC modifiers are accepted; flushing is always synchronous here.
		if len(cmd.args) > 1 {
			return writeRedisError(errSyntax)
		}
		if err := rh.kv.Flush(rh.ctx); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	default:
		return writeRedisError(fmt.Errorf("%w '%s'", errUnknownCommand, cmd.command))
	}
}

// RedisServer serves a KeyValueCache over the Redis protocol.
type RedisServer struct {
	server *redcon.Server
	cancel context.CancelFunc
	done   chan error // Receives the serve loop result once.
}

// ListenRedis starts serving `kv` on `addr` and returns once the listener is bound.
// The cache is owned by the caller; closing the server leaves it open.
func ListenRedis(addr string, kv cache.KeyValueCache) (*RedisServer, error) {
	if addr == "" {
		return nil, errors.New("expected a non-empty listen address")
	}
	ctx, cancel := context.WithCancel(context.Background())
	handler, err := newRedisHandler(ctx, kv)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	server := redcon.NewServerNetwork("tcp" /*net*/, addr,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			output := handler.handle(newRedisCommand(cmd.Args))
			output.writeTo(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("Failed to close connection.", "remote", conn.RemoteAddr(), "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*closed*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Redis connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	listening := make(chan error, 1)
	done := make(chan error, 1)
	go func() { done <- server.ListenServeAndSignal(listening) }()
	if err := <-listening; err != nil {
		cancel()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	slog.Info("Serving Redis protocol.", "address", server.Addr().String())
	return &RedisServer{server: server, cancel: cancel, done: done}, nil
}

// Addr returns the bound listener address, which differs from the requested one for port 0.
func (rs *RedisServer) Addr() net.Addr { return rs.server.Addr() }

// Done is signaled with the serve loop result when the server stops.
func (rs *RedisServer) Done() <-chan error { return rs.done }

// Close stops accepting connections and cancels in-flight cache calls.
func (rs *RedisServer) Close() error {
	rs.cancel()
	return rs.server.Close()
}

// RunRedisServer serves `kv` on the --address flag until `ctx` is done, then closes both the server and the cache.
func RunRedisServer(ctx context.Context, kv cache.KeyValueCache) error {
	server, err := ListenRedis(*address, kv)
	if err != nil {
		return errors.Join(err, kv.Close())
	}

	select {
	case <-ctx.Done():
		serverErr := server.Close()
		cacheErr := kv.Close()
		if exitErr := errors.Join(serverErr, cacheErr); exitErr != nil {
			return fmt.Errorf("failed to close kvcached: %w", exitErr)
		}
	case err := <-server.Done():
		return errors.Join(fmt.Errorf("redis server stopped unexpectedly: %w", err), kv.Close())
	}

	return nil // Exited with no errors.
}
