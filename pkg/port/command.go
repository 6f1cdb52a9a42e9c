package port

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nobletooth/kvcache/pkg/cache"
)

var (
	errSyntax         = errors.New("syntax error")
	errInvalidExpire  = errors.New("invalid expire time in 'set' command")
	errUnknownCommand = errors.New("unknown command")
	errNotInteger     = errors.New("value is not an integer or out of range")
)

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string // Upper-cased.
	args    [][]byte
}

func newRedisCommand(args [][]byte) redisCommand {
	if len(args) == 0 {
		return redisCommand{}
	}
	return redisCommand{command: strings.ToUpper(string(args[0])), args: args[1:]}
}

func wrongArity(command string) error {
	return fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command))
}

// setCommand is a parsed `SET key value [EX seconds|PX milliseconds]`.
type setCommand struct {
	key   string
	value []byte
	ttl   time.Duration // Zero when no expiry was given.
}

func (sc setCommand) options() []cache.SetOption {
	if sc.ttl == 0 {
		return nil
	}
	return []cache.SetOption{cache.WithTTL(sc.ttl)}
}

// parseSetCommand parses the arguments following SET. Only the EX and PX modifiers are understood; existence checks
// (NX, XX), KEEPTTL and GET need a read-modify-write that a KeyValueCache cannot offer atomically.
func parseSetCommand(args [][]byte) (setCommand, error) {
	if len(args) < 2 {
		return setCommand{}, wrongArity("SET")
	}
	cmd := setCommand{key: string(args[0]), value: args[1]}
	for i := 2; i < len(args); i++ {
		var unit time.Duration
		switch strings.ToUpper(string(args[i])) {
		case "EX":
			unit = time.Second
		case "PX":
			unit = time.Millisecond
		default:
			return setCommand{}, errSyntax
		}
		if cmd.ttl != 0 || i+1 >= len(args) { // Only one expiry, and it needs an amount.
			return setCommand{}, errSyntax
		}
		i++
		amount, err := strconv.ParseInt(string(args[i]), 10, 64)
		if err != nil {
			return setCommand{}, errNotInteger
		}
		if amount <= 0 || amount > int64(time.Duration(1<<63-1)/unit) {
			return setCommand{}, errInvalidExpire
		}
		cmd.ttl = time.Duration(amount) * unit
	}
	return cmd, nil
}
