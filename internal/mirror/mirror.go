// Package mirror keeps a remote redis copy of the balance and consumes
// commands written there by the companion tooling. The device is the
// source of truth; the mirror is a one-way snapshot plus a mailbox of
// pending adjustments.
package mirror

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/ledger"
	"github.com/goodtune/timegate/internal/metrics"
)

// Command hash fields. The sentinel "0" means no command pending;
// consumption resets a field back to the sentinel in the same script
// that reads it.
const (
	fieldAddTime      = "add_time"
	fieldSetAvailable = "set_available"
	fieldSetRate      = "set_rate"
	fieldChatGrant    = "chat_grant"

	commandSentinel = "0"
)

// consumeCommandsScript atomically reads every pending command field
// and resets it to the sentinel, so a command is applied exactly once
// even with multiple consumers.
const consumeCommandsScript = `
local key = KEYS[1]
local sentinel = ARGV[1]
local fields = {'add_time', 'set_available', 'set_rate', 'chat_grant'}
local out = {}

for i, field in ipairs(fields) do
  local value = redis.call('HGET', key, field)
  if value and value ~= sentinel then
    out[#out+1] = field
    out[#out+1] = value
    redis.call('HSET', key, field, sentinel)
  end
end

return out
`

// Commands is the slice of the ledger the mirror drives.
type Commands interface {
	Grant(seconds float64) error
	SetAvailable(seconds float64) error
	SetRate(rate float64) error
}

// Mirror is the redis-backed remote state mirror.
type Mirror struct {
	client   *redis.Client
	cfg      config.MirrorConfig
	clock    clock.Clock
	commands Commands
	logger   zerolog.Logger

	snapshots chan ledger.Snapshot
}

// Open connects to redis and verifies the connection.
func Open(cfg config.MirrorConfig, clk clock.Clock, commands Commands, logger zerolog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Mirror{
		client:    client,
		cfg:       cfg,
		clock:     clk,
		commands:  commands,
		logger:    logger.With().Str("component", "mirror").Logger(),
		snapshots: make(chan ledger.Snapshot, 1),
	}, nil
}

// Close closes the Redis connection
func (m *Mirror) Close() error {
	return m.client.Close()
}

func (m *Mirror) stateKey() string {
	return fmt.Sprintf("timegate:device:%s:state", m.cfg.DeviceID)
}

func (m *Mirror) commandsKey() string {
	return fmt.Sprintf("timegate:device:%s:commands", m.cfg.DeviceID)
}

// PushSnapshot queues a snapshot for the push loop, latest wins. It
// never blocks the caller.
func (m *Mirror) PushSnapshot(s ledger.Snapshot) {
	for {
		select {
		case m.snapshots <- s:
			return
		default:
			select {
			case <-m.snapshots:
			default:
			}
		}
	}
}

// Run pushes queued snapshots and polls for commands until ctx is
// cancelled. Pushes drain at most one snapshot per push interval, so a
// ticking ledger costs one HSET per interval rather than one per tick.
func (m *Mirror) Run(ctx context.Context) {
	pollTicker := m.clock.Ticker(m.cfg.PollInterval)
	defer pollTicker.Stop()
	pushTicker := m.clock.Ticker(m.cfg.PushInterval)
	defer pushTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pushTicker.C:
			m.PushPending(ctx)
		case <-pollTicker.C:
			if err := m.Consume(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to consume commands")
			}
		}
	}
}

// PushPending pushes the latest queued snapshot, if there is one.
func (m *Mirror) PushPending(ctx context.Context) {
	select {
	case s := <-m.snapshots:
		if err := m.Push(ctx, s); err != nil {
			metrics.MirrorPushErrors.Inc()
			m.logger.Warn().Err(err).Msg("Failed to push snapshot")
		}
	default:
	}
}

// Push writes one snapshot to the state hash.
func (m *Mirror) Push(ctx context.Context, s ledger.Snapshot) error {
	return m.client.HSet(ctx, m.stateKey(),
		"mode", s.Mode.String(),
		"available_seconds", strconv.FormatFloat(s.AvailableSeconds, 'f', -1, 64),
		"accumulated_seconds", strconv.FormatFloat(s.AccumulatedSeconds, 'f', -1, 64),
		"rate", strconv.FormatFloat(s.Rate, 'f', -1, 64),
		"updated_at", strconv.FormatInt(m.clock.Now().Unix(), 10),
	).Err()
}

// Consume applies every pending command exactly once. Malformed values
// are logged and skipped; they have already been reset.
func (m *Mirror) Consume(ctx context.Context) error {
	script := redis.NewScript(consumeCommandsScript)
	result, err := script.Run(ctx, m.client, []string{m.commandsKey()}, commandSentinel).Result()
	if err != nil {
		return fmt.Errorf("failed to consume commands: %w", err)
	}

	pairs, ok := result.([]interface{})
	if !ok {
		return fmt.Errorf("unexpected script result type %T", result)
	}

	for i := 0; i+1 < len(pairs); i += 2 {
		field, _ := pairs[i].(string)
		raw, _ := pairs[i+1].(string)
		m.apply(field, raw)
	}
	return nil
}

func (m *Mirror) apply(field, raw string) {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		m.logger.Warn().Str("field", field).Str("value", raw).Msg("Ignoring malformed command")
		return
	}

	switch field {
	case fieldAddTime, fieldChatGrant:
		err = m.commands.Grant(value)
	case fieldSetAvailable:
		err = m.commands.SetAvailable(value)
	case fieldSetRate:
		err = m.commands.SetRate(value)
	default:
		m.logger.Warn().Str("field", field).Msg("Ignoring unknown command")
		return
	}

	if err != nil {
		m.logger.Warn().Err(err).Str("field", field).Float64("value", value).Msg("Command rejected")
		return
	}

	metrics.MirrorCommands.WithLabelValues(field).Inc()
	m.logger.Info().Str("field", field).Float64("value", value).Msg("Applied remote command")
}
