package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"PushRelay/pkg/config"
	"PushRelay/pkg/registry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type eventKind int

const (
	eventBound eventKind = iota
	eventUnbound
)

type event struct {
	kind      eventKind
	recipient string
	connID    string
}

// Store mirrors the bound connection ids of each recipient into a Redis set
// <prefix>:conn:<recipient> so other processes can see who is online.
// Registry callbacks only enqueue; a single worker applies them in order and
// rewrites every live set before its TTL runs out.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	// owned by the worker goroutine
	live map[string]map[string]struct{}

	events chan event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

var _ registry.Observer = (*Store)(nil)

func New(client *redis.Client, cfg *config.PresenceConfig) *Store {
	prefix, ttl, size := "pushrelay", 120*time.Second, 1024
	if cfg != nil {
		if cfg.KeyPrefix != "" {
			prefix = cfg.KeyPrefix
		}
		if cfg.TTL > 0 {
			ttl = time.Duration(cfg.TTL) * time.Second
		}
		if cfg.QueueSize > 0 {
			size = cfg.QueueSize
		}
	}
	return &Store{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		live:   make(map[string]map[string]struct{}),
		events: make(chan event, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Store) connKey(recipient string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, recipient)
}

func (s *Store) SlotReserved(string, string) {}

func (s *Store) HandleBound(h *registry.Handle) {
	s.enqueue(event{kind: eventBound, recipient: h.Recipient(), connID: h.ConnectionID()})
}

func (s *Store) HandleUnbound(h *registry.Handle) {
	s.enqueue(event{kind: eventUnbound, recipient: h.Recipient(), connID: h.ConnectionID()})
}

func (s *Store) enqueue(ev event) {
	select {
	case s.events <- ev:
	default:
		zap.L().Warn("presence queue full, dropping event",
			zap.String("user_id", ev.recipient),
			zap.String("connection_id", registry.MaskID(ev.connID)))
	}
}

// Start runs the flush worker until Close is called.
func (s *Store) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.refreshInterval())
		defer ticker.Stop()
		for {
			select {
			case ev := <-s.events:
				s.track(ev)
				s.apply(ctx, ev)
			case <-ticker.C:
				s.refresh(ctx)
			case <-s.stop:
				s.drain(ctx)
				zap.L().Info("presence worker exiting")
				return
			}
		}
	}()
}

func (s *Store) drain(ctx context.Context) {
	for {
		select {
		case ev := <-s.events:
			s.track(ev)
			s.apply(ctx, ev)
		default:
			return
		}
	}
}

func (s *Store) refreshInterval() time.Duration {
	if d := s.ttl / 3; d >= 100*time.Millisecond {
		return d
	}
	return 100 * time.Millisecond
}

// track keeps the worker's own view of bound connections, which refresh
// replays into Redis.
func (s *Store) track(ev event) {
	conns := s.live[ev.recipient]
	switch ev.kind {
	case eventBound:
		if conns == nil {
			conns = make(map[string]struct{})
			s.live[ev.recipient] = conns
		}
		conns[ev.connID] = struct{}{}
	case eventUnbound:
		delete(conns, ev.connID)
		if len(conns) == 0 {
			delete(s.live, ev.recipient)
		}
	}
}

// refresh re-adds every live connection id and pushes the expiry forward, so
// long-lived sockets stay listed and a flushed Redis is repopulated.
func (s *Store) refresh(ctx context.Context) {
	if len(s.live) == 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pipe := s.client.Pipeline()
	for recipient, conns := range s.live {
		key := s.connKey(recipient)
		members := make([]interface{}, 0, len(conns))
		for id := range conns {
			members = append(members, id)
		}
		pipe.SAdd(opCtx, key, members...)
		pipe.Expire(opCtx, key, s.ttl)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		zap.L().Error("presence: refresh failed", zap.Int("recipients", len(s.live)), zap.Error(err))
	}
}

// Close stops the worker after flushing queued events. Safe to call more than
// once; it must only be called after Start.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Store) apply(ctx context.Context, ev event) {
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	key := s.connKey(ev.recipient)

	switch ev.kind {
	case eventBound:
		pipe := s.client.TxPipeline()
		pipe.SAdd(opCtx, key, ev.connID)
		pipe.Expire(opCtx, key, s.ttl)
		if _, err := pipe.Exec(opCtx); err != nil {
			zap.L().Error("presence: record connect failed",
				zap.String("user_id", ev.recipient), zap.Error(err))
		}
	case eventUnbound:
		pipe := s.client.TxPipeline()
		pipe.SRem(opCtx, key, ev.connID)
		card := pipe.SCard(opCtx, key)
		if _, err := pipe.Exec(opCtx); err != nil {
			zap.L().Error("presence: record disconnect failed",
				zap.String("user_id", ev.recipient), zap.Error(err))
			return
		}
		if card.Val() == 0 {
			if err := s.client.Del(opCtx, key).Err(); err != nil {
				zap.L().Warn("presence: delete empty set failed",
					zap.String("user_id", ev.recipient), zap.Error(err))
			}
		}
	}
}

// Online lists the connection ids currently recorded for recipient.
func (s *Store) Online(ctx context.Context, recipient string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.connKey(recipient)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence lookup %s: %w", recipient, err)
	}
	return ids, nil
}
