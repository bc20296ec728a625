package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/zonesync/internal/logging"
	"github.com/go-redis/redis/v8"
)

// RedisConfig описывает подключение шины к Redis Pub/Sub
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Каналы: <prefix>.events.<type>
}

// RedisBus - шина событий поверх Redis Pub/Sub. Доставка без хранения: подписчик получает
// только события, опубликованные после подписки.
type RedisBus struct {
	client *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[*redisSub]struct{}

	published uint64
	consumed  uint64
	dropped   uint64
}

// NewRedisBus подключается к Redis и проверяет соединение
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "zonesync"
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
		MaxRetries:  1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	logging.Info("📮 Шина событий Redis подключена к %s (префикс %s)", cfg.Addr, cfg.Prefix)
	return &RedisBus{client: client, prefix: cfg.Prefix, subs: make(map[*redisSub]struct{})}, nil
}

func (rb *RedisBus) channel(eventType string) string {
	return fmt.Sprintf("%s.events.%s", rb.prefix, eventType)
}

// Publish сериализует Envelope в JSON и публикует в канал <prefix>.events.<type>
func (rb *RedisBus) Publish(ctx context.Context, ev *Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		atomic.AddUint64(&rb.dropped, 1)
		return err
	}
	if err := rb.client.Publish(ctx, rb.channel(ev.EventType), data).Err(); err != nil {
		atomic.AddUint64(&rb.dropped, 1)
		return err
	}
	atomic.AddUint64(&rb.published, 1)
	return nil
}

// Subscribe подписывается на каналы выбранных типов или на шаблон всех событий
func (rb *RedisBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	var ps *redis.PubSub
	if len(f.Types) == 0 {
		ps = rb.client.PSubscribe(ctx, rb.channel("*"))
	} else {
		channels := make([]string, len(f.Types))
		for i, t := range f.Types {
			channels[i] = rb.channel(t)
		}
		ps = rb.client.Subscribe(ctx, channels...)
	}
	// Дожидаемся подтверждения подписки, чтобы не потерять ближайшие события
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &redisSub{bus: rb, ps: ps, done: make(chan struct{})}
	rb.mu.Lock()
	rb.subs[sub] = struct{}{}
	rb.mu.Unlock()

	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			var ev Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				atomic.AddUint64(&rb.dropped, 1)
				continue
			}
			if !matchFilter(&ev, f) {
				continue
			}
			h(ctx, &ev)
			atomic.AddUint64(&rb.consumed, 1)
		}
	}()
	return sub, nil
}

// Metrics возвращает текущие метрики
func (rb *RedisBus) Metrics() Stats {
	return Stats{
		Published: atomic.LoadUint64(&rb.published),
		Consumed:  atomic.LoadUint64(&rb.consumed),
		Dropped:   atomic.LoadUint64(&rb.dropped),
	}
}

// Close закрывает подписки и клиент
func (rb *RedisBus) Close() error {
	rb.mu.Lock()
	subs := make([]*redisSub, 0, len(rb.subs))
	for s := range rb.subs {
		subs = append(subs, s)
	}
	rb.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return rb.client.Close()
}

type redisSub struct {
	bus  *RedisBus
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		_ = s.ps.Close()
		<-s.done
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}
