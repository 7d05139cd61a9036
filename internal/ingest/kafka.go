package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/scalytics/pmdaemon/internal/action"
)

// SourceKafka is the Event.Source of events read from Kafka.
const SourceKafka = "kafka"

// Consumer reads raw messages from a topic.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan ConsumerMessage
	Close() error
}

// ConsumerMessage is a raw message from Kafka.
type ConsumerMessage struct {
	Topic string
	Key   []byte
	Value []byte
	Time  time.Time
}

// KafkaConsumer implements Consumer using segmentio/kafka-go.
type KafkaConsumer struct {
	brokers  string
	groupID  string
	topic    string
	reader   *kafka.Reader
	messages chan ConsumerMessage
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// NewKafkaConsumer creates a consumer for one topic.
func NewKafkaConsumer(brokers, groupID, topic string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:  brokers,
		groupID:  groupID,
		topic:    topic,
		messages: make(chan ConsumerMessage, 100),
	}
}

// Start begins consuming in the background until ctx is cancelled or Close
// is called.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return nil
	}
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(c.brokers, ","),
		Topic:    c.topic,
		GroupID:  c.groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func(r *kafka.Reader, done chan struct{}) {
		defer close(done)
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				slog.Warn("KafkaConsumer: read error", "topic", c.topic, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(readRetryDelay):
				}
				continue
			}
			select {
			case c.messages <- ConsumerMessage{Topic: msg.Topic, Key: msg.Key, Value: msg.Value, Time: msg.Time}:
			case <-ctx.Done():
				return
			}
		}
	}(c.reader, c.done)
	return nil
}

const readRetryDelay = time.Second

// Messages returns the channel of consumed messages.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage { return c.messages }

// Close stops the reader and waits for the read loop to exit.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	c.cancel()
	err := c.reader.Close()
	<-c.done
	c.reader = nil
	return err
}

var errMissingID = errors.New("event has neither id nor key")

// kafkaEvent is the JSON value of an event message.
type kafkaEvent struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel_id"`
	Sender    string    `json:"sender_id"`
	Text      string    `json:"text"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// KafkaSource turns consumed messages into events. Fetch drains whatever the
// consumer has buffered without blocking.
type KafkaSource struct {
	consumer Consumer
	started  bool
	mu       sync.Mutex
}

// NewKafkaSource wraps consumer.
func NewKafkaSource(consumer Consumer) *KafkaSource {
	return &KafkaSource{consumer: consumer}
}

func (s *KafkaSource) Name() string { return SourceKafka }

// Fetch returns the buffered events newer than since. Undecodable messages are
// logged and dropped.
func (s *KafkaSource) Fetch(ctx context.Context, since time.Time) ([]action.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		if err := s.consumer.Start(ctx); err != nil {
			return nil, err
		}
		s.started = true
	}

	var out []action.Event
	for {
		select {
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				return out, nil
			}
			ev, err := decodeKafkaEvent(msg)
			if err != nil {
				slog.Warn("Dropping undecodable Kafka event", "topic", msg.Topic, "key", string(msg.Key), "error", err)
				continue
			}
			if !since.IsZero() && ev.Timestamp.Before(since) {
				continue
			}
			out = append(out, ev)
		default:
			return out, nil
		}
	}
}

// Close stops the consumer.
func (s *KafkaSource) Close() error { return s.consumer.Close() }

func decodeKafkaEvent(msg ConsumerMessage) (action.Event, error) {
	var in kafkaEvent
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		return action.Event{}, err
	}
	id := in.ID
	if id == "" {
		id = string(msg.Key)
	}
	if id == "" {
		return action.Event{}, errMissingID
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = msg.Time
	}
	return action.Event{
		ID:        id,
		Source:    SourceKafka,
		ChannelID: in.Channel,
		SenderID:  in.Sender,
		Text:      in.Text,
		ThreadID:  in.ThreadID,
		Timestamp: ts,
	}, nil
}
