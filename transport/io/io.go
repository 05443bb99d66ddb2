// Package io is a file-backed egress backend. Messages are appended to
// a newline-delimited JSON journal; the subscriber tails the journal,
// so a reader started later still sees everything that was written.
// Handy for capturing egress output on machines with no broker at all.
package io

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/dltstream/internal/runtime/jsoncodec"
	"github.com/drblury/dltstream/transport"
)

// TransportName selects this backend via Config.
const TransportName = "io"

// DefaultFilePath is used when the configuration names no journal file.
const DefaultFilePath = "messages.log"

// pollInterval is how long the tailing subscriber sleeps at end of
// journal before looking for new entries.
const pollInterval = 50 * time.Millisecond

// PublisherFactory and SubscriberFactory are seams for tests.
var (
	PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return &Publisher{filePath: filePath, logger: logger}, nil
	}
	SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return &Subscriber{filePath: filePath, logger: logger}, nil
	}
)

func init() {
	Register()
}

// Register adds the backend to the default registry. Importing the
// package already does this.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build opens a journal-backed transport on the configured file.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// Capabilities reports what the journal backend supports.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// journalEntry is one line of the journal.
type journalEntry struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
	Topic    string            `json:"topic"`
}

// Publisher appends messages to the journal file. The file is opened
// per call so external rotation does not wedge the publisher.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
}

// Publish appends one journal line per message.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, msg := range messages {
		entry := journalEntry{
			UUID:     msg.UUID,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
			Topic:    topic,
		}

		b, err := jsoncodec.Marshal(entry)
		if err != nil {
			return err
		}

		if _, err := f.Write(b); err != nil {
			return err
		}
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	return nil
}

// Subscriber tails the journal file and replays entries for the
// requested topic.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter
}

// Subscribe reads the journal from the beginning and keeps following it
// until the context is cancelled.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	out := make(chan *message.Message)

	go func() {
		defer close(out)

		f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0600)
		if err != nil {
			s.logger.Error("Failed to open journal", err, nil)
			return
		}
		defer f.Close()

		var lastPos int64
		reader := bufio.NewReader(f)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					if !s.waitForMore(f, reader, &lastPos) {
						return
					}
					continue
				}
				s.logger.Error("Failed to read journal", err, nil)
				return
			}

			// Remember where the last complete line ended.
			currentPos, _ := f.Seek(0, io.SeekCurrent)
			lastPos = currentPos - int64(reader.Buffered())

			if !s.emit(ctx, out, line, topic) {
				return
			}
		}
	}()

	return out, nil
}

func (s *Subscriber) Close() error {
	return nil
}

// waitForMore parks briefly at end of journal and rewinds to the last
// complete line so a partially written entry is re-read whole.
func (s *Subscriber) waitForMore(f *os.File, reader *bufio.Reader, lastPos *int64) bool {
	currentPos, _ := f.Seek(0, io.SeekCurrent)
	currentPos -= int64(reader.Buffered())

	if currentPos > *lastPos {
		*lastPos = currentPos
	}

	time.Sleep(pollInterval)

	if _, err := f.Seek(*lastPos, io.SeekStart); err != nil {
		s.logger.Error("Failed to seek journal", err, nil)
		return false
	}
	reader.Reset(f)
	return true
}

// emit delivers one journal line, blocking until the consumer acks,
// nacks, or the context ends. Lines for other topics and corrupt lines
// are skipped.
func (s *Subscriber) emit(ctx context.Context, out chan<- *message.Message, line []byte, topic string) bool {
	var entry journalEntry
	if err := jsoncodec.Unmarshal(line, &entry); err != nil {
		s.logger.Error("Skipping corrupt journal line", err, nil)
		return true
	}

	if entry.Topic != topic {
		return true
	}

	msg := message.NewMessage(entry.UUID, entry.Payload)
	msg.Metadata = entry.Metadata

	select {
	case out <- msg:
		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			s.logger.Debug("Message nacked", watermill.LogFields{"uuid": msg.UUID})
		case <-ctx.Done():
			return false
		}
	case <-ctx.Done():
		return false
	}
	return true
}
