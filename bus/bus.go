// Package bus рассылает события сканера независимым потребителям
package bus

import (
	"log"
	"os"
	"reflect"

	"github.com/cskr/pubsub"
)

var logger = log.New(os.Stdout, "[Bus] ", log.LstdFlags|log.Lshortfile)

const (
	// TopicState передает значения common.ConnectionState
	TopicState = "scanner.state"
	// TopicResult передает значения *common.ScanResult
	TopicResult = "scanner.result"
)

const defaultCapacity = 128

type Subscription chan interface{}

type MessageBus interface {
	Publish(topic string, msg interface{})
	Subscribe(topics ...string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

type PubSubBus struct {
	ps      *pubsub.PubSub
	verbose bool
}

// New создает шину, каждая подписка которой буферизует capacity сообщений
func New(capacity int, verbose bool) *PubSubBus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &PubSubBus{
		ps:      pubsub.New(capacity),
		verbose: verbose,
	}
}

func (b *PubSubBus) Publish(topic string, msg interface{}) {
	if b.verbose {
		logger.Printf("publish topic=%s payload=%s", topic, payloadType(msg))
	}
	b.ps.Pub(msg, topic)
}

func (b *PubSubBus) Subscribe(topics ...string) Subscription {
	ch := b.ps.Sub(topics...)
	if b.verbose {
		logger.Printf("subscribe topics=%v", topics)
	}
	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		return
	}
	b.ps.Unsub(ch, topics...)
}

func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}

func payloadType(v interface{}) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
