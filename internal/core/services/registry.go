package services

import (
	"errors"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

const (
	resourceTransport = "transport"
	resourceProducer  = "producer"
	resourceConsumer  = "consumer"
)

type consumerEntry struct {
	consumer ports.Consumer
	peerID   domain.PeerID
}

// Registry owns every transport, producer and consumer of the current call.
// Entries are removed exactly once, either by an explicit close or by CloseAll.
type Registry struct {
	mu            sync.Mutex
	sendTransport ports.Transport
	recvTransport ports.Transport
	producers     map[domain.ProducerID]ports.Producer
	consumers     map[domain.ConsumerID]consumerEntry

	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
}

func NewRegistry(metrics ports.CallMetrics, logger *zap.SugaredLogger) *Registry {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		producers: make(map[domain.ProducerID]ports.Producer),
		consumers: make(map[domain.ConsumerID]consumerEntry),
		metrics:   metrics,
		logger:    logger,
	}
}

// RegisterTransport stores t in the slot for its direction.
func (r *Registry) RegisterTransport(t ports.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := &r.sendTransport
	if t.Direction() == domain.DirectionRecv {
		slot = &r.recvTransport
	}
	if *slot != nil {
		return domain.NewDuplicateResourceError(resourceTransport, string(t.Direction()))
	}
	for _, existing := range []ports.Transport{r.sendTransport, r.recvTransport} {
		if existing != nil && existing.ID() == t.ID() {
			return domain.NewDuplicateResourceError(resourceTransport, t.ID().String())
		}
	}

	*slot = t
	r.metrics.ResourceOpened(resourceTransport)
	r.logger.Debugw("transport registered", "transport_id", t.ID(), "direction", t.Direction())
	return nil
}

func (r *Registry) RegisterProducer(p ports.Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.producers[p.ID()]; exists {
		return domain.NewDuplicateResourceError(resourceProducer, p.ID().String())
	}
	r.producers[p.ID()] = p
	r.metrics.ResourceOpened(resourceProducer)
	r.logger.Debugw("producer registered", "producer_id", p.ID(), "kind", p.Kind())
	return nil
}

func (r *Registry) RegisterConsumer(c ports.Consumer, peerID domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.consumers[c.ID()]; exists {
		return domain.NewDuplicateResourceError(resourceConsumer, c.ID().String())
	}
	r.consumers[c.ID()] = consumerEntry{consumer: c, peerID: peerID}
	r.metrics.ResourceOpened(resourceConsumer)
	r.logger.Debugw("consumer registered", "consumer_id", c.ID(), "producer_id", c.ProducerID(), "peer_id", peerID)
	return nil
}

// CloseProducer closes and removes the producer. Absent ids are a no-op.
func (r *Registry) CloseProducer(id domain.ProducerID) error {
	r.mu.Lock()
	p, ok := r.producers[id]
	delete(r.producers, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.metrics.ResourceClosed(resourceProducer)
	return p.Close()
}

// ForgetProducer drops the entry without closing it; used when the
// transport already tore the producer down.
func (r *Registry) ForgetProducer(id domain.ProducerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.producers[id]; !ok {
		return false
	}
	delete(r.producers, id)
	r.metrics.ResourceClosed(resourceProducer)
	return true
}

// CloseConsumer closes and removes the consumer. Absent ids are a no-op.
func (r *Registry) CloseConsumer(id domain.ConsumerID) error {
	r.mu.Lock()
	entry, ok := r.consumers[id]
	delete(r.consumers, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.metrics.ResourceClosed(resourceConsumer)
	return entry.consumer.Close()
}

// CloseAll closes producers, then consumers, then both transports, and
// leaves the registry empty. Calling it again is a no-op.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	producers := make([]ports.Producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	consumers := make([]ports.Consumer, 0, len(r.consumers))
	for _, entry := range r.consumers {
		consumers = append(consumers, entry.consumer)
	}
	transports := make([]ports.Transport, 0, 2)
	for _, t := range []ports.Transport{r.sendTransport, r.recvTransport} {
		if t != nil {
			transports = append(transports, t)
		}
	}
	r.producers = make(map[domain.ProducerID]ports.Producer)
	r.consumers = make(map[domain.ConsumerID]consumerEntry)
	r.sendTransport, r.recvTransport = nil, nil
	r.mu.Unlock()

	var errs []error
	for _, p := range producers {
		r.metrics.ResourceClosed(resourceProducer)
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range consumers {
		r.metrics.ResourceClosed(resourceConsumer)
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range transports {
		r.metrics.ResourceClosed(resourceTransport)
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if n := len(producers) + len(consumers) + len(transports); n > 0 {
		r.logger.Infow("registry cleared",
			"producers", len(producers),
			"consumers", len(consumers),
			"transports", len(transports),
		)
	}
	return errors.Join(errs...)
}

func (r *Registry) SendTransport() ports.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendTransport
}

func (r *Registry) RecvTransport() ports.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recvTransport
}

func (r *Registry) Producer(id domain.ProducerID) (ports.Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// ProducerOfKind returns any live producer of kind.
func (r *Registry) ProducerOfKind(kind domain.MediaKind) (ports.Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.producers {
		if p.Kind() == kind {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) Consumer(id domain.ConsumerID) (ports.Consumer, domain.PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.consumers[id]
	return entry.consumer, entry.peerID, ok
}

// HasConsumerFor reports whether producerID is already being consumed.
func (r *Registry) HasConsumerFor(producerID domain.ProducerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.consumers {
		if entry.consumer.ProducerID() == producerID {
			return true
		}
	}
	return false
}

func (r *Registry) ProducerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.producers)
}

func (r *Registry) ConsumerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}

// Empty reports whether nothing at all is registered.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.producers) == 0 && len(r.consumers) == 0 &&
		r.sendTransport == nil && r.recvTransport == nil
}

type nopMetrics struct{}

func (nopMetrics) CallStateChanged(from, to domain.CallState)                   {}
func (nopMetrics) CallEnded(reason domain.EndReason)                            {}
func (nopMetrics) NegotiationObserved(mode domain.CallMode, s float64, e error) {}
func (nopMetrics) ResourceOpened(kind string)                                   {}
func (nopMetrics) ResourceClosed(kind string)                                   {}
func (nopMetrics) RecordingOutcome(op string, err error)                        {}
