// Package bus owns the NATS JetStream connection and pumps messages into
// registered workers. Workers never touch the connection directly; they
// publish through the callback the manager injects.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cmsj/dreambot/internal/envelope"
	"github.com/cmsj/dreambot/internal/metrics"
	"github.com/cmsj/dreambot/internal/worker"
)

// StreamName is the single stream carrying all dreambot traffic.
const StreamName = "dreambot"

const (
	fetchTimeout  = 2 * time.Second
	retryWait     = 5 * time.Second
	bootPollWait  = time.Second
	redeliverWait = 5 * time.Second
	drainGrace    = 5 * time.Second
)

const (
	outcomeAck    = "ack"
	outcomeDefer  = "defer"
	outcomePoison = "poison"
)

// streamSubjects returns the subject space of the shared stream, one
// wildcard per worker end.
func streamSubjects() []string {
	return []string{
		fmt.Sprintf("%s.>", worker.EndFrontend),
		fmt.Sprintf("%s.>", worker.EndBackend),
	}
}

// Manager connects to NATS, ensures the shared work-queue stream exists and
// runs one pump goroutine per registered worker.
type Manager struct {
	name    string
	uris    []string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
	nc *nats.Conn
	js nats.JetStreamContext

	streamMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// fatal is called on unrecoverable bus errors such as a slow-consumer
	// signal. A restart supervisor is expected to bring the process back.
	fatal func()
}

// New creates a bus manager. The name is used as the NATS client name and
// uris lists the candidate servers.
func New(logger zerolog.Logger, met *metrics.Metrics, name string, uris []string) *Manager {
	return &Manager{
		name:    name,
		uris:    uris,
		logger:  logger.With().Str("component", "bus").Logger(),
		metrics: met,
		stopCh:  make(chan struct{}),
		fatal:   func() { os.Exit(1) },
	}
}

// Connect dials NATS and ensures the shared stream exists.
func (m *Manager) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(m.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(retryWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			m.metrics.SetBusConnected(false)
			m.logger.Warn().Err(err).Msg("bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			m.metrics.SetBusConnected(true)
			m.metrics.RecordReconnect("bus")
			m.logger.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) {
				m.logger.Error().Err(err).Msg("bus slow consumer detected, exiting")
				m.fatal()
				return
			}
			m.logger.Error().Err(err).Msg("bus error")
		}),
	}

	nc, err := nats.Connect(strings.Join(m.uris, ","), opts...)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("opening jetstream context: %w", err)
	}

	m.mu.Lock()
	m.nc = nc
	m.js = js
	m.mu.Unlock()

	m.metrics.SetBusConnected(true)
	m.logger.Info().Str("url", nc.ConnectedUrl()).Msg("bus connected")

	return m.ensureStream()
}

// Serve injects the publish callback into each worker and starts its pump.
// Connect must have succeeded first. Serve does not block.
func (m *Manager) Serve(ctx context.Context, workers ...worker.Worker) {
	for _, w := range workers {
		w.SetPublish(m.Publish)
		m.wg.Add(1)
		go m.pump(ctx, w)
	}
}

// Publish sends an envelope to the subject named by its to field. The
// logged form has any image payload redacted.
func (m *Manager) Publish(ctx context.Context, env *envelope.Envelope) error {
	if env.To == "" {
		return fmt.Errorf("envelope has no destination")
	}

	js := m.jetStream()
	if js == nil {
		return fmt.Errorf("bus not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	m.logger.Debug().Str("subject", env.To).Str("envelope", env.String()).Msg("publishing")

	if _, err := js.Publish(env.To, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publishing to %s: %w", env.To, err)
	}
	m.metrics.RecordPublish(env.To)
	return nil
}

// Shutdown stops all pumps, waits a bounded grace period for in-flight acks
// to drain and closes the connection. Idempotent.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		m.logger.Warn().Msg("pumps did not stop within grace period")
	}

	m.mu.Lock()
	nc := m.nc
	m.nc = nil
	m.js = nil
	m.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	m.metrics.SetBusConnected(false)
	m.logger.Info().Msg("bus shut down")
}

// pump subscribes the worker's durable consumer and consumes until shutdown.
// Subscription failures retry forever; a duplicate-consumer rejection means
// a previous instance's consumer has not timed out yet and is expected
// during fast restarts.
func (m *Manager) pump(ctx context.Context, w worker.Worker) {
	defer m.wg.Done()

	id := w.Identity()
	subject := id.Address()
	durable := id.Queue()
	log := m.logger.With().Str("worker", subject).Logger()

	for !m.stopping(ctx) {
		js := m.jetStream()
		if js == nil {
			m.wait(ctx, retryWait)
			continue
		}

		if err := m.ensureStream(); err != nil {
			log.Error().Err(err).Msg("stream lookup failed")
			m.wait(ctx, retryWait)
			continue
		}

		sub, err := js.QueueSubscribeSync(subject, durable,
			nats.Durable(durable),
			nats.ManualAck(),
			nats.BindStream(StreamName),
		)
		if err != nil {
			if isDuplicateConsumer(err) {
				log.Warn().Err(err).Msg("consumer already bound, previous instance has not timed out yet")
				m.wait(ctx, retryWait)
				continue
			}
			log.Error().Err(err).Msg("subscribe failed")
			m.wait(ctx, retryWait)
			continue
		}

		log.Info().Str("stream", StreamName).Str("durable", durable).Msg("subscribed")
		m.consume(ctx, log, sub, w)
	}
}

// consume pulls messages until shutdown or until the subscription dies, in
// which case it returns so pump can resubscribe. The durable consumer is
// never unsubscribed; deleting it would drop its cursor.
func (m *Manager) consume(ctx context.Context, log zerolog.Logger, sub *nats.Subscription, w worker.Worker) {
	addr := w.Identity().Address()

	for !m.stopping(ctx) {
		m.metrics.SetBooted(addr, w.Booted())

		msg, err := sub.NextMsg(fetchTimeout)
		if err != nil {
			switch {
			case errors.Is(err, nats.ErrTimeout):
				continue
			case errors.Is(err, nats.ErrConnectionClosed),
				errors.Is(err, nats.ErrBadSubscription),
				errors.Is(err, nats.ErrConsumerDeleted):
				log.Warn().Err(err).Msg("subscription lost, resubscribing")
				return
			default:
				log.Error().Err(err).Msg("fetching message")
				m.wait(ctx, retryWait)
				continue
			}
		}

		if !w.Booted() {
			// Hold the message unacked so the broker redelivers it
			// once the worker is ready.
			log.Debug().Msg("worker not booted yet, holding message")
			m.wait(ctx, bootPollWait)
			continue
		}

		m.deliver(ctx, log, w, addr, msg)
	}
}

// deliver decodes one message and runs the worker's Receive, applying the
// acknowledgement law: ack unless Receive returned an explicit false, and
// ack poison messages so they cannot wedge the queue.
func (m *Manager) deliver(ctx context.Context, log zerolog.Logger, w worker.Worker, addr string, msg *nats.Msg) {
	m.metrics.RecordReceive(addr)

	var env envelope.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Error().Err(err).Msg("undecodable message, dropping")
		m.metrics.RecordOutcome(addr, outcomePoison)
		m.ack(log, msg)
		return
	}

	log.Debug().Str("envelope", env.String()).Msg("received")

	start := time.Now()
	ack, rerr := w.Receive(ctx, msg.Subject, &env)
	m.metrics.ObserveReceive(addr, time.Since(start).Seconds())

	switch receiveOutcome(ack, rerr) {
	case outcomePoison:
		log.Error().Err(rerr).Str("envelope", env.String()).Msg("receive failed, dropping message")
		m.metrics.RecordOutcome(addr, outcomePoison)
		m.ack(log, msg)
	case outcomeDefer:
		log.Debug().Msg("worker deferred message, redelivering later")
		m.metrics.RecordOutcome(addr, outcomeDefer)
		if err := msg.NakWithDelay(redeliverWait); err != nil {
			log.Warn().Err(err).Msg("nak failed")
		}
	default:
		m.metrics.RecordOutcome(addr, outcomeAck)
		m.ack(log, msg)
	}
}

func (m *Manager) ack(log zerolog.Logger, msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		log.Warn().Err(err).Msg("ack failed")
	}
}

// ensureStream creates the shared stream when it does not exist yet.
func (m *Manager) ensureStream() error {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()

	js := m.jetStream()
	if js == nil {
		return fmt.Errorf("bus not connected")
	}

	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %s: %w", StreamName, err)
	}

	m.logger.Info().Str("stream", StreamName).Msg("stream does not exist, creating it")
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  streamSubjects(),
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}
	return nil
}

func (m *Manager) jetStream() nats.JetStreamContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.js
}

// Connected reports whether the NATS connection is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nc != nil && m.nc.IsConnected()
}

func (m *Manager) stopping(ctx context.Context) bool {
	select {
	case <-m.stopCh:
		return true
	default:
	}
	return ctx.Err() != nil
}

// wait sleeps for d, returning early with false on shutdown.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// receiveOutcome classifies a Receive result. Only an explicit false defers
// redelivery; an error is poison and the message is acked regardless.
func receiveOutcome(ack bool, err error) string {
	switch {
	case err != nil:
		return outcomePoison
	case !ack:
		return outcomeDefer
	default:
		return outcomeAck
	}
}

// isDuplicateConsumer reports whether a subscribe was rejected because the
// durable consumer is still bound to a previous instance of this process.
func isDuplicateConsumer(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 400 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already bound")
}
