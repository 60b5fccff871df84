// Package notify is the event-driven counterpart to the poll loop: a
// websocket subscription to the indexing service that pushes job snapshots
// when a counterparty acts. Events for terminal jobs are dropped; the
// connection reconnects with exponential backoff.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agorahq/agora-sdk-go/pkg/metrics"
	"github.com/agorahq/agora-sdk-go/pkg/model"
)

// Event kinds pushed by the indexing service.
const (
	EventNewTask  = "new_task"
	EventEvaluate = "evaluate"
)

// Event is one pushed notification with its rehydrated job snapshot.
type Event struct {
	Kind string     `json:"type"`
	Job  *model.Job `json:"job"`
}

// Handler consumes events. It runs on the listener goroutine; long work
// should be handed off.
type Handler func(ctx context.Context, ev Event)

// TokenSource supplies bearer tokens for the subscription handshake.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Listener maintains the notification subscription for one wallet.
type Listener struct {
	url     string
	address common.Address
	tokens  TokenSource
	handler Handler

	dialer *websocket.Dialer

	recorder metrics.Recorder
	network  string

	// reconnectCap bounds the backoff between reconnect attempts.
	reconnectCap time.Duration

	// wait sleeps between reconnect attempts. Swapped out in tests.
	wait func(ctx context.Context, d time.Duration)
}

// NewListener builds a notification listener. url is the websocket endpoint
// of the deployment's indexing service.
func NewListener(url string, address common.Address, tokens TokenSource, handler Handler) *Listener {
	return &Listener{
		url:          url,
		address:      address,
		tokens:       tokens,
		handler:      handler,
		dialer:       websocket.DefaultDialer,
		recorder:     metrics.NoopRecorder{},
		reconnectCap: 60 * time.Second,
		wait: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// Instrument reports dispatched notifications to r, labeled with the
// deployment network.
func (l *Listener) Instrument(r metrics.Recorder, network string) {
	l.recorder = r
	l.network = network
}

// Run connects and consumes events until ctx is cancelled, reconnecting with
// exponential backoff on any connection failure. The backoff resets after a
// successful connect.
func (l *Listener) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxInterval = l.reconnectCap
	retry.MaxElapsedTime = 0

	for {
		err := l.consume(ctx, retry.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := retry.NextBackOff()
		zap.L().Warn("notification channel dropped, reconnecting",
			zap.Error(err), zap.Duration("in", d))
		l.wait(ctx, d)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// consume runs one connection: handshake, then a read loop dispatching
// events until the connection breaks or ctx is cancelled. connected is called
// once the dial succeeds so Run can reset its reconnect backoff.
func (l *Listener) consume(ctx context.Context, connected func()) error {
	header := http.Header{}
	header.Set("X-Wallet-Address", l.address.Hex())
	if l.tokens != nil {
		token, err := l.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	connected()
	zap.L().Info("notification channel connected", zap.String("url", l.url))

	// Close the connection when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		l.dispatch(ctx, raw)
	}
}

// dispatch decodes and filters one pushed message. Malformed messages and
// events for terminal jobs are dropped.
func (l *Listener) dispatch(ctx context.Context, raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		zap.L().Warn("undecodable notification dropped", zap.Error(err))
		return
	}
	if ev.Job == nil {
		zap.L().Warn("notification without job snapshot dropped", zap.String("type", ev.Kind))
		return
	}
	if ev.Job.IsTerminal() {
		zap.L().Debug("notification for terminal job dropped",
			zap.String("job", ev.Job.ID.String()), zap.String("phase", ev.Job.Phase.String()))
		return
	}
	ev.Job.Resolve()
	l.recorder.IncCounter(metrics.EventNotification, map[string]string{"network": l.network})
	l.handler(ctx, ev)
}
