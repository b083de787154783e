// Package supervisor owns process-lifetime startup and shutdown: dialing
// every transport connection with retries before the room is joined, and
// draining active pipelines on shutdown. Grounded on the teacher's
// AWSClientPool (internal/aws/client_pool.go): a single pool-like object
// constructed once, handed to every consumer, closed once — generalized
// from AWS service clients to the three transport.*Client connections plus
// the room adapter.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nasr-live/translate-worker/internal/config"
	"github.com/nasr-live/translate-worker/internal/pipeline"
	"github.com/nasr-live/translate-worker/internal/room"
	"github.com/nasr-live/translate-worker/internal/tracer"
	"github.com/nasr-live/translate-worker/internal/transport"
)

const (
	startupRetries     = 3
	startupRetryWait   = time.Second
	shutdownDrainDelay = 5 * time.Second
)

// connector is satisfied by every transport.*Client's Connect method.
type connector interface {
	Connect(ctx context.Context) error
}

// Supervisor runs the dial-with-retries startup sequence, then owns the
// pipeline and room adapter for the remainder of the process lifetime.
type Supervisor struct {
	cfg      *config.Config
	Clients  *pipeline.Clients
	Tracer   *tracer.Tracer
	Pipeline *pipeline.Pipeline
	Room     *room.Adapter
}

// New constructs every dependency without connecting anything yet — call
// Start to run the retrying startup sequence.
func New(cfg *config.Config) *Supervisor {
	clients := &pipeline.Clients{
		STT: transport.NewSTTClient(cfg.STTServiceURL, cfg.DialTimeout, cfg.WriteTimeout, cfg.ReadTimeout),
		MT:  transport.NewMTClient(cfg.MTServiceURL, cfg.DialTimeout, cfg.WriteTimeout, cfg.ReadTimeout),
		TTS: transport.NewTTSClient(cfg.TTSServiceURL, cfg.DialTimeout, cfg.WriteTimeout, cfg.ReadTimeout),
	}
	tr := tracer.New(float64(cfg.TTFTTargetMs), float64(cfg.CaptionTargetMs))

	s := &Supervisor{cfg: cfg, Clients: clients, Tracer: tr}
	s.Pipeline = pipeline.New(context.Background(), cfg, clients, tr, nil)
	s.Room = room.New(cfg, s.Pipeline)
	s.Pipeline.SetOutput(s.Room)
	return s
}

// Start dials STT, MT, and TTS in parallel, each retried up to
// startupRetries times spaced startupRetryWait apart, then joins the room.
// A failure to dial any service after exhausting retries aborts startup —
// the caller should treat this as exit code 1.
func (s *Supervisor) Start(ctx context.Context) error {
	connections := map[string]connector{
		"stt": s.Clients.STT,
		"mt":  s.Clients.MT,
		"tts": s.Clients.TTS,
	}

	var g errgroup.Group
	for name, c := range connections {
		name, c := name, c
		g.Go(func() error {
			return connectWithRetry(ctx, name, c)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("supervisor: startup failed: %w", err)
	}

	if err := s.Room.Connect(ctx); err != nil {
		return fmt.Errorf("supervisor: room connect failed: %w", err)
	}

	log.Printf("[supervisor] startup complete: stt=%s mt=%s tts=%s", s.Clients.STT.State(), s.Clients.MT.State(), s.Clients.TTS.State())
	return nil
}

func connectWithRetry(ctx context.Context, name string, c connector) error {
	var lastErr error
	for attempt := 1; attempt <= startupRetries; attempt++ {
		if err := c.Connect(ctx); err != nil {
			lastErr = err
			log.Printf("[supervisor] %s connect attempt %d/%d failed: %v", name, attempt, startupRetries, err)
			select {
			case <-time.After(startupRetryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%s: exhausted %d retries: %w", name, startupRetries, lastErr)
}

// Shutdown signals every active pipeline to stop, waits up to
// shutdownDrainDelay for in-flight subtasks to release their pending slots,
// then disconnects the room and closes every transport connection.
func (s *Supervisor) Shutdown() {
	log.Printf("[supervisor] shutting down, draining up to %s", shutdownDrainDelay)

	drained := make(chan struct{})
	go func() {
		s.Pipeline.Close()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownDrainDelay):
		log.Printf("[supervisor] pipeline did not drain within %s, closing connections", shutdownDrainDelay)
	}

	s.Room.Disconnect()

	if err := s.Clients.STT.Close(); err != nil {
		log.Printf("[supervisor] stt close: %v", err)
	}
	if err := s.Clients.MT.Close(); err != nil {
		log.Printf("[supervisor] mt close: %v", err)
	}
	if err := s.Clients.TTS.Close(); err != nil {
		log.Printf("[supervisor] tts close: %v", err)
	}

	log.Printf("[supervisor] shutdown complete")
}
