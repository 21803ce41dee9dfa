package planner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/puzzlectl/internal/gateway"
	"github.com/danmuck/puzzlectl/internal/journal"
	"github.com/danmuck/puzzlectl/internal/lifecycle"
	"github.com/danmuck/puzzlectl/internal/remote"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("planner: invalid heartbeat interval")
	ErrInvalidListenAddr        = errors.New("planner: invalid http listen addr")
	ErrMissingEndpoint          = errors.New("planner: no endpoint address for step")
)

// ServiceConfig configures the planner process.
type ServiceConfig struct {
	Node              NodeConfig
	HTTPListenAddr    string
	CorsOrigins       []string
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	// DefaultEndpoint serves every step without an entry in Endpoints.
	DefaultEndpoint string
	Endpoints       map[string]string
	Transport       remote.ClientConfig
	JournalPath     string
	AutoActivate    bool
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Node:              DefaultNodeConfig(),
		HTTPListenAddr:    "127.0.0.1:8088",
		HeartbeatInterval: 10 * time.Second,
		ShutdownTimeout:   20 * time.Second,
		DefaultEndpoint:   "127.0.0.1:7300",
		Endpoints:         map[string]string{},
		Transport:         remote.DefaultClientConfig(""),
		AutoActivate:      true,
	}
}

func (c ServiceConfig) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if _, _, err := net.SplitHostPort(strings.TrimSpace(c.HTTPListenAddr)); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidListenAddr, c.HTTPListenAddr, err)
	}
	for _, step := range c.Node.Steps {
		if c.endpointFor(step.Operation) == "" {
			return fmt.Errorf("%w: %s", ErrMissingEndpoint, step.Operation)
		}
	}
	return nil
}

func (c ServiceConfig) endpointFor(operation string) string {
	if addr := strings.TrimSpace(c.Endpoints[operation]); addr != "" {
		return addr
	}
	return strings.TrimSpace(c.DefaultEndpoint)
}

// Service runs a planner node with its HTTP control surface until signaled.
type Service struct {
	cfg     ServiceConfig
	started time.Time

	node    *Node
	journal *journal.Store
	http    *http.Server

	heartbeats atomic.Uint64
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultServiceConfig().ShutdownTimeout
	}
	return &Service{cfg: cfg}
}

// Node returns the planner node once bootstrap has run.
func (s *Service) Node() *Node {
	return s.node
}

// Run blocks until SIGINT/SIGTERM, then drains and shuts the node down.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(ctx); err != nil {
		s.closeJournal()
		return err
	}
	return s.serve(ctx)
}

// bootstrap builds the node and, with AutoActivate, drives it to Active.
func (s *Service) bootstrap(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	s.started = time.Now()

	var recorder Recorder
	if path := strings.TrimSpace(s.cfg.JournalPath); path != "" {
		store, err := journal.Open(path)
		if err != nil {
			return err
		}
		s.journal = store
		recorder = NewJournalRecorder(store)
	}

	node, err := NewNode(s.cfg.Node, NodeDeps{
		Endpoints: s.newEndpoint,
		Recorder:  recorder,
	})
	if err != nil {
		return err
	}
	s.node = node

	if s.cfg.AutoActivate {
		if err := node.Configure(ctx); err != nil {
			return errors.Join(err, s.abandon())
		}
		if err := node.Activate(ctx); err != nil {
			return errors.Join(err, s.abandon())
		}
	}

	s.http = &http.Server{
		Addr: s.cfg.HTTPListenAddr,
		Handler: NewRouter(node, RouterOptions{
			CorsOrigins: s.cfg.CorsOrigins,
			Journal:     s.journal,
			Started:     s.started,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().
		Str("node", node.Name()).
		Str("state", string(node.State())).
		Strs("steps", node.Steps()).
		Str("http", s.cfg.HTTPListenAddr).
		Bool("journal", s.journal != nil).
		Msg("planner.Service.bootstrap ready")
	return nil
}

// abandon finalizes a node whose bootstrap failed so its endpoints are
// released.
func (s *Service) abandon() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.node.Shutdown(ctx)
	log.Warn().Str("node", s.node.Name()).Str("state", string(s.node.State())).Msg("planner.Service.bootstrap abandoned")
	return err
}

func (s *Service) newEndpoint(desc gateway.Descriptor) (gateway.Endpoint, error) {
	cc := s.cfg.Transport
	cc.Address = s.cfg.endpointFor(desc.Operation)
	return remote.NewClient(cc)
}

// serve runs the HTTP server and heartbeat until ctx ends or the server fails.
func (s *Service) serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	httpErr := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("planner.Service.serve shutdown")
			return s.shutdown()
		case err, ok := <-httpErr:
			if !ok {
				httpErr = nil
				continue
			}
			_ = s.node.Fault(err)
			log.Error().Err(err).Msg("planner.Service.serve http failed")
			return errors.Join(err, s.shutdown())
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

func (s *Service) heartbeat() {
	n := s.heartbeats.Add(1)
	active, _ := s.node.Goals(0)
	log.Info().
		Str("node", s.node.Name()).
		Str("state", string(s.node.State())).
		Int("in_flight", len(active)).
		Uint64("beat", n).
		Msg("planner.Service.heartbeat")
}

// shutdown deactivates an active node so goals drain per policy, finalizes the
// node, then stops HTTP and closes the journal.
func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.node.State() == lifecycle.Active {
		if err := s.node.Deactivate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.node.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.closeJournal()
	return errors.Join(errs...)
}

func (s *Service) closeJournal() {
	if s.journal == nil {
		return
	}
	if err := s.journal.Close(); err != nil {
		log.Warn().Err(err).Msg("planner.Service journal close")
	}
	s.journal = nil
}
