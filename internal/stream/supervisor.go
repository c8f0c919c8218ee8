// internal/stream/supervisor.go
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/YaganovValera/kis-collector/internal/metrics"
	"github.com/YaganovValera/kis-collector/pkg/backoff"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

// State — состояние супервизора.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Session обслуживает одно установленное соединение до его окончания.
// ready вызывается, когда подписка отправлена целиком.
type Session interface {
	Serve(ctx context.Context, conn Conn, ready func()) error
}

// Supervisor держит не более одного соединения и переподключается с
// экспоненциальной задержкой, пока не вызван Stop.
type Supervisor struct {
	cfg     Config
	dialer  Dialer
	session Session
	log     *logger.Logger

	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	state  State
	gen    uint64 // номер текущей попытки; у устаревших сессий он другой
	cancel context.CancelFunc
	timer  *time.Timer
	bo     *cbackoff.ExponentialBackOff
	last   time.Duration // предыдущая задержка; 0 после успешной подписки

	// onSchedule вызывается под mu при планировании переподключения.
	onSchedule func(delay time.Duration)
}

// NewSupervisor проверяет конфигурацию и создаёт супервизор в DISCONNECTED.
func NewSupervisor(cfg Config, dialer Dialer, session Session, log *logger.Logger) (*Supervisor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bo := backoff.Config{
		Operation:       "ws_reconnect",
		InitialInterval: cfg.MinBackoff,
		Multiplier:      cfg.Multiplier,
		MaxInterval:     cfg.MaxBackoff,
	}.Exponential()
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	base, stop := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		dialer:   dialer,
		session:  session,
		log:      log.Named("ws"),
		base:     base,
		stopBase: stop,
		bo:       bo,
	}, nil
}

// State возвращает текущее состояние.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start подключается, если супервизор в DISCONNECTED; иначе ничего не делает.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Disconnected {
		s.log.Debug("start ignored", zap.Stringer("state", s.state))
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.launchLocked()
}

// Stop отменяет текущую попытку и отложенное переподключение.
// Повторный вызов ничего не делает; STOPPED — конечное состояние.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return
	}
	s.setStateLocked(Stopped)
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.stopBase()
	s.log.Info("supervisor stopped")
}

// Wait ждёт завершения всех сессий.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Run запускает супервизор и останавливает его по отмене ctx.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	s.wg.Wait()
	return nil
}

func (s *Supervisor) setStateLocked(st State) {
	s.state = st
	metrics.StreamState.Set(float64(st))
}

func (s *Supervisor) launchLocked() {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.base)
	s.cancel = cancel
	s.setStateLocked(Connecting)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		err := s.attempt(ctx, gen)
		s.finish(gen, err)
	}()
}

// attempt устанавливает соединение и обслуживает его до конца.
func (s *Supervisor) attempt(ctx context.Context, gen uint64) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, err := s.dialer.DialContext(dctx, s.cfg.URL)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()
	// блокирующее чтение прерывается закрытием соединения
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.mu.Lock()
	if s.gen != gen || s.state != Connecting {
		s.mu.Unlock()
		return context.Canceled
	}
	s.setStateLocked(Connected)
	s.mu.Unlock()
	s.log.Info("connected", zap.String("url", s.cfg.URL))

	return s.session.Serve(ctx, conn, func() {
		s.mu.Lock()
		s.bo.Reset()
		s.last = 0
		s.mu.Unlock()
	})
}

// finish переводит в DISCONNECTED и планирует переподключение, если
// попытка всё ещё актуальна.
func (s *Supervisor) finish(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state == Stopped {
		return
	}
	s.setStateLocked(Disconnected)

	delay := s.nextDelayLocked()
	if err == nil {
		err = errors.New("session closed")
	}
	s.log.Warn("connection lost, reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	metrics.StreamReconnects.Inc()
	if s.onSchedule != nil {
		s.onSchedule(delay)
	}
	s.timer = time.AfterFunc(delay, func() { s.reconnect(gen) })
}

func (s *Supervisor) reconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != Disconnected {
		return
	}
	s.timer = nil
	s.launchLocked()
}

// nextDelayLocked — следующая задержка в пределах [MinBackoff, MaxBackoff],
// не меньше предыдущей: разброс не уводит её вниз, достигнутый потолок
// держится до сброса.
func (s *Supervisor) nextDelayLocked() time.Duration {
	d := s.bo.NextBackOff()
	if d == cbackoff.Stop {
		d = s.cfg.MaxBackoff
	}
	d = max(s.cfg.MinBackoff, min(d, s.cfg.MaxBackoff), s.last)
	s.last = d
	return d
}
