package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marketpulse/internal/models"
)

const fallbackAuthMessage = "Authorization failed"

var (
	// ErrPopupBlocked means the launcher could not open a window.
	ErrPopupBlocked = errors.New("popup blocked: allow popups for this site and try again")
	// ErrTimeout means no completion signal arrived before the deadline.
	ErrTimeout = errors.New("authorization timed out")
	// ErrNotConnected means the round-trip finished but the backend still
	// reports the account as disconnected.
	ErrNotConnected = errors.New("authorization finished but the account is not connected")
)

// AuthError is a provider-reported failure such as a denied consent screen.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return fallbackAuthMessage
	}
	return e.Reason
}

// API is the slice of the backend client the connector calls.
type API interface {
	StartOAuth(ctx context.Context, provider, campaignID string) (string, error)
	ConnectionStatus(ctx context.Context, provider, campaignID string) (*models.ConnectionStatus, error)
}

type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Connector runs one popup authorization round-trip at a time per call. It
// listens on every configured Source plus a status poll and takes whichever
// signal arrives first.
type Connector struct {
	api     API
	sources []Source
	opts    Options
	logger  *logrus.Logger
}

func NewConnector(api API, opts Options, logger *logrus.Logger, sources ...Source) *Connector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1200 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Connector{api: api, sources: sources, opts: opts, logger: logger}
}

type completion struct {
	status *models.ConnectionStatus
	event  *Event
	via    string
}

// Connect opens the provider's authorization popup and blocks until the
// account is connected, the provider reports an error, the timeout expires or
// ctx is cancelled. Every listener and timer is released before it returns.
func (c *Connector) Connect(ctx context.Context, provider, campaignID string, launcher Launcher) (*models.ConnectionStatus, error) {
	authURL, err := c.api.StartOAuth(ctx, provider, campaignID)
	if err != nil {
		return nil, err
	}

	log := c.logger.WithFields(logrus.Fields{
		"provider":    provider,
		"campaign_id": campaignID,
	})

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	done := make(chan completion, 1)
	var finishOnce sync.Once
	finish := func(r completion) {
		finishOnce.Do(func() { done <- r })
	}

	// Listeners are attached before the popup opens so an immediate error
	// event is not missed.
	var wg sync.WaitGroup
	releases := make([]func(), 0, len(c.sources))
	for i, src := range c.sources {
		events, release := src.Subscribe(provider, campaignID)
		releases = append(releases, release)
		wg.Add(1)
		go func(via string) {
			defer wg.Done()
			c.forward(waitCtx, provider, events, via, finish)
		}(fmt.Sprintf("source-%d", i))
	}

	cleanup := sync.OnceFunc(func() {
		cancel()
		for _, release := range releases {
			release()
		}
		wg.Wait()
	})
	defer cleanup()

	if !launcher.Open(PopupName(provider), authURL) {
		return nil, ErrPopupBlocked
	}
	log.Info("Authorization popup opened, waiting for completion")

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.poll(waitCtx, provider, campaignID, finish)
	}()

	var result completion
	select {
	case result = <-done:
	case <-waitCtx.Done():
		cleanup()
		// A signal may have landed right at the deadline.
		select {
		case result = <-done:
		default:
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				log.Warn("Authorization timed out")
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
	cleanup()

	if result.event != nil && !result.event.IsSuccess() {
		log.WithField("reason", result.event.Error).Warn("Authorization rejected")
		return nil, &AuthError{Provider: provider, Reason: result.event.Error}
	}

	log.WithField("via", result.via).Info("Authorization completed")
	if result.status != nil && result.status.Connected {
		return result.status, nil
	}

	status, err := c.api.ConnectionStatus(ctx, provider, campaignID)
	if err != nil {
		return nil, fmt.Errorf("authorization completed but status check failed: %w", err)
	}
	if !status.Connected {
		log.Warn("Authorization completed but the account is not connected")
		return nil, ErrNotConnected
	}
	return status, nil
}

func (c *Connector) forward(ctx context.Context, provider string, events <-chan Event, via string, finish func(completion)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Provider() != provider {
				continue
			}
			finish(completion{event: &ev, via: via})
			return
		}
	}
}

func (c *Connector) poll(ctx context.Context, provider, campaignID string, finish func(completion)) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := c.api.ConnectionStatus(ctx, provider, campaignID)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.WithError(err).WithField("provider", provider).Debug("Status poll failed")
				}
				continue
			}
			if status.Connected {
				finish(completion{status: status, via: "poll"})
				return
			}
		}
	}
}
