// Package service runs the enabled storage providers side by side. It
// routes each request to the provider of its storage type, merges
// ListStorages across providers and resolves drives for cross-provider
// transfers.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nuln/sboxd"
	"github.com/nuln/sboxd/internal/config"
	"github.com/nuln/sboxd/internal/logger"
	"github.com/nuln/sboxd/internal/metrics"
)

// Service owns the running providers.
type Service struct {
	mu        sync.RWMutex
	providers map[string]sboxd.Provider
	closed    bool
}

// New returns a service with no providers.
func New() *Service {
	return &Service{providers: make(map[string]sboxd.Provider)}
}

// Open starts every provider enabled in cfg from reg, each wired to the
// service as its Locator. A provider that fails to open stops the ones
// already started.
func Open(cfg *config.Config, reg *sboxd.Registry, m *metrics.Metrics) (*Service, error) {
	s := New()
	enabled := cfg.Providers.Enabled()
	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, err := reg.Open(&sboxd.Config{
			Type:             name,
			Options:          enabled[name].Options,
			Locator:          s,
			ProgressInterval: cfg.Dispatch.ProgressInterval,
			Metrics:          m,
		})
		if err == nil {
			err = s.Add(p)
		}
		if err != nil {
			_ = s.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to open %s storage: %w", name, err)
		}
		logger.Info("Storage provider started", logger.KeyBackend, name)
	}
	return s, nil
}

// Add registers a running provider under its name.
func (s *Service) Add(p sboxd.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.Name()]; ok {
		return fmt.Errorf("storage provider %q already added", p.Name())
	}
	s.providers[p.Name()] = p
	return nil
}

// Providers returns the provider names, sorted.
func (s *Service) Providers() []string {
	providers := s.snapshot()
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	return names
}

func (s *Service) snapshot() []sboxd.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sboxd.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *Service) provider(storageType string) (sboxd.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if storageType == "" {
		return nil, sboxd.Errorf(sboxd.CodeInvalidParameter, "storage type is required")
	}
	p, ok := s.providers[storageType]
	if !ok {
		return nil, sboxd.Errorf(sboxd.CodeNotSupported, "storage type %q is not available", storageType)
	}
	return p, nil
}

// Locate implements sboxd.Locator.
func (s *Service) Locate(ctx context.Context, storageType, driveID, sessionID string) (*sboxd.Drive, error) {
	p, err := s.provider(storageType)
	if err != nil {
		return nil, err
	}
	return p.Locate(ctx, driveID, sessionID)
}

// route names the provider a request belongs to. Copy and Move run on
// the source's provider.
func route(req *sboxd.Request) string {
	if req.Operation == sboxd.OpCopy || req.Operation == sboxd.OpMove {
		return req.Params.String("srcStorageType")
	}
	return req.Params.String("storageType")
}

// Enqueue hands req to its provider without blocking. Requests that
// cannot be routed are completed with a failure, which is also returned.
func (s *Service) Enqueue(req *sboxd.Request) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	var err error
	switch {
	case closed:
		err = sboxd.Errorf(sboxd.CodeInternal, "storage service is shutting down")
	case req.Operation == sboxd.OpUnknown:
		err = sboxd.Errorf(sboxd.CodeInternal, "unknown operation")
		logger.Error("Unroutable request", logger.KeySession, req.SessionID, logger.KeyError, err)
	case req.Operation == sboxd.OpListStorages && route(req) == "":
		s.listStorages(req)
		return nil
	default:
		var p sboxd.Provider
		if p, err = s.provider(route(req)); err == nil {
			return p.Enqueue(req)
		}
	}
	req.Fail(err)
	return err
}

// listStorages fans a ListStorages out to every provider and completes
// the outer request once, after the last provider replied. Providers
// that fail are listed under "unavailable"; if all fail, so does the
// request.
func (s *Service) listStorages(outer *sboxd.Request) {
	providers := s.snapshot()
	if len(providers) == 0 {
		outer.Complete(sboxd.Success(map[string]any{"storages": []map[string]any{}}))
		return
	}

	var (
		mu          sync.Mutex
		remaining   = len(providers)
		storages    = []map[string]any{}
		unavailable []string
		firstErr    sboxd.Reply
	)
	finish := func() {
		if len(unavailable) == len(providers) {
			outer.Complete(firstErr)
			return
		}
		sort.SliceStable(storages, func(i, j int) bool {
			a, _ := storages[i]["storageType"].(string)
			b, _ := storages[j]["storageType"].(string)
			return a < b
		})
		fields := map[string]any{"storages": storages}
		if len(unavailable) > 0 {
			sort.Strings(unavailable)
			fields["unavailable"] = unavailable
		}
		outer.Complete(sboxd.Success(fields))
	}

	for _, p := range providers {
		name := p.Name()
		sub := sboxd.NewRequest(sboxd.OpListStorages, outer.Params, outer.SessionID, outer.Client, func(reply sboxd.Reply, _ any) {
			mu.Lock()
			defer mu.Unlock()
			if reply.OK() {
				list, _ := reply["storages"].([]map[string]any)
				storages = append(storages, list...)
			} else {
				logger.Warn("ListStorages failed", logger.KeyBackend, name, logger.KeyCode, reply.ErrorCode(), logger.KeyError, reply["errorText"])
				unavailable = append(unavailable, name)
				if firstErr == nil {
					firstErr = reply
				}
			}
			remaining--
			if remaining == 0 {
				finish()
			}
		})
		_ = p.Enqueue(sub)
	}
}

// Shutdown stops admission and drains every provider concurrently.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	providers := s.snapshot()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
				mu.Unlock()
				return
			}
			logger.Info("Storage provider stopped", logger.KeyBackend, p.Name())
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

var _ sboxd.Locator = (*Service)(nil)
