package service

import (
	"context"
	"errors"
	"net/netip"

	"go.uber.org/zap"

	"mailtrace/internal/model"
)

type LocationCache interface {
	GetLocation(ctx context.Context, ip string) (model.Location, bool, error)
	SetLocation(ctx context.Context, ip string, loc model.Location) error
}

type GeoService struct {
	providers []GeoProvider
	cache     LocationCache
	logger    *zap.Logger
}

// NewGeoService builds a resolver that tries providers in the given order.
// cache may be nil.
func NewGeoService(providers []GeoProvider, cache LocationCache, logger *zap.Logger) *GeoService {
	return &GeoService{
		providers: providers,
		cache:     cache,
		logger:    logger,
	}
}

// Resolve never fails: private addresses map to model.PrivateLocation and
// anything no provider can place maps to model.UnknownLocation.
func (s *GeoService) Resolve(ctx context.Context, ip string) model.Location {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return model.UnknownLocation
	}
	addr = addr.Unmap()

	if IsPrivate(addr) {
		return model.PrivateLocation
	}

	key := addr.String()
	if s.cache != nil {
		if loc, ok, err := s.cache.GetLocation(ctx, key); err == nil && ok {
			return loc
		}
	}

	for _, p := range s.providers {
		loc, err := p.Lookup(ctx, addr)
		if err != nil {
			if errors.Is(err, ErrQuotaExhausted) {
				s.logger.Debug("skipping provider", zap.String("provider", p.Name()), zap.Error(err))
			} else {
				s.logger.Warn("geolocation provider failed",
					zap.String("provider", p.Name()),
					zap.String("ip", key),
					zap.Error(err))
			}
			continue
		}
		if !loc.KnownCountry() {
			s.logger.Debug("provider returned unknown country",
				zap.String("provider", p.Name()),
				zap.String("ip", key))
			continue
		}

		if s.cache != nil {
			if err := s.cache.SetLocation(ctx, key, loc); err != nil {
				s.logger.Warn("failed to cache location",
					zap.String("ip", key),
					zap.Error(err))
			}
		}
		return loc
	}

	s.logger.Info("no provider could locate address", zap.String("ip", key))
	return model.UnknownLocation
}

// IsPrivate reports whether addr is in a private, link-local or loopback
// range and must not be sent to external providers.
func IsPrivate(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLoopback()
}
