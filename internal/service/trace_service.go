package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"mailtrace/internal/analysis"
	"mailtrace/internal/model"
	"mailtrace/internal/parser"
)

var ErrInvalidAddress = errors.New("invalid IP address")

type Resolver interface {
	Resolve(ctx context.Context, ip string) model.Location
}

type Enricher interface {
	Enrich(ctx context.Context, addrs []string) []model.ReputationVerdict
}

type TraceService struct {
	extractor *parser.Extractor
	resolver  Resolver
	enricher  Enricher
	scorer    *analysis.RiskScorer
	pool      *ants.Pool
	logger    *zap.Logger
}

func NewTraceService(
	extractor *parser.Extractor,
	resolver Resolver,
	enricher Enricher,
	scorer *analysis.RiskScorer,
	pool *ants.Pool,
	logger *zap.Logger,
) *TraceService {
	return &TraceService{
		extractor: extractor,
		resolver:  resolver,
		enricher:  enricher,
		scorer:    scorer,
		pool:      pool,
		logger:    logger,
	}
}

// Analyze builds the full report for a raw message. extra lists addresses
// gathered elsewhere (e.g. from a packet capture); they are only checked for
// reputation. The only error is an input that cannot be parsed at all.
func (s *TraceService) Analyze(ctx context.Context, raw string, extra ...string) (*model.Report, error) {
	startTime := time.Now()

	msg, err := s.extractor.Extract(raw)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(msg.Hops))
	for _, hop := range msg.Hops {
		if hop.HasAddress() {
			addrs = append(addrs, hop.Address)
		}
	}
	addrs = dedupeAddresses(addrs)

	locations := make([]model.Location, len(addrs))
	runIndexed(s.pool, len(addrs), func(i int) {
		locations[i] = s.resolver.Resolve(ctx, addrs[i])
	})

	byAddr := make(map[string]model.Location, len(addrs))
	for i, addr := range addrs {
		byAddr[addr] = locations[i]
	}

	hops := make([]model.ResolvedHop, len(msg.Hops))
	for i, hop := range msg.Hops {
		loc, ok := byAddr[hop.Address]
		if !ok {
			loc = model.UnknownLocation
		}
		hops[i] = model.ResolvedHop{Hop: hop, Location: loc}
	}

	report := &model.Report{
		Message:    *msg,
		Hops:       hops,
		Delays:     analysis.CalculateDelays(hops),
		Risk:       s.scorer.Assess(analysis.Locations(hops)),
		Reputation: s.enricher.Enrich(ctx, append(addrs, extra...)),
	}

	s.logger.Info("Finished message analysis",
		zap.Int("hops", len(hops)),
		zap.Int("distinct_addresses", len(addrs)),
		zap.Int("extra_addresses", len(extra)),
		zap.Bool("suspicious", report.Risk.IsSuspicious),
		zap.Duration("duration", time.Since(startTime)))

	return report, nil
}

func (s *TraceService) LookupIP(ctx context.Context, ip string) (*model.LookupResponse, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, ip)
	}

	return &model.LookupResponse{
		IP:       addr.String(),
		Location: s.resolver.Resolve(ctx, addr.String()),
	}, nil
}

func (s *TraceService) Reputation(ctx context.Context, ips []string) []model.ReputationVerdict {
	return s.enricher.Enrich(ctx, ips)
}
