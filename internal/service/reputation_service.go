package service

import (
	"context"
	"net/netip"
	"strings"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"mailtrace/internal/model"
)

type VerdictCache interface {
	GetVerdict(ctx context.Context, ip string) (model.ReputationVerdict, bool, error)
	SetVerdict(ctx context.Context, ip string, verdict model.ReputationVerdict) error
}

type ReputationService struct {
	client ReputationClient
	cache  VerdictCache
	pool   *ants.Pool
	logger *zap.Logger
}

// NewReputationService builds the enrichment step. cache and pool may be nil.
func NewReputationService(client ReputationClient, cache VerdictCache, pool *ants.Pool, logger *zap.Logger) *ReputationService {
	return &ReputationService{
		client: client,
		cache:  cache,
		pool:   pool,
		logger: logger,
	}
}

// Enrich looks up every distinct address once, in order of first appearance.
// A failed lookup is reported in its own verdict and does not affect others.
func (s *ReputationService) Enrich(ctx context.Context, addrs []string) []model.ReputationVerdict {
	unique := dedupeAddresses(addrs)
	verdicts := make([]model.ReputationVerdict, len(unique))

	runIndexed(s.pool, len(unique), func(i int) {
		verdicts[i] = s.lookup(ctx, unique[i])
	})

	return verdicts
}

func (s *ReputationService) lookup(ctx context.Context, ip string) model.ReputationVerdict {
	if _, err := netip.ParseAddr(ip); err != nil {
		return model.ReputationVerdict{Address: ip, Error: "invalid IP address"}
	}

	if s.cache != nil {
		if v, ok, err := s.cache.GetVerdict(ctx, ip); err == nil && ok {
			return v
		}
	}

	votes, err := s.client.Lookup(ctx, ip)
	if err != nil {
		s.logger.Warn("reputation lookup failed",
			zap.String("ip", ip),
			zap.Error(err))
		return model.ReputationVerdict{Address: ip, Error: err.Error()}
	}

	verdict := Classify(ip, votes)
	if s.cache != nil {
		if err := s.cache.SetVerdict(ctx, ip, verdict); err != nil {
			s.logger.Warn("failed to cache reputation verdict",
				zap.String("ip", ip),
				zap.Error(err))
		}
	}
	return verdict
}

func Classify(ip string, votes Votes) model.ReputationVerdict {
	verdict := model.ReputationVerdict{
		Address:        ip,
		MaliciousVotes: votes.Malicious,
		HarmlessVotes:  votes.Harmless,
		Verdict:        model.VerdictHarmless,
	}
	if votes.Malicious > votes.Harmless {
		verdict.Verdict = model.VerdictMalicious
	}
	return verdict
}

// dedupeAddresses drops empty and Unknown entries and repeats, keeping the
// first occurrence of each address. Valid addresses are compared and returned
// in canonical form; invalid entries are kept as given.
func dedupeAddresses(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	unique := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" || a == model.UnknownAddress {
			continue
		}
		if addr, err := netip.ParseAddr(a); err == nil {
			a = addr.Unmap().String()
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		unique = append(unique, a)
	}
	return unique
}
