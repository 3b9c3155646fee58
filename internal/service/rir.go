package service

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	mbits "math/bits"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailtrace/internal/config"
	"mailtrace/internal/model"
)

// RIRService downloads registry delegation files
// (registry|cc|type|start|value|date|status) and turns allocations into
// prefixes.
type RIRService struct {
	logger     *zap.Logger
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

func NewRIRService(client *http.Client, logger *zap.Logger) *RIRService {
	return &RIRService{
		logger:     logger,
		client:     client,
		maxRetries: 3,
		retryDelay: 5 * time.Second,
	}
}

type RIRStats struct {
	IPv4Count    int
	IPv6Count    int
	SkippedCount int
	ParseErrors  int
}

func (s *RIRService) FetchIPRanges(ctx context.Context, url string) ([]model.IPRange, RIRStats, error) {
	var lastErr error
	var stats RIRStats

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, stats, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retryDelay):
			}
		}

		var ranges []model.IPRange
		var err error
		ranges, stats, err = s.fetch(ctx, url)
		if err == nil {
			return ranges, stats, nil
		}

		lastErr = err
		s.logger.Warn("Failed to fetch RIR data, retrying...",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, stats, fmt.Errorf("failed after %d attempts: %w", s.maxRetries, lastErr)
}

func (s *RIRService) fetch(ctx context.Context, url string) ([]model.IPRange, RIRStats, error) {
	startTime := time.Now()
	var stats RIRStats

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, stats, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "mailtrace/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, stats, fmt.Errorf("fetching RIR data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, stats, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var ranges []model.IPRange
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			stats.SkippedCount++
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 7 || parts[1] == "*" || parts[1] == "" ||
			(parts[6] != "allocated" && parts[6] != "assigned") ||
			(parts[2] != "ipv4" && parts[2] != "ipv6") {
			stats.SkippedCount++
			continue
		}

		parsed, err := parseDelegation(parts)
		if err != nil {
			stats.ParseErrors++
			s.logger.Debug("failed to parse delegation",
				zap.String("line", line),
				zap.Error(err))
			continue
		}

		if parts[2] == "ipv4" {
			stats.IPv4Count++
		} else {
			stats.IPv6Count++
		}
		ranges = append(ranges, parsed...)
	}

	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("reading RIR data: %w", err)
	}

	s.logger.Info("Finished parsing RIR data",
		zap.String("url", url),
		zap.Int("ipv4_delegations", stats.IPv4Count),
		zap.Int("ipv6_delegations", stats.IPv6Count),
		zap.Int("skipped_lines", stats.SkippedCount),
		zap.Int("parse_errors", stats.ParseErrors),
		zap.Duration("total_time", time.Since(startTime)))

	return ranges, stats, nil
}

func parseDelegation(parts []string) ([]model.IPRange, error) {
	country := strings.ToUpper(parts[1])
	start, err := netip.ParseAddr(parts[3])
	if err != nil {
		return nil, err
	}

	var prefixes []netip.Prefix
	switch parts[2] {
	case "ipv4":
		count, err := strconv.ParseUint(parts[4], 10, 64)
		if err != nil {
			return nil, err
		}
		prefixes, err = ipv4Prefixes(start, count)
		if err != nil {
			return nil, err
		}
	case "ipv6":
		bits, err := strconv.Atoi(parts[4])
		if err != nil {
			return nil, err
		}
		p, err := start.Prefix(bits)
		if err != nil {
			return nil, err
		}
		prefixes = []netip.Prefix{p}
	}

	ranges := make([]model.IPRange, len(prefixes))
	for i, p := range prefixes {
		ranges[i] = model.IPRange{Prefix: p, CountryCode: country}
	}
	return ranges, nil
}

// ipv4Prefixes splits an address count starting at start into the smallest
// set of aligned CIDR blocks. Registries hand out counts that are not always
// a power of two.
func ipv4Prefixes(start netip.Addr, count uint64) ([]netip.Prefix, error) {
	if !start.Is4() {
		return nil, fmt.Errorf("not an IPv4 address: %s", start)
	}
	b := start.As4()
	cur := uint64(binary.BigEndian.Uint32(b[:]))
	end := cur + count
	if count == 0 || end > 1<<32 {
		return nil, fmt.Errorf("invalid address count %d at %s", count, start)
	}

	var prefixes []netip.Prefix
	for cur < end {
		size := uint64(1)
		for cur%(size*2) == 0 && size*2 <= end-cur {
			size *= 2
		}

		var a [4]byte
		binary.BigEndian.PutUint32(a[:], uint32(cur))
		prefixes = append(prefixes, netip.PrefixFrom(netip.AddrFrom4(a), 32-mbits.TrailingZeros64(size)))
		cur += size
	}
	return prefixes, nil
}

// RIRProvider answers country-only locations from delegation data held in
// memory. It needs no API key and has no quota.
type RIRProvider struct {
	svc    *RIRService
	logger *zap.Logger

	mu sync.RWMutex
	v4 []model.IPRange
	v6 []model.IPRange
}

func NewRIRProvider(svc *RIRService, logger *zap.Logger) *RIRProvider {
	return &RIRProvider{
		svc:    svc,
		logger: logger,
	}
}

func (p *RIRProvider) Name() string {
	return "rir"
}

func (p *RIRProvider) Load(ctx context.Context, registries []config.RIR) error {
	var all []model.IPRange
	var errs []error

	for _, rir := range registries {
		ranges, _, err := p.svc.FetchIPRanges(ctx, rir.URL)
		if err != nil {
			p.logger.Error("failed to fetch IP ranges",
				zap.String("rir", rir.Name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", rir.Name, err))
			continue
		}
		all = append(all, ranges...)
	}

	if len(all) == 0 {
		return fmt.Errorf("no IP ranges fetched: %v", errs)
	}

	p.Replace(all)
	p.logger.Info("Loaded RIR delegations", zap.Int("total_ranges", len(all)))
	return nil
}

func (p *RIRProvider) Replace(ranges []model.IPRange) {
	var v4, v6 []model.IPRange
	for _, r := range ranges {
		if r.Prefix.Addr().Is4() {
			v4 = append(v4, r)
		} else {
			v6 = append(v6, r)
		}
	}
	byStart := func(s []model.IPRange) {
		sort.Slice(s, func(i, j int) bool {
			return s[i].Prefix.Addr().Less(s[j].Prefix.Addr())
		})
	}
	byStart(v4)
	byStart(v6)

	p.mu.Lock()
	p.v4, p.v6 = v4, v6
	p.mu.Unlock()
}

func (p *RIRProvider) Lookup(_ context.Context, addr netip.Addr) (model.Location, error) {
	p.mu.RLock()
	table := p.v6
	if addr.Is4() {
		table = p.v4
	}
	p.mu.RUnlock()

	i := sort.Search(len(table), func(i int) bool {
		return addr.Less(table[i].Prefix.Addr())
	})
	if i > 0 && table[i-1].Prefix.Contains(addr) {
		return locationOf("", "", table[i-1].CountryCode), nil
	}
	return model.UnknownLocation, fmt.Errorf("%w: rir: no delegation covers %s", ErrProviderFailed, addr)
}
