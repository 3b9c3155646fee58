package parser

import (
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"net/netip"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
	"go.uber.org/zap"

	"mailtrace/internal/model"
)

var ErrInvalidMessage = errors.New("invalid message")

var (
	ipv6Literal   = regexp.MustCompile(`(?i)\bipv6:`)
	addrCandidate = regexp.MustCompile(`[0-9A-Fa-f:.]+`)
)

type Extractor struct {
	logger  *zap.Logger
	decoder *mime.WordDecoder
}

func NewExtractor(logger *zap.Logger) *Extractor {
	return &Extractor{
		logger:  logger,
		decoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}
}

// Extract reads the header block of a raw message and returns its summary
// headers plus one hop per Received record that carries a ';'. Hops keep header
// order, so the most recent relay comes first.
func (e *Extractor) Extract(raw string) (*model.Message, error) {
	raw = prepareHeaderBlock(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidMessage)
	}

	msg, err := mail.ReadMessage(strings.NewReader(raw))
	if err != nil {
		head, ok := headersBeforeMalformedLine(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		e.logger.Warn("ignoring headers after malformed line", zap.Error(err))

		msg, err = mail.ReadMessage(strings.NewReader(head))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}

	h := msg.Header
	result := &model.Message{
		From:    e.decodeHeader(h.Get("From")),
		To:      e.decodeHeader(h.Get("To")),
		Subject: e.decodeHeader(h.Get("Subject")),
		Date:    h.Get("Date"),
	}

	for _, record := range h["Received"] {
		path, stamp, ok := strings.Cut(record, ";")
		if !ok {
			e.logger.Debug("dropping Received record without timestamp",
				zap.String("record", record))
			continue
		}

		hop := model.Hop{
			Raw:     record,
			Address: ExtractAddress(path),
		}

		ts, err := NormalizeTimestamp(stamp)
		if err != nil {
			e.logger.Warn("failed to parse timestamp",
				zap.String("timestamp", strings.TrimSpace(stamp)),
				zap.Error(err))
		} else {
			hop.Timestamp = ts
		}

		result.Hops = append(result.Hops, hop)
	}

	return result, nil
}

// ExtractAddress returns the last valid IPv4 or IPv6 literal in the path part
// of a Received record, or model.UnknownAddress. Relays tend to list the
// connecting peer's address last, so the last match is taken.
func ExtractAddress(path string) string {
	path = ipv6Literal.ReplaceAllString(path, " ")

	found := model.UnknownAddress
	for _, candidate := range addrCandidate.FindAllString(path, -1) {
		if addr, ok := parseCandidate(candidate); ok {
			found = addr.String()
		}
	}
	return found
}

func parseCandidate(s string) (netip.Addr, bool) {
	s = strings.Trim(s, ".")
	if s == "" {
		return netip.Addr{}, false
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		// host:port
		idx := strings.LastIndexByte(s, ':')
		if idx <= 0 {
			return netip.Addr{}, false
		}
		addr, err = netip.ParseAddr(s[:idx])
		if err != nil || !addr.Is4() {
			return netip.Addr{}, false
		}
	}

	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.Zone() != "" {
		return netip.Addr{}, false
	}
	return addr, true
}

// headersBeforeMalformedLine cuts the block at the first line that is neither
// a "Key: value" field nor a folded continuation. Everything from that line on
// is treated as body. ok is false when no header precedes it.
func headersBeforeMalformedLine(raw string) (string, bool) {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			return "", false
		}
		if i > 0 && (line[0] == ' ' || line[0] == '\t') {
			continue
		}
		key, _, found := strings.Cut(line, ":")
		if found && key != "" && !strings.ContainsAny(key, " \t") {
			continue
		}
		if i == 0 {
			return "", false
		}
		return strings.Join(lines[:i], "\n") + "\n\n", true
	}
	return "", false
}

func (e *Extractor) decodeHeader(v string) string {
	decoded, err := e.decoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// prepareHeaderBlock lets pasted header dumps through net/mail: it drops a BOM
// and an mbox envelope line and terminates a header block that has no body.
func prepareHeaderBlock(raw string) string {
	raw = strings.TrimPrefix(raw, "\ufeff")
	raw = strings.TrimLeft(raw, " \t\r\n")
	if raw == "" {
		return ""
	}

	if strings.HasPrefix(raw, "From ") {
		if _, rest, ok := strings.Cut(raw, "\n"); ok {
			raw = rest
		} else {
			return ""
		}
	}

	if !strings.Contains(raw, "\n\n") && !strings.Contains(raw, "\r\n\r\n") {
		raw = strings.TrimRight(raw, "\r\n") + "\n\n"
	}
	return raw
}
