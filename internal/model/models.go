package model

import (
	"fmt"
	"net/netip"
	"time"
)

const (
	UnknownAddress = "Unknown"

	UnknownCity    = "Unknown City"
	UnknownRegion  = "Unknown Region"
	UnknownCountry = "Unknown Country"

	VerdictMalicious = "Likely malicious"
	VerdictHarmless  = "Likely harmless"
)

var (
	UnknownLocation = Location{City: UnknownCity, Region: UnknownRegion, Country: UnknownCountry}
	PrivateLocation = Location{City: "Private Network", Region: "N/A", Country: "N/A"}
)

// Hop is one relay step taken from a Received header. A zero Timestamp means
// the header carried no parseable time.
type Hop struct {
	Raw       string    `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"address"`
}

func (h Hop) HasTimestamp() bool {
	return !h.Timestamp.IsZero()
}

func (h Hop) HasAddress() bool {
	return h.Address != "" && h.Address != UnknownAddress
}

type Location struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
}

func (l Location) KnownCountry() bool {
	return l.Country != "" && l.Country != UnknownCountry
}

func (l Location) String() string {
	return fmt.Sprintf("%s, %s, %s", l.City, l.Region, l.Country)
}

type ResolvedHop struct {
	Hop
	Location Location `json:"location"`
}

type Delay struct {
	Seconds float64 `json:"seconds"`
	Missing bool    `json:"missing"`
}

func (d Delay) String() string {
	if d.Missing {
		return "Timestamp missing"
	}
	return fmt.Sprintf("%.2f seconds", d.Seconds)
}

type RiskAssessment struct {
	IsSuspicious bool     `json:"is_suspicious"`
	Score        int      `json:"score"`
	Patterns     []string `json:"patterns"`
}

// ReputationVerdict carries either vote counts or, when Error is set, the
// reason the reputation service could not answer.
type ReputationVerdict struct {
	Address        string `json:"address"`
	MaliciousVotes int    `json:"malicious_votes"`
	HarmlessVotes  int    `json:"harmless_votes"`
	Verdict        string `json:"verdict,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (v ReputationVerdict) Failed() bool {
	return v.Error != ""
}

type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	Hops    []Hop  `json:"-"`
}

type Report struct {
	Message    Message             `json:"message"`
	Hops       []ResolvedHop       `json:"hops"`
	Delays     []Delay             `json:"delays"`
	Risk       RiskAssessment      `json:"risk"`
	Reputation []ReputationVerdict `json:"reputation"`
}

// IPRange is one registry delegation.
type IPRange struct {
	Prefix      netip.Prefix
	CountryCode string
}

type LookupResponse struct {
	IP       string   `json:"ip"`
	Location Location `json:"location"`
}

type ReputationRequest struct {
	IPs []string `json:"ips"`
}

type Error struct {
	Message string `json:"message"`
}
