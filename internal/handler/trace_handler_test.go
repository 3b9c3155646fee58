package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"mailtrace/internal/model"
	"mailtrace/internal/parser"
	"mailtrace/internal/service"
)

type mockTraceService struct {
	analyzeFunc    func(ctx context.Context, raw string, extra ...string) (*model.Report, error)
	lookupIPFunc   func(ctx context.Context, ip string) (*model.LookupResponse, error)
	reputationFunc func(ctx context.Context, ips []string) []model.ReputationVerdict
}

func (m *mockTraceService) Analyze(ctx context.Context, raw string, extra ...string) (*model.Report, error) {
	return m.analyzeFunc(ctx, raw, extra...)
}

func (m *mockTraceService) LookupIP(ctx context.Context, ip string) (*model.LookupResponse, error) {
	return m.lookupIPFunc(ctx, ip)
}

func (m *mockTraceService) Reputation(ctx context.Context, ips []string) []model.ReputationVerdict {
	return m.reputationFunc(ctx, ips)
}

const testMaxIPs = 3

func newTestApp(svc TraceService) *fiber.App {
	logger, _ := zap.NewDevelopment()
	h := NewHandler(svc, testMaxIPs, logger)
	app := fiber.New()
	h.RegisterRoutes(app)
	return app
}

func sampleReport() *model.Report {
	return &model.Report{
		Message: model.Message{From: "alice@example.com", To: "bob@example.org", Subject: "Hi"},
		Hops: []model.ResolvedHop{{
			Hop:      model.Hop{Address: "203.0.113.7", Timestamp: time.Date(2024, 4, 24, 3, 7, 23, 0, time.UTC)},
			Location: model.Location{City: "Austin", Region: "Texas", Country: "US"},
		}},
		Delays: []model.Delay{},
		Risk:   model.RiskAssessment{Patterns: []string{}},
		Reputation: []model.ReputationVerdict{
			{Address: "203.0.113.7", HarmlessVotes: 3, Verdict: model.VerdictHarmless},
		},
	}
}

func TestHandler_Analyze(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		body         string
		mockResponse *model.Report
		mockError    error
		expectedCode int
		expectedBody string
	}{
		{
			name:         "empty body",
			path:         "/api/v1/analyze",
			body:         "  \n",
			expectedCode: 400,
			expectedBody: `{"message":"Message headers are required"}`,
		},
		{
			name:         "unparseable message",
			path:         "/api/v1/analyze",
			body:         "garbage",
			mockError:    fmt.Errorf("%w: malformed header", parser.ErrInvalidMessage),
			expectedCode: 422,
			expectedBody: `{"message":"Could not parse message headers"}`,
		},
		{
			name:         "unexpected failure",
			path:         "/api/v1/analyze",
			body:         "Subject: x\n\n",
			mockError:    fmt.Errorf("boom"),
			expectedCode: 500,
			expectedBody: `{"message":"Failed to analyze message"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&mockTraceService{
				analyzeFunc: func(ctx context.Context, raw string, extra ...string) (*model.Report, error) {
					return tt.mockResponse, tt.mockError
				},
			})

			req := httptest.NewRequest("POST", tt.path, strings.NewReader(tt.body))
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}

			if resp.StatusCode != tt.expectedCode {
				t.Errorf("expected status code %d, got %d", tt.expectedCode, resp.StatusCode)
			}

			var body map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}

			expectedBody := make(map[string]interface{})
			if err := json.Unmarshal([]byte(tt.expectedBody), &expectedBody); err != nil {
				t.Fatal(err)
			}

			if !jsonEqual(body, expectedBody) {
				t.Errorf("expected body %v, got %v", expectedBody, body)
			}
		})
	}
}

func TestHandler_Analyze_Report(t *testing.T) {
	var gotRaw string
	app := newTestApp(&mockTraceService{
		analyzeFunc: func(ctx context.Context, raw string, extra ...string) (*model.Report, error) {
			gotRaw = raw
			return sampleReport(), nil
		},
	})

	raw := "Received: from a ([203.0.113.7]) by b; Wed, 24 Apr 2024 03:07:23 +0000\n\n"
	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/analyze", strings.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected status code 200, got %d", resp.StatusCode)
	}
	if gotRaw != raw {
		t.Errorf("expected raw body to be passed through, got %q", gotRaw)
	}

	var body struct {
		Message model.Message `json:"message"`
		Hops    []struct {
			Address  string         `json:"address"`
			Location model.Location `json:"location"`
		} `json:"hops"`
		Reputation []model.ReputationVerdict `json:"reputation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}

	if body.Message.Subject != "Hi" {
		t.Errorf("expected subject Hi, got %q", body.Message.Subject)
	}
	if len(body.Hops) != 1 || body.Hops[0].Address != "203.0.113.7" || body.Hops[0].Location.Country != "US" {
		t.Errorf("unexpected hops: %+v", body.Hops)
	}
	if len(body.Reputation) != 1 || body.Reputation[0].Verdict != model.VerdictHarmless {
		t.Errorf("unexpected reputation: %+v", body.Reputation)
	}
}

func TestHandler_Analyze_Text(t *testing.T) {
	app := newTestApp(&mockTraceService{
		analyzeFunc: func(ctx context.Context, raw string, extra ...string) (*model.Report, error) {
			return sampleReport(), nil
		},
	})

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/analyze?format=text", strings.NewReader("Subject: Hi\n\n")))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected status code 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}

	out, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"Email Analysis Report\n",
		"  Hop 1: IP: 203.0.113.7 - Austin, Texas, US\n",
		"       Timestamp: 2024-04-24T03:07:23Z\n",
		"Looks Safe\n",
		"  Details: Likely harmless\n",
	} {
		if !strings.Contains(string(out), want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}
}

func TestHandler_LookupIP(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		mockResponse *model.LookupResponse
		mockError    error
		expectedCode int
		expectedBody string
	}{
		{
			name: "success",
			path: "/api/v1/lookup/8.8.8.8",
			mockResponse: &model.LookupResponse{
				IP:       "8.8.8.8",
				Location: model.Location{City: "Mountain View", Region: "California", Country: "US"},
			},
			expectedCode: 200,
			expectedBody: `{"ip":"8.8.8.8","location":{"city":"Mountain View","region":"California","country":"US"}}`,
		},
		{
			name:         "invalid ip",
			path:         "/api/v1/lookup/invalid",
			mockError:    fmt.Errorf("%w: invalid", service.ErrInvalidAddress),
			expectedCode: 400,
			expectedBody: `{"message":"Invalid IP address format: invalid"}`,
		},
		{
			name:         "lookup failure",
			path:         "/api/v1/lookup/1.1.1.1",
			mockError:    fmt.Errorf("context canceled"),
			expectedCode: 500,
			expectedBody: `{"message":"Failed to lookup IP address"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&mockTraceService{
				lookupIPFunc: func(ctx context.Context, ip string) (*model.LookupResponse, error) {
					return tt.mockResponse, tt.mockError
				},
			})

			req := httptest.NewRequest("GET", tt.path, nil)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}

			if resp.StatusCode != tt.expectedCode {
				t.Errorf("expected status code %d, got %d", tt.expectedCode, resp.StatusCode)
			}

			var body map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}

			expectedBody := make(map[string]interface{})
			if err := json.Unmarshal([]byte(tt.expectedBody), &expectedBody); err != nil {
				t.Fatal(err)
			}

			if !jsonEqual(body, expectedBody) {
				t.Errorf("expected body %v, got %v", expectedBody, body)
			}
		})
	}
}

func TestHandler_Reputation(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		expectedCode int
		expectedIPs  []string
	}{
		{
			name:         "success",
			body:         `{"ips":["203.0.113.7","198.51.100.4"]}`,
			expectedCode: 200,
			expectedIPs:  []string{"203.0.113.7", "198.51.100.4"},
		},
		{
			name:         "empty list",
			body:         `{"ips":[]}`,
			expectedCode: 400,
		},
		{
			name:         "at the limit",
			body:         `{"ips":["192.0.2.1","192.0.2.2","192.0.2.3"]}`,
			expectedCode: 200,
			expectedIPs:  []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"},
		},
		{
			name:         "over the limit",
			body:         `{"ips":["192.0.2.1","192.0.2.2","192.0.2.3","192.0.2.4"]}`,
			expectedCode: 400,
		},
		{
			name:         "malformed body",
			body:         `{"ips":`,
			expectedCode: 400,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&mockTraceService{
				reputationFunc: func(ctx context.Context, ips []string) []model.ReputationVerdict {
					out := make([]model.ReputationVerdict, len(ips))
					for i, ip := range ips {
						out[i] = model.ReputationVerdict{Address: ip, Verdict: model.VerdictHarmless}
					}
					return out
				},
			})

			req := httptest.NewRequest("POST", "/api/v1/reputation", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			if err != nil {
				t.Fatal(err)
			}

			if resp.StatusCode != tt.expectedCode {
				t.Fatalf("expected status code %d, got %d", tt.expectedCode, resp.StatusCode)
			}
			if tt.expectedCode != 200 {
				return
			}

			var verdicts []model.ReputationVerdict
			if err := json.NewDecoder(resp.Body).Decode(&verdicts); err != nil {
				t.Fatal(err)
			}
			if len(verdicts) != len(tt.expectedIPs) {
				t.Fatalf("expected %d verdicts, got %d", len(tt.expectedIPs), len(verdicts))
			}
			for i, ip := range tt.expectedIPs {
				if verdicts[i].Address != ip {
					t.Errorf("verdict %d: expected %s, got %s", i, ip, verdicts[i].Address)
				}
			}
		})
	}
}

func jsonEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok {
			return false
		}
		if vm, isMap := v.(map[string]interface{}); isMap {
			wm, isMap := w.(map[string]interface{})
			if !isMap || !jsonEqual(vm, wm) {
				return false
			}
			continue
		}
		if v != w {
			return false
		}
	}
	return true
}

func TestHandler_HealthCheck(t *testing.T) {
	app := newTestApp(nil)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}

	if resp.StatusCode != 200 {
		t.Errorf("expected status code 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}

	if body["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", body["status"])
	}
}
