// Package seeder generates synthetic source events for exercising detection
// rules against a live cluster.
package seeder

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/telhawk-detect/internal/storage"
)

// Event types understood by the generator
const (
	EventAuth    = "auth"
	EventProcess = "process"
	EventDNS     = "dns"
	EventHTTP    = "http"
)

// AllEventTypes lists every supported event type.
var AllEventTypes = []string{EventAuth, EventProcess, EventDNS, EventHTTP}

// Generator produces events backed by a seeded faker.
type Generator struct {
	faker *gofakeit.Faker
	now   func() time.Time
}

// NewGenerator returns a generator. The same seed yields the same events for
// the same clock.
func NewGenerator(seed int64, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{faker: gofakeit.New(seed), now: now}
}

// Generate returns count events of the given types, spread evenly with jitter
// over the timeSpread ending now.
func (g *Generator) Generate(count int, timeSpread time.Duration, eventTypes []string) []storage.Event {
	if len(eventTypes) == 0 {
		eventTypes = AllEventTypes
	}
	now := g.now()

	events := make([]storage.Event, 0, count)
	for i := 0; i < count; i++ {
		eventType := eventTypes[i%len(eventTypes)]
		uid := g.faker.UUID()

		source := g.event(eventType)
		source["@timestamp"] = g.eventTime(now, timeSpread, i, count).UTC().Format(time.RFC3339Nano)
		source["metadata"] = map[string]interface{}{
			"uid":     uid,
			"product": "telhawk-detect seeder",
		}
		source["host"] = map[string]interface{}{
			"name": g.faker.DomainName(),
			"ip":   g.faker.IPv4Address(),
		}

		events = append(events, storage.Event{ID: uid, Source: source})
	}
	return events
}

// eventTime places event index of total inside the window with ±40% jitter.
func (g *Generator) eventTime(now time.Time, window time.Duration, index, total int) time.Time {
	if window <= 0 || total <= 0 {
		return now
	}
	base := float64(window) / float64(total)
	offset := time.Duration(float64(index)*base + (g.faker.Float64()*2-1)*base*0.4)
	if offset < 0 {
		offset = 0
	}
	if offset > window {
		offset = window
	}
	return now.Add(-(window - offset))
}

func (g *Generator) event(eventType string) map[string]interface{} {
	switch eventType {
	case EventProcess:
		return g.processEvent()
	case EventDNS:
		return g.dnsEvent()
	case EventHTTP:
		return g.httpEvent()
	default:
		return g.authEvent()
	}
}

func (g *Generator) authEvent() map[string]interface{} {
	action := g.faker.RandomString([]string{"ssh_login", "user_login", "logout", "password_change"})
	outcome := "success"
	if g.faker.Float64() < 0.2 {
		outcome = "failure"
	}
	return map[string]interface{}{
		"event": map[string]interface{}{
			"category": "authentication",
			"action":   action,
			"outcome":  outcome,
		},
		"user": map[string]interface{}{
			"name":  g.faker.Username(),
			"email": g.faker.Email(),
		},
		"source": map[string]interface{}{
			"ip":   g.faker.IPv4Address(),
			"port": g.faker.Number(1024, 65535),
		},
	}
}

func (g *Generator) processEvent() map[string]interface{} {
	name := g.faker.RandomString([]string{"bash", "sudo", "curl", "python3", "sshd", "nc"})
	return map[string]interface{}{
		"event": map[string]interface{}{
			"category": "process",
			"action":   "process_started",
			"outcome":  "success",
		},
		"process": map[string]interface{}{
			"name":         name,
			"pid":          g.faker.Number(100, 65535),
			"command_line": name + " " + g.faker.Word(),
		},
		"user": map[string]interface{}{
			"name": g.faker.Username(),
		},
	}
}

func (g *Generator) dnsEvent() map[string]interface{} {
	return map[string]interface{}{
		"event": map[string]interface{}{
			"category": "network",
			"action":   "dns_query",
			"outcome":  "success",
		},
		"dns": map[string]interface{}{
			"question": map[string]interface{}{
				"name": g.faker.DomainName(),
				"type": g.faker.RandomString([]string{"A", "AAAA", "TXT", "MX"}),
			},
		},
		"destination": map[string]interface{}{
			"ip":   g.faker.IPv4Address(),
			"port": 53,
		},
	}
}

func (g *Generator) httpEvent() map[string]interface{} {
	return map[string]interface{}{
		"event": map[string]interface{}{
			"category": "web",
			"action":   "http_request",
			"outcome":  "success",
		},
		"http": map[string]interface{}{
			"request": map[string]interface{}{
				"method": g.faker.HTTPMethod(),
			},
			"response": map[string]interface{}{
				"status_code": g.faker.HTTPStatusCode(),
			},
		},
		"url": map[string]interface{}{
			"full": g.faker.URL(),
		},
		"source": map[string]interface{}{
			"ip": g.faker.IPv4Address(),
		},
	}
}
