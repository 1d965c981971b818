package mcp

import "strings"

// Queue is a named destination and the binding patterns that feed it.
// Patterns are dot-separated words where "*" matches exactly one word and
// "#" matches zero or more.
type Queue struct {
	Name     string
	Bindings []string
}

// Topology is the exchange plus its queue declarations.
type Topology struct {
	Exchange string
	Queues   []Queue
}

// Suite queue names.
const (
	QueueAuthEvents        = "auth.events"
	QueueQMSNotifications  = "qms.notifications"
	QueueEDMSNotifications = "edms.notifications"
	QueueLIMSNotifications = "lims.notifications"
	QueueHRTraining        = "hr.training"
	QueueAuditTrail        = "audit.trail"
)

// DefaultTopology declares the queues shared by the suite services.
func DefaultTopology() Topology {
	return Topology{
		Exchange: "gmp.events",
		Queues: []Queue{
			{Name: QueueAuthEvents, Bindings: []string{"auth.#"}},
			{Name: QueueQMSNotifications, Bindings: []string{"qms.#", "lims.oos.*"}},
			{Name: QueueEDMSNotifications, Bindings: []string{"edms.#"}},
			{Name: QueueLIMSNotifications, Bindings: []string{"lims.#"}},
			{Name: QueueHRTraining, Bindings: []string{"hr.#", "edms.document.effective"}},
			{Name: QueueAuditTrail, Bindings: []string{"#"}},
		},
	}
}

// Route returns the queues whose bindings match routingKey, in declaration
// order and without duplicates.
func (t Topology) Route(routingKey string) []string {
	var out []string
	for _, q := range t.Queues {
		for _, b := range q.Bindings {
			if MatchBinding(b, routingKey) {
				out = append(out, q.Name)
				break
			}
		}
	}
	return out
}

// HasQueue reports whether name is declared.
func (t Topology) HasQueue(name string) bool {
	for _, q := range t.Queues {
		if q.Name == name {
			return true
		}
	}
	return false
}

// Channel is the pub/sub channel backing queue.
func (t Topology) Channel(queue string) string {
	if t.Exchange == "" {
		return queue
	}
	return t.Exchange + "." + queue
}

// MatchBinding reports whether routingKey matches a topic binding pattern.
func MatchBinding(pattern, routingKey string) bool {
	if pattern == "" || routingKey == "" {
		return false
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			// Collapse consecutive '#'.
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == "#" {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
