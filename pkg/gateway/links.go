// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import "github.com/abstractmachines/edgegate/pkg/broker"

// wildcardSource is the reserved link-source token denoting "every other
// attached module".
const wildcardSource = "*"

// linkRecord is a gateway-level link declaration. source == wildcardSource
// denotes a wildcard link; the concrete broker edges it expands to are a
// projection recomputed by reconcileBrokerLinks, never stored directly.
type linkRecord struct {
	source string
	sink   string
}

// equal implements the gateway's link-equality rule: two
// records are equal iff their sinks match and either both are
// wildcard-sourced or both carry the same regular source.
func (l linkRecord) equal(o linkRecord) bool {
	if l.sink != o.sink {
		return false
	}
	if l.source == wildcardSource || o.source == wildcardSource {
		return l.source == wildcardSource && o.source == wildcardSource
	}
	return l.source == o.source
}

// LinkEntry is the user-facing description of a link to add or remove.
// Source == "*" denotes a wildcard link matching every other attached
// module.
type LinkEntry struct {
	Source string
	Sink   string
}

// desiredBrokerLinks computes the full (publisher, subscriber) edge set the
// broker should hold given the current gateway link records and attached
// modules: a wildcard link expands to one edge per attached module other
// than its sink; overlapping expansions (e.g. ("*", B) and (A, B) both
// wanting edge (A, B)) collapse naturally since the result is a set.
func (g *Gateway) desiredBrokerLinks() map[broker.Link]struct{} {
	desired := make(map[broker.Link]struct{})
	for _, l := range g.links {
		if l.source == wildcardSource {
			for name := range g.modules {
				if name == l.sink {
					continue
				}
				desired[broker.Link{Publisher: name, Subscriber: l.sink}] = struct{}{}
			}
			continue
		}
		desired[broker.Link{Publisher: l.source, Subscriber: l.sink}] = struct{}{}
	}
	return desired
}

// reconcileBrokerLinks diffs the broker's actual edge set against
// desiredBrokerLinks and issues the minimal set of AddLink/RemoveLink calls
// to close the gap. Called after any change to the gateway's link records or
// attached-module set (add/remove module, add/remove link).
func (g *Gateway) reconcileBrokerLinks() {
	desired := g.desiredBrokerLinks()

	current := g.broker.Links()
	currentSet := make(map[broker.Link]struct{}, len(current))
	for _, l := range current {
		currentSet[l] = struct{}{}
	}

	for l := range desired {
		if _, ok := currentSet[l]; ok {
			continue
		}
		if err := g.broker.AddLink(l.Publisher, l.Subscriber); err != nil {
			g.logger.Error("gateway: failed to materialise broker link " + l.Publisher + "->" + l.Subscriber + ": " + err.Error())
		}
	}
	for l := range currentSet {
		if _, ok := desired[l]; ok {
			continue
		}
		if err := g.broker.RemoveLink(l.Publisher, l.Subscriber); err != nil {
			g.logger.Error("gateway: failed to retract broker link " + l.Publisher + "->" + l.Subscriber + ": " + err.Error())
		}
	}
}
