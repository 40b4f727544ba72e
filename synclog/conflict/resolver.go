// Copyright (C) 2025 Syncwave Authors.
// See LICENSE for copying information.

// Package conflict decides the winner between a server value and a client
// value when a push cannot be applied as-is. Resolvers are stateless and
// never touch the change log; they only decide what the sync API should
// persist next.
package conflict

import (
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the conflict package.
	Error = errs.Class("conflict")

	// ErrUnknownStrategy is returned for strategy names outside the
	// built-in set.
	ErrUnknownStrategy = errs.Class("conflict: unknown strategy")
)

// Strategy selects one of the built-in resolution policies.
type Strategy string

const (
	// StrategyLastWriteWins picks the candidate with the strictly newer
	// timestamp; ties favor the server so resolution is deterministic and
	// never runs twice for the same pair.
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyClientWins always keeps the client value.
	StrategyClientWins Strategy = "client_wins"
	// StrategyServerWins always keeps the server value.
	StrategyServerWins Strategy = "server_wins"
)

// Valid reports whether the strategy is one of the built-ins.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyClientWins, StrategyServerWins:
		return true
	}
	return false
}

// Source tags which side a candidate came from, so callers can tell what
// the resolver picked without comparing payloads.
type Source string

const (
	SourceServer Source = "server"
	SourceClient Source = "client"
)

// Candidate is one side of a conflict: a value plus the version and
// timestamp the decision is based on.
type Candidate struct {
	Source    Source
	Value     json.RawMessage
	Version   int64
	Timestamp time.Time
}

// Resolver decides the winning candidate. Custom resolvers may encode
// domain-specific merge logic and return a synthesized candidate; the
// built-ins always return one of their two inputs unchanged.
type Resolver interface {
	Resolve(server, client Candidate) (Candidate, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(server, client Candidate) (Candidate, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(server, client Candidate) (Candidate, error) {
	return f(server, client)
}

// NewResolver returns the built-in resolver for the strategy.
func NewResolver(strategy Strategy) (Resolver, error) {
	if !strategy.Valid() {
		return nil, ErrUnknownStrategy.New("%q", strategy)
	}
	return strategyResolver{strategy: strategy}, nil
}

// strategyResolver dispatches the closed set of built-in strategies.
type strategyResolver struct {
	strategy Strategy
}

func (r strategyResolver) Resolve(server, client Candidate) (Candidate, error) {
	switch r.strategy {
	case StrategyClientWins:
		return client, nil
	case StrategyServerWins:
		return server, nil
	default:
		if client.Timestamp.After(server.Timestamp) {
			return client, nil
		}
		return server, nil
	}
}
