// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"fmt"
	"strconv"
	"strings"
)

// ConsistencyLevel is the number of distinct nodes that must acknowledge a
// publish. Positive values are literal counts; Quorum is a majority of the
// pool.
type ConsistencyLevel int

const (
	Quorum ConsistencyLevel = -1
	One    ConsistencyLevel = 1
	Two    ConsistencyLevel = 2
)

func (l ConsistencyLevel) String() string {
	switch {
	case l == Quorum:
		return "quorum"
	case l == One:
		return "one"
	case l == Two:
		return "two"
	case l > 0:
		return strconv.Itoa(int(l))
	default:
		return fmt.Sprintf("invalid(%d)", int(l))
	}
}

// Required returns how many acknowledgements the level needs for a pool of
// poolSize nodes. It does not compare the result with poolSize.
func (l ConsistencyLevel) Required(poolSize int) (int, error) {
	switch {
	case l == Quorum:
		return poolSize/2 + 1, nil
	case l > 0:
		return int(l), nil
	default:
		return 0, &ConfigurationError{Level: l, Available: poolSize, Reason: "unknown consistency level"}
	}
}

// ParseConsistencyLevel parses "one", "two", "quorum" or a positive count.
func ParseConsistencyLevel(s string) (ConsistencyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quorum":
		return Quorum, nil
	case "one":
		return One, nil
	case "two":
		return Two, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, &ConfigurationError{Level: ConsistencyLevel(n), Reason: fmt.Sprintf("unknown consistency level %q", s)}
	}
	return ConsistencyLevel(n), nil
}
