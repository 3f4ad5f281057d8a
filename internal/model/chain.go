package model

import (
	"encoding/json"
	"fmt"
)

// TestStatus is the per-node disposition shown in a chain visualization.
type TestStatus string

const (
	TestPositive TestStatus = "POSITIVE"
	TestNegative TestStatus = "NEGATIVE"
	TestUnknown  TestStatus = "UNKNOWN"
)

// ChainNode is one hop in a rendered exposure chain. Identity never appears
// here: the username is either a consented snapshot or a placeholder, and
// everything else is projected through the reporter's privacy level.
type ChainNode struct {
	Username          string     `json:"username"`
	TestStatus        TestStatus `json:"testStatus"`
	Date              int64      `json:"date,omitempty"`
	IsCurrentUser     bool       `json:"isCurrentUser"`
	TestedPositiveFor []string   `json:"testedPositiveFor,omitempty"`
}

// ChainVisualization is what a notification carries so the client can draw
// the exposure chain: the node list for the recipient's shortest path, plus
// every discovered path when the recipient was reached more than one way.
type ChainVisualization struct {
	Nodes []ChainNode `json:"nodes"`
	Paths [][]string  `json:"paths,omitempty"`
}

// EncodeChainData serializes a visualization for the chainData field.
func EncodeChainData(v ChainVisualization) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode chain data: %w", err)
	}
	return string(raw), nil
}

// DecodeChainData parses a chainData field back into a visualization.
func DecodeChainData(s string) (ChainVisualization, error) {
	var v ChainVisualization
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return ChainVisualization{}, fmt.Errorf("decode chain data: %w", err)
	}
	return v, nil
}

// EncodeChainPaths serializes the full path list for the chainPaths field.
// The store cannot hold nested arrays directly, so multi-path notifications
// keep the list as one JSON string alongside the primary chainPath array.
func EncodeChainPaths(paths [][]string) (string, error) {
	raw, err := json.Marshal(paths)
	if err != nil {
		return "", fmt.Errorf("encode chain paths: %w", err)
	}
	return string(raw), nil
}

// DecodeChainPaths parses a chainPaths field.
func DecodeChainPaths(s string) ([][]string, error) {
	var paths [][]string
	if err := json.Unmarshal([]byte(s), &paths); err != nil {
		return nil, fmt.Errorf("decode chain paths: %w", err)
	}
	return paths, nil
}
