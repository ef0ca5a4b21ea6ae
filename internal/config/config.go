package config

import (
	"fmt"
	"time"
)

// Run holds every run-wide setting for one harness execution. It is built
// once from flags and passed by value into each component; nothing mutates
// it after construction.
type Run struct {
	ReceiverURL string
	StoreURL    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Users               int
	EndpointsPerUser    int
	RequestsPerEndpoint int
	RequestLimit        int
	OverrunTolerance    int

	Concurrency    int
	MaxRPS         float64
	RequestTimeout time.Duration

	FlushWait   time.Duration
	SkipSeed    bool
	SkipCleanup bool
}

// Default mirrors the standard full-scale run: 500 users with 2 endpoints
// each, 150 requests per endpoint against a 100-request/user quota.
func Default() Run {
	return Run{
		ReceiverURL:         "http://localhost:3001",
		StoreURL:            "http://localhost:3210",
		RedisAddr:           "127.0.0.1:6380",
		Users:               500,
		EndpointsPerUser:    2,
		RequestsPerEndpoint: 150,
		RequestLimit:        100,
		OverrunTolerance:    50,
		Concurrency:         200,
		RequestTimeout:      10 * time.Second,
		FlushWait:           120 * time.Second,
	}
}

// TotalRequests is users x endpoints-per-user x requests-per-endpoint.
func (r Run) TotalRequests() int {
	return r.Users * r.EndpointsPerUser * r.RequestsPerEndpoint
}

func (r Run) Validate() error {
	if r.Users <= 0 {
		return fmt.Errorf("users must be > 0")
	}
	if r.EndpointsPerUser <= 0 {
		return fmt.Errorf("endpoints-per-user must be > 0")
	}
	if r.RequestsPerEndpoint <= 0 {
		return fmt.Errorf("requests-per-endpoint must be > 0")
	}
	if r.RequestLimit <= 0 {
		return fmt.Errorf("limit must be > 0")
	}
	if r.OverrunTolerance < 0 {
		return fmt.Errorf("overrun-tolerance must be >= 0")
	}
	if r.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if r.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0")
	}
	if r.FlushWait <= 0 {
		return fmt.Errorf("flush-wait must be > 0")
	}
	return nil
}
