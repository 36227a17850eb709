package testevents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/healstats/internal/adapters/http/api"
	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0750
	filePermission      = 0600
	percentage          = 100
)

// Run executes the complete event test: generate, perturb, submit, verify.
func Run(ctx context.Context, config *Config) (*Stats, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	stats := &Stats{StartTime: time.Now()}
	log := logger.Get()

	log.Info(ctx, "starting event test",
		logger.String("baseURL", config.BaseURL),
		logger.Int("encounters", config.Encounters),
		logger.Int("eventsPer", config.EventsPer),
		logger.Int("shuffleSpan", config.ShuffleSpan),
		logger.Float64("duplicateRate", config.DuplicateRate),
		logger.Int("batchSize", config.BatchSize),
	)

	client := NewClient(config.BaseURL, config.Timeout)

	// Step 1: Check service health
	if err := client.Health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	// Step 2: Generate and perturb the session
	rng := newRand(config.Seed)
	session := generateSession(ctx, config, rng, stats)
	sent := batches(perturb(rng, session.Events, config.ShuffleSpan, config.DuplicateRate, stats), config.BatchSize)

	// Step 3: Submit batches in order
	if err := submit(ctx, client, sent, stats); err != nil {
		return stats, fmt.Errorf("event submission failed: %w", err)
	}

	// Step 4: Save what was sent
	if config.OutputFile != "" {
		if err := saveEventsToFile(ctx, config.OutputFile, sent); err != nil {
			log.Warn(ctx, "failed to save events to file", logger.Error(err))
		}
	}

	// Step 5: Wait for the results and verify them
	rep, err := awaitResults(ctx, client, config, session.Expectations)
	if err != nil {
		return stats, fmt.Errorf("result retrieval failed: %w", err)
	}
	stats.Verified = rep.Verified
	stats.Missing = len(rep.Missing)
	stats.Mismatched = len(rep.Mismatches)
	logReport(ctx, rep, config.Verbose)

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, stats)

	if !rep.OK() {
		return stats, fmt.Errorf("%w: %d missing, %d mismatches", ErrVerification, len(rep.Missing), len(rep.Mismatches))
	}
	log.Info(ctx, "test completed successfully", logger.String("session_id", stats.SessionID))
	return stats, nil
}

// submit posts each batch and waits for its acknowledgement before the next,
// so batches reach the service in sequence order.
func submit(ctx context.Context, client *Client, sent [][]model.SkillEvent, stats *Stats) error {
	for i, batch := range sent {
		accepted, retries, err := client.PostEvents(ctx, batch)
		stats.Retries += retries
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		stats.Batches++
		stats.EventsSent += accepted
	}
	logger.Get().Info(ctx, "events submitted",
		logger.Int("batches", stats.Batches),
		logger.Int("events", stats.EventsSent),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("retries", stats.Retries),
	)
	return nil
}

// awaitResults polls the results endpoint until every expectation is met or
// the settle timeout passes, and returns the last report.
func awaitResults(ctx context.Context, client *Client, config *Config, exps []Expectation) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, config.SettleTimeout)
	defer cancel()

	limit := min(len(exps), maxResultsLimit)
	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()

	var rep *Report
	for {
		results, err := client.Results(ctx, limit)
		switch {
		case err == nil:
			rep = verify(exps, results)
			if rep.OK() {
				return rep, nil
			}
		case ctx.Err() == nil:
			return nil, err
		}

		select {
		case <-ctx.Done():
			if rep == nil {
				return nil, ctx.Err()
			}
			return rep, nil
		case <-ticker.C:
		}
	}
}

// saveEventsToFile writes the sent batches as one JSON array of events.
func saveEventsToFile(ctx context.Context, filename string, sent [][]model.SkillEvent) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	var reqs []api.EventRequest
	for _, batch := range sent {
		for i := range batch {
			reqs = append(reqs, api.FromEvent(&batch[i]))
		}
	}
	data, err := json.MarshalIndent(reqs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := os.WriteFile(filename, data, filePermission); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	logger.Get().Info(ctx, "events saved to file", logger.String("filename", filename), logger.Int("events", len(reqs)))
	return nil
}

// displayFinalStats logs the final test statistics.
func displayFinalStats(ctx context.Context, stats *Stats) {
	var verifiedRate, eventsPerSecond float64
	if stats.Encounters > 0 {
		verifiedRate = float64(stats.Verified) / float64(stats.Encounters) * percentage
	}
	if stats.Duration > 0 {
		eventsPerSecond = float64(stats.EventsSent) / stats.Duration.Seconds()
	}

	logger.Get().Info(ctx, "final statistics",
		logger.String("sessionID", stats.SessionID),
		logger.Int("encounters", stats.Encounters),
		logger.Int("eventsGenerated", stats.EventsGenerated),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("eventsSent", stats.EventsSent),
		logger.Int("batches", stats.Batches),
		logger.Int("retries", stats.Retries),
		logger.Int("verified", stats.Verified),
		logger.Int("missing", stats.Missing),
		logger.Int("mismatched", stats.Mismatched),
		logger.String("duration", stats.Duration.String()),
		logger.Float64("verifiedRate", verifiedRate),
		logger.Float64("eventsPerSecond", eventsPerSecond))
}
