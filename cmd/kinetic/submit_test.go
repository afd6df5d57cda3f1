//go:build test

package main

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/srg/kinetic/internal/journal"
	"github.com/srg/kinetic/internal/mint"
	"github.com/stretchr/testify/suite"
)

type SubmitCommandTestSuite struct {
	CommandTestSuite
}

func (s *SubmitCommandTestSuite) save(n, evicted int) string {
	id, err := s.Store.SaveBatch(context.Background(), TestDeviceAddress1, FixtureBatch(n, evicted))
	s.Require().NoError(err)
	return id
}

func (s *SubmitCommandTestSuite) TestSubmitByPrefix() {
	// GOAL: Verify a journaled batch can be submitted by a short id prefix
	//
	// TEST SCENARIO: Saved batch, 8-char prefix → one mint call, receipt printed, success recorded

	id := s.save(10, 0)

	output, err := s.ExecuteCommand("submit", id[:8], "--wallet", TestWallet)
	s.Require().NoError(err)

	s.Contains(output, "Submitting kinetic-imu-data-1700000000000.json (")
	s.Contains(output, "10 samples) to "+TestWallet+"\n")
	s.Contains(output, "Minted after 1 attempt(s)\n")
	s.Contains(output, "Transaction to: 0x1111111111111111111111111111111111111111\n")

	outcomes := s.Store.Outcomes(id)
	s.Require().Len(outcomes, 1)
	s.True(outcomes[0].Succeeded())
	s.Equal(mint.RequestID(id, TestWallet), outcomes[0].RequestID)
}

func (s *SubmitCommandTestSuite) TestRetriesTransientFailures() {
	// GOAL: Verify transient failures are retried with backoff and every retry is announced
	//
	// TEST SCENARIO: 503 then success → two calls, retry line printed, outcome attempts = 2

	s.MintReplies(
		mintReply{http.StatusServiceUnavailable, "busy"},
		mintReply{http.StatusOK, `{"success":true,"transaction":{"to":"0x2222222222222222222222222222222222222222","value":1000}}`},
	)
	id := s.save(10, 0)

	output, err := s.ExecuteCommand("submit", id, "--wallet", TestWallet)
	s.Require().NoError(err)

	s.Equal(int32(2), s.MintCalls.Load())
	s.Contains(output, "Attempt 1 failed: 503 Service Unavailable: busy; retrying in 1ms\n")
	s.Contains(output, "Minted after 2 attempt(s)\n")
	s.Contains(output, "Value: 1000\n")

	outcomes := s.Store.Outcomes(id)
	s.Require().Len(outcomes, 1)
	s.Equal(2, outcomes[0].Attempts)
}

func (s *SubmitCommandTestSuite) TestRetriesExhausted() {
	// GOAL: Verify a persistent transient failure ends after the configured attempts
	//
	// TEST SCENARIO: 503 forever → three calls, retryable remote error returned and recorded

	s.MintReplies(mintReply{http.StatusServiceUnavailable, ""})
	id := s.save(10, 0)

	_, err := s.ExecuteCommand("submit", id, "--wallet", TestWallet)

	var serr *mint.SubmissionError
	s.Require().True(errors.As(err, &serr), "MUST return a *mint.SubmissionError")
	s.Equal(mint.KindRemote, serr.Kind)
	s.True(serr.Retryable)
	s.Equal(int32(3), s.MintCalls.Load())
	s.Equal("remote", s.Store.Outcomes(id)[0].Kind())
}

func (s *SubmitCommandTestSuite) TestOverflowedBatch() {
	// GOAL: Verify an overflowed batch is refused unless --allow-partial is given
	//
	// TEST SCENARIO: Batch with evictions → ValidationError without the flag, minted with it

	id := s.save(10, 3)

	_, err := s.ExecuteCommand("submit", id, "--wallet", TestWallet)
	var verr *mint.ValidationError
	s.Require().True(errors.As(err, &verr), "MUST return a *mint.ValidationError")
	s.Equal("batch", verr.Field)
	s.Equal(int32(0), s.MintCalls.Load(), "MUST NOT contact the service")
	s.Empty(s.Store.Outcomes(id), "MUST NOT record local validation failures")

	_, err = s.ExecuteCommand("submit", id, "--wallet", TestWallet, "--allow-partial")
	s.Require().NoError(err)
	s.Equal(int32(1), s.MintCalls.Load())
}

func (s *SubmitCommandTestSuite) TestRejectedArguments() {
	// GOAL: Verify bad arguments fail before any network call
	//
	// TEST SCENARIO: Missing wallet, bad wallet, too few samples, unknown and too short ids

	small := s.save(3, 0)
	s.save(10, 0)

	tests := []struct {
		name      string
		args      []string
		errIs     error
		errString string
	}{
		{
			name:      "missing wallet",
			args:      []string{"submit", small},
			errString: "a wallet is required: pass --wallet or set mint.wallet in the config",
		},
		{
			name:      "malformed wallet",
			args:      []string{"submit", small, "--wallet", "not-an-address"},
			errString: `invalid address: "not-an-address" is not a 0x-prefixed 20-byte hex address`,
		},
		{
			name:      "too few samples",
			args:      []string{"submit", small, "--wallet", TestWallet},
			errString: "invalid batch: 3 samples captured, at least 5 required",
		},
		{
			name:  "unknown id",
			args:  []string{"submit", "ffffffffffff", "--wallet", TestWallet},
			errIs: journal.ErrNotFound,
		},
		{
			name:  "prefix too short",
			args:  []string{"submit", small[:4], "--wallet", TestWallet},
			errIs: journal.ErrNotFound,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err)
			if tt.errIs != nil {
				s.ErrorIs(err, tt.errIs)
			} else {
				s.EqualError(err, tt.errString)
			}
		})
	}
	s.Equal(int32(0), s.MintCalls.Load(), "MUST NOT contact the service")
}

func TestSubmitCommandTestSuite(t *testing.T) {
	suite.Run(t, new(SubmitCommandTestSuite))
}
