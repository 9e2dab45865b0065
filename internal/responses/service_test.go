package responses

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

type failingStore struct {
	findErr   error
	insertErr error
	inserts   int
}

func (s *failingStore) FindResponse(context.Context, string, string) (Response, bool, error) {
	return Response{}, false, s.findErr
}

func (s *failingStore) InsertResponseBundle(context.Context, Bundle) error {
	s.inserts++
	return s.insertErr
}

func (s *failingStore) CountRecentSubmissions(context.Context, string, string, time.Time) (int64, error) {
	return 0, nil
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "responses.service.new.missing_store" {
		t.Fatalf("unexpected error code %q", serviceErr.Code())
	}
}

func TestRedeemAcceptsAndRecordsBundle(t *testing.T) {
	fixture := newIntakeFixture(t, fixtureOptions{})
	token := fixture.issue(t, "recipient-1", "opt-happy")
	fixture.clock.Advance(2 * time.Minute)

	decision := fixture.service.Redeem(context.Background(), Redemption{
		Token:     token,
		UserAgent: humanUserAgent,
		IPAddress: residentialIP,
	})

	if decision.Outcome != OutcomeAccepted || decision.Reason != ReasonNone {
		t.Fatalf("expected accepted decision, got %#v", decision)
	}
	if decision.SurveyID != testSurveyID || decision.ResponseID == "" {
		t.Fatalf("unexpected identifiers %#v", decision)
	}
	if decision.OptionLabel != "Satisfied" || decision.OptionEmoji != "😃" {
		t.Fatalf("unexpected confirmation %q %q", decision.OptionLabel, decision.OptionEmoji)
	}
	if decision.IsBot || decision.Score.Total() != 0 {
		t.Fatalf("expected clean score, got %#v", decision.Score)
	}

	var stored Response
	if err := fixture.db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load response: %v", err)
	}
	if stored.ID != decision.ResponseID || stored.RecipientID != "recipient-1" || stored.OptionID != "opt-happy" {
		t.Fatalf("unexpected stored response %#v", stored)
	}
	if stored.CreatedAtS != baseTime.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected created_at_s %d", stored.CreatedAtS)
	}
	var metadata Metadata
	if err := json.Unmarshal([]byte(stored.MetadataJSON), &metadata); err != nil {
		t.Fatalf("failed to decode metadata: %v", err)
	}
	if metadata.UserAgent != humanUserAgent || metadata.IPAddress != residentialIP || metadata.IsBot {
		t.Fatalf("unexpected metadata %#v", metadata)
	}

	var event ResponseEvent
	if err := fixture.db.First(&event).Error; err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if event.ResponseID != stored.ID || event.EventType != EventTypeResponseSubmitted {
		t.Fatalf("unexpected event %#v", event)
	}

	var botScore BotScoreRecord
	if err := fixture.db.First(&botScore).Error; err != nil {
		t.Fatalf("failed to load bot score: %v", err)
	}
	if botScore.ResponseID != stored.ID || botScore.Score != 0 || botScore.IsConfirmed {
		t.Fatalf("unexpected bot score %#v", botScore)
	}

	if len(fixture.notifier.events) != 1 || fixture.notifier.events[0].ResponseID != stored.ID {
		t.Fatalf("expected one recorded notification, got %#v", fixture.notifier.events)
	}
}

func TestRedeemDuplicateIsIdempotent(t *testing.T) {
	fixture := newIntakeFixture(t, fixtureOptions{})
	fixture.clock.Advance(time.Minute)
	first := fixture.service.Redeem(context.Background(), Redemption{
		Token:     fixture.issue(t, "recipient-1", "opt-happy"),
		UserAgent: humanUserAgent,
		IPAddress: residentialIP,
	})
	if first.Outcome != OutcomeAccepted {
		t.Fatalf("expected first redemption to be accepted, got %#v", first)
	}

	// A different option for the same recipient is still a duplicate.
	second := fixture.service.Redeem(context.Background(), Redemption{
		Token:     fixture.issue(t, "recipient-1", "opt-sad"),
		UserAgent: humanUserAgent,
		IPAddress: residentialIP,
	})
	if second.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %#v", second)
	}
	if second.ResponseID != first.ResponseID || second.SurveyID != testSurveyID {
		t.Fatalf("expected duplicate to reference the stored response, got %#v", second)
	}

	if count := countRows(t, fixture.db, &Response{}); count != 1 {
		t.Fatalf("expected 1 response, got %d", count)
	}
	if count := countRows(t, fixture.db, &ResponseEvent{}); count != 1 {
		t.Fatalf("expected 1 event, got %d", count)
	}
	if count := countRows(t, fixture.db, &BotScoreRecord{}); count != 1 {
		t.Fatalf("expected 1 bot score, got %d", count)
	}
	if len(fixture.notifier.events) != 1 {
		t.Fatalf("expected duplicate not to notify, got %d events", len(fixture.notifier.events))
	}
}

func TestRedeemRejectsMissingAndInvalidTokens(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	fixture := newIntakeFixture(t, fixtureOptions{logger: zap.New(core)})
	valid := fixture.issue(t, "recipient-1", "opt-happy")
	tampered := valid[:len(valid)-2] + strings.Repeat("A", 2)
	if tampered == valid {
		tampered = valid[:len(valid)-2] + "BB"
	}

	testCases := []struct {
		name   string
		token  string
		reason Reason
	}{
		{name: "empty", token: "", reason: ReasonBadRequest},
		{name: "whitespace", token: "   ", reason: ReasonBadRequest},
		{name: "garbage", token: "not-a-token", reason: ReasonInvalidToken},
		{name: "tampered", token: tampered, reason: ReasonInvalidToken},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			decision := fixture.service.Redeem(context.Background(), Redemption{Token: testCase.token})
			if decision.Outcome != OutcomeRejected || decision.Reason != testCase.reason {
				t.Fatalf("expected rejected(%s), got %#v", testCase.reason, decision)
			}
		})
	}

	fixture.clock.Advance(15 * 24 * time.Hour)
	expired := fixture.service.Redeem(context.Background(), Redemption{Token: valid})
	if expired.Outcome != OutcomeRejected || expired.Reason != ReasonInvalidToken {
		t.Fatalf("expected expired token to be rejected, got %#v", expired)
	}

	if count := countRows(t, fixture.db, &Response{}); count != 0 {
		t.Fatalf("expected no responses, got %d", count)
	}
	if entries := logs.FilterMessage("response token rejected").All(); len(entries) != 3 {
		t.Fatalf("expected 3 rejection logs, got %d", len(entries))
	}
	for _, entry := range logs.All() {
		for _, field := range entry.Context {
			if field.String == valid {
				t.Fatalf("raw token leaked into logs")
			}
		}
	}
}

func TestRedeemRecordsBotFlaggedResponse(t *testing.T) {
	fixture := newIntakeFixture(t, fixtureOptions{})
	token := fixture.issue(t, "recipient-1", "opt-happy")
	fixture.clock.Advance(5 * time.Second)

	decision := fixture.service.Redeem(context.Background(), Redemption{
		Token:     token,
		UserAgent: "Mozilla/5.0 (compatible; Googlebot/2.1)",
		IPAddress: "52.1.2.3",
	})

	if decision.Outcome != OutcomeAccepted {
		t.Fatalf("expected bot response to be recorded, got %#v", decision)
	}
	if !decision.IsBot || decision.Score.Total() != 60 {
		t.Fatalf("expected bot verdict with total 60, got %#v", decision.Score)
	}

	var botScore BotScoreRecord
	if err := fixture.db.First(&botScore).Error; err != nil {
		t.Fatalf("failed to load bot score: %v", err)
	}
	if botScore.Score != 60 {
		t.Fatalf("expected persisted score 60, got %d", botScore.Score)
	}
	var factors map[string]int
	if err := json.Unmarshal([]byte(botScore.FactorsJSON), &factors); err != nil {
		t.Fatalf("failed to decode factors: %v", err)
	}
	if factors["userAgent"] != 20 || factors["timing"] != 15 || factors["ipAddress"] != 25 || factors["headRequest"] != 0 {
		t.Fatalf("unexpected factors %#v", factors)
	}
}

func TestRedeemHeadRequestAddsMalformedPenalty(t *testing.T) {
	fixture := newIntakeFixture(t, fixtureOptions{})
	token := fixture.issue(t, "recipient-1", "opt-happy")
	fixture.clock.Advance(time.Hour)

	decision := fixture.service.Redeem(context.Background(), Redemption{
		Token:       token,
		UserAgent:   humanUserAgent,
		IPAddress:   residentialIP,
		HeadRequest: true,
	})

	if decision.Outcome != OutcomeAccepted {
		t.Fatalf("expected head request to be recorded, got %#v", decision)
	}
	if decision.Score.MalformedRequest != 30 || decision.Score.Total() != 30 || decision.IsBot {
		t.Fatalf("unexpected score %#v", decision.Score)
	}
}

func TestRedeemUnknownOptionStillRecords(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fixture := newIntakeFixture(t, fixtureOptions{logger: zap.New(core)})
	token := fixture.issue(t, "recipient-1", "opt-removed")
	fixture.clock.Advance(time.Hour)

	decision := fixture.service.Redeem(context.Background(), Redemption{Token: token, UserAgent: humanUserAgent})

	if decision.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted decision, got %#v", decision)
	}
	if decision.OptionLabel != "" || decision.OptionEmoji != "" {
		t.Fatalf("expected empty confirmation, got %q %q", decision.OptionLabel, decision.OptionEmoji)
	}
	if count := countRows(t, fixture.db, &Response{}); count != 1 {
		t.Fatalf("expected response to be stored, got %d", count)
	}
	if logs.FilterMessage("response option lookup failed").Len() != 1 {
		t.Fatalf("expected lookup failure to be logged")
	}
}

func TestRedeemFlagsSequentialPattern(t *testing.T) {
	fixture := newIntakeFixture(t, fixtureOptions{
		sequential: SequentialPolicy{Window: 10 * time.Minute, MinPrior: 2},
	})
	tokens := []string{
		fixture.issue(t, "recipient-1", "opt-happy"),
		fixture.issue(t, "recipient-2", "opt-happy"),
		fixture.issue(t, "recipient-3", "opt-sad"),
	}
	fixture.clock.Advance(time.Hour)

	var decisions []Decision
	for _, token := range tokens {
		decisions = append(decisions, fixture.service.Redeem(context.Background(), Redemption{
			Token:     token,
			UserAgent: humanUserAgent,
			IPAddress: residentialIP,
		}))
		fixture.clock.Advance(time.Minute)
	}

	if decisions[0].Score.SequentialPattern != 0 || decisions[1].Score.SequentialPattern != 0 {
		t.Fatalf("expected first two submissions to be unflagged, got %#v", decisions[:2])
	}
	if decisions[2].Score.SequentialPattern != 20 {
		t.Fatalf("expected third submission to be flagged, got %#v", decisions[2].Score)
	}

	fixture.clock.Advance(time.Hour)
	later := fixture.service.Redeem(context.Background(), Redemption{
		Token:     fixture.issue(t, "recipient-4", "opt-happy"),
		UserAgent: humanUserAgent,
		IPAddress: residentialIP,
	})
	if later.Score.SequentialPattern != 0 {
		t.Fatalf("expected window to expire, got %#v", later.Score)
	}
}

func TestRedeemPersistenceFailureIsInternalError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	store := &failingStore{insertErr: errors.New("disk full")}
	fixture := newIntakeFixture(t, fixtureOptions{store: store, logger: zap.New(core)})
	token := fixture.issue(t, "recipient-1", "opt-happy")

	decision := fixture.service.Redeem(context.Background(), Redemption{Token: token})

	if decision.Outcome != OutcomeRejected || decision.Reason != ReasonInternalError {
		t.Fatalf("expected internal error, got %#v", decision)
	}
	if store.inserts != 1 {
		t.Fatalf("expected one insert attempt, got %d", store.inserts)
	}
	entries := logs.FilterMessage("responses service error").All()
	if len(entries) != 1 || entries[0].ContextMap()["reason"] != "persist_failed" {
		t.Fatalf("expected persist failure log, got %#v", entries)
	}
	if len(fixture.notifier.events) != 0 {
		t.Fatalf("expected no notification on failure")
	}
}

func TestRedeemLookupFailureIsInternalError(t *testing.T) {
	store := &failingStore{findErr: errors.New("connection reset")}
	fixture := newIntakeFixture(t, fixtureOptions{store: store})

	decision := fixture.service.Redeem(context.Background(), Redemption{Token: fixture.issue(t, "recipient-1", "opt-happy")})

	if decision.Outcome != OutcomeRejected || decision.Reason != ReasonInternalError {
		t.Fatalf("expected internal error, got %#v", decision)
	}
	if store.inserts != 0 {
		t.Fatalf("expected no insert after failed lookup")
	}
}

func TestRedeemIDGenerationFailureIsInternalError(t *testing.T) {
	fixture := newIntakeFixture(t, fixtureOptions{idProvider: &staticIDGenerator{ids: []string{"only-one"}}})

	decision := fixture.service.Redeem(context.Background(), Redemption{Token: fixture.issue(t, "recipient-1", "opt-happy")})

	if decision.Outcome != OutcomeRejected || decision.Reason != ReasonInternalError {
		t.Fatalf("expected internal error, got %#v", decision)
	}
	if count := countRows(t, fixture.db, &Response{}); count != 0 {
		t.Fatalf("expected nothing stored, got %d", count)
	}
}

func TestRedeemConcurrentRedemptionsAcceptExactlyOnce(t *testing.T) {
	const attempts = 8
	fixture := newIntakeFixture(t, fixtureOptions{})
	token := fixture.issue(t, "recipient-1", "opt-happy")
	fixture.clock.Advance(time.Minute)

	decisions := make([]Decision, attempts)
	var group errgroup.Group
	for index := 0; index < attempts; index++ {
		group.Go(func() error {
			decisions[index] = fixture.service.Redeem(context.Background(), Redemption{
				Token:     token,
				UserAgent: humanUserAgent,
				IPAddress: residentialIP,
			})
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	accepted, duplicates := 0, 0
	for _, decision := range decisions {
		switch decision.Outcome {
		case OutcomeAccepted:
			accepted++
		case OutcomeDuplicate:
			duplicates++
		default:
			t.Fatalf("unexpected decision %#v", decision)
		}
	}
	if accepted != 1 || duplicates != attempts-1 {
		t.Fatalf("expected 1 accepted and %d duplicates, got %d and %d", attempts-1, accepted, duplicates)
	}
	if count := countRows(t, fixture.db, &Response{}); count != 1 {
		t.Fatalf("expected 1 response, got %d", count)
	}
	if count := countRows(t, fixture.db, &ResponseEvent{}); count != 1 {
		t.Fatalf("expected 1 event, got %d", count)
	}
	if count := countRows(t, fixture.db, &BotScoreRecord{}); count != 1 {
		t.Fatalf("expected 1 bot score, got %d", count)
	}
}
