package server

import (
	"context"
	"sync"
	"time"

	"github.com/adseeker/tinyengage/internal/responses"
)

const (
	FeedEventResponseRecorded = "response-recorded"
	feedEventHeartbeat        = "heartbeat"
	feedSource                = "tinyengage-backend"
	defaultFeedBuffer         = 16
)

// ResponseFeed fans accepted responses out to the operators watching a survey.
// A listener whose buffer is full misses events; intake never waits on it.
type ResponseFeed struct {
	mu        sync.Mutex
	listeners map[string]map[*feedListener]struct{}
	buffer    int
}

type feedListener struct {
	events chan responses.RecordedEvent
}

// NewResponseFeed builds a feed with the given per-listener buffer. Zero selects the default.
func NewResponseFeed(buffer int) *ResponseFeed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &ResponseFeed{
		listeners: make(map[string]map[*feedListener]struct{}),
		buffer:    buffer,
	}
}

// Subscribe listens to surveyID until ctx ends or the returned stop is called.
func (f *ResponseFeed) Subscribe(ctx context.Context, surveyID string) (<-chan responses.RecordedEvent, func()) {
	listener := &feedListener{events: make(chan responses.RecordedEvent, f.buffer)}
	if surveyID == "" {
		close(listener.events)
		return listener.events, func() {}
	}

	f.mu.Lock()
	survey, ok := f.listeners[surveyID]
	if !ok {
		survey = make(map[*feedListener]struct{})
		f.listeners[surveyID] = survey
	}
	survey[listener] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() { f.drop(surveyID, listener) })
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return listener.events, stop
}

// ResponseRecorded delivers an accepted response to the survey's listeners.
func (f *ResponseFeed) ResponseRecorded(event responses.RecordedEvent) {
	if event.SurveyID == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for listener := range f.listeners[event.SurveyID] {
		select {
		case listener.events <- event:
		default:
		}
	}
}

// Listeners reports how many operators are watching surveyID.
func (f *ResponseFeed) Listeners(surveyID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[surveyID])
}

func (f *ResponseFeed) drop(surveyID string, listener *feedListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	survey := f.listeners[surveyID]
	delete(survey, listener)
	if len(survey) == 0 {
		delete(f.listeners, surveyID)
	}
}

type responseRecordedPayload struct {
	SurveyID   string    `json:"surveyId"`
	ResponseID string    `json:"responseId"`
	OptionID   string    `json:"optionId"`
	Score      int       `json:"score"`
	IsBot      bool      `json:"isBot"`
	Timestamp  time.Time `json:"timestamp"`
}

func newResponseRecordedPayload(event responses.RecordedEvent) responseRecordedPayload {
	return responseRecordedPayload{
		SurveyID:   event.SurveyID,
		ResponseID: event.ResponseID,
		OptionID:   event.OptionID,
		Score:      event.Score,
		IsBot:      event.IsBot,
		Timestamp:  event.RecordedAt.UTC(),
	}
}

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}
