package responses

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adseeker/tinyengage/internal/auth"
	"github.com/adseeker/tinyengage/internal/risk"
	"github.com/adseeker/tinyengage/internal/surveys"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningKey = "response-signing-secret"
	testSurveyID   = "survey-1"
	humanUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15"
	residentialIP  = "203.0.113.5"
)

var baseTime = time.Unix(1_700_000_000, 0).UTC()

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func (n *recordingNotifier) ResponseRecorded(event RecordedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type intakeFixture struct {
	service  *Service
	codec    *auth.ResponseTokenCodec
	db       *gorm.DB
	clock    *testClock
	notifier *recordingNotifier
}

type fixtureOptions struct {
	sequential SequentialPolicy
	idProvider IDProvider
	logger     *zap.Logger
	store      Store
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:responses_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Response{}, &ResponseEvent{}, &BotScoreRecord{}, &surveys.Survey{}, &surveys.SurveyOption{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&surveys.Survey{ID: testSurveyID, OwnerID: "owner-1", Title: "How did we do?", Type: "emoji"}).Error; err != nil {
		t.Fatalf("failed to seed survey: %v", err)
	}
	options := []surveys.SurveyOption{
		{ID: "opt-happy", SurveyID: testSurveyID, Label: "Satisfied", Value: "4", Emoji: "😃", Position: 0},
		{ID: "opt-sad", SurveyID: testSurveyID, Label: "Dissatisfied", Value: "2", Emoji: "😞", Position: 1},
	}
	if err := db.Create(&options).Error; err != nil {
		t.Fatalf("failed to seed options: %v", err)
	}
	return db
}

func newIntakeFixture(t *testing.T, opts fixtureOptions) intakeFixture {
	t.Helper()
	db := openTestDatabase(t)
	clock := &testClock{now: baseTime}

	codec, err := auth.NewResponseTokenCodec(auth.ResponseTokenCodecConfig{
		SigningKey: []byte(testSigningKey),
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}
	scorer, err := risk.NewScorer(risk.ScorerConfig{})
	if err != nil {
		t.Fatalf("failed to construct scorer: %v", err)
	}
	catalog, err := surveys.NewCatalog(db, nil)
	if err != nil {
		t.Fatalf("failed to construct catalog: %v", err)
	}

	store := opts.store
	if store == nil {
		gormStore, err := NewGormStore(db)
		if err != nil {
			t.Fatalf("failed to construct store: %v", err)
		}
		store = gormStore
	}
	idProvider := opts.idProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Store:      store,
		Codec:      codec,
		Scorer:     scorer,
		Catalog:    catalog,
		Sequential: opts.sequential,
		Notifier:   notifier,
		Clock:      clock.Now,
		IDProvider: idProvider,
		Logger:     opts.logger,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	return intakeFixture{service: service, codec: codec, db: db, clock: clock, notifier: notifier}
}

func (f intakeFixture) issue(t *testing.T, recipientID, optionID string) string {
	t.Helper()
	token, err := f.codec.Issue(testSurveyID, recipientID, optionID, 0)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}
